package contracts

// ── Venture catalog ─────────────────────────────────────────

// VentureCatalog validates venture codes against configuration.
// Implemented by internal/config.Catalog.
type VentureCatalog interface {
	// CheckVenture returns a validation error when code is malformed or,
	// with a non-empty catalog, not configured.
	CheckVenture(code string) error
}
