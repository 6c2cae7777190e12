// Package machines is the fleet registry. A machine is identified by
// (hostname, user) for re-registration and by its ID everywhere else.
package machines

import (
	"context"
	"regexp"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/venturecrane/crane-relay/internal/errs"
	"github.com/venturecrane/crane-relay/internal/ids"
	"github.com/venturecrane/crane-relay/internal/store"
	"github.com/venturecrane/crane-relay/pkg/models"
)

// DefaultRole is assigned when registration omits one.
const DefaultRole = "worker"

// Registration fields are emitted into ssh config, so they are restricted
// to characters that cannot break out of a directive.
var (
	hostPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,252}$`)
	userPattern = regexp.MustCompile(`^[A-Za-z0-9_][A-Za-z0-9._-]{0,63}$`)
	addrPattern = regexp.MustCompile(`^[A-Za-z0-9.:\[\]%-]{1,255}$`)
	wordPattern = regexp.MustCompile(`^[A-Za-z0-9._-]{1,64}$`)
)

// Registry registers and lists machines.
type Registry struct {
	store *store.Store
	now   func() time.Time
}

// NewRegistry creates a machine registry.
func NewRegistry(st *store.Store) *Registry {
	return &Registry{store: st, now: time.Now}
}

// SetClock overrides the time source.
func (r *Registry) SetClock(now func() time.Time) { r.now = now }

func (r *Registry) clock() time.Time { return r.now().UTC().Truncate(time.Microsecond) }

// RegisterRequest is the body of POST /machines.
type RegisterRequest struct {
	Hostname  string `json:"hostname"`
	Address   string `json:"address"`
	User      string `json:"user"`
	OS        string `json:"os"`
	Arch      string `json:"arch"`
	PublicKey string `json:"public_key,omitempty"`
	Role      string `json:"role,omitempty"`
}

func (req *RegisterRequest) validate() error {
	details := map[string]string{}
	check := func(field, value string, re *regexp.Regexp) {
		switch {
		case value == "":
			details[field] = "required"
		case !re.MatchString(value):
			details[field] = "contains unsupported characters"
		}
	}
	check("hostname", req.Hostname, hostPattern)
	check("address", req.Address, addrPattern)
	check("user", req.User, userPattern)
	check("os", req.OS, wordPattern)
	check("arch", req.Arch, wordPattern)
	if req.Role != "" && !wordPattern.MatchString(req.Role) {
		details["role"] = "contains unsupported characters"
	}
	if len(req.PublicKey) > 16<<10 {
		details["public_key"] = "must be at most 16 KiB"
	}
	if len(details) > 0 {
		return errs.Validation("invalid machine registration", details)
	}
	return nil
}

// Register inserts a machine or updates the mutable fields of the one
// already registered under (hostname, user). created reports which. An
// update that omits role or public_key keeps the stored value.
func (r *Registry) Register(ctx context.Context, req RegisterRequest) (m *models.Machine, created bool, err error) {
	if err := req.validate(); err != nil {
		return nil, false, err
	}

	err = r.store.WithTx(ctx, func(c *store.Conn) error {
		now := r.clock()
		existing, err := c.FindMachine(ctx, req.Hostname, req.User)
		switch {
		case err == nil:
			existing.Address = req.Address
			existing.OS = req.OS
			existing.Arch = req.Arch
			if req.PublicKey != "" {
				existing.PublicKey = req.PublicKey
			}
			if req.Role != "" {
				existing.Role = req.Role
			}
			existing.Status = models.MachineActive
			existing.LastSeenAt = now
			m, created = existing, false
			return c.UpdateMachine(ctx, existing)
		case store.IsNotFound(err):
			role := req.Role
			if role == "" {
				role = DefaultRole
			}
			m = &models.Machine{
				ID:           ids.New(ids.PrefixMachine),
				Hostname:     req.Hostname,
				Address:      req.Address,
				User:         req.User,
				OS:           req.OS,
				Arch:         req.Arch,
				PublicKey:    req.PublicKey,
				Role:         role,
				Status:       models.MachineActive,
				RegisteredAt: now,
				LastSeenAt:   now,
			}
			created = true
			return c.InsertMachine(ctx, m)
		default:
			return err
		}
	})
	if err != nil {
		return nil, false, store.Classify(err)
	}

	log.Info().
		Str("machine_id", m.ID).
		Str("hostname", m.Hostname).
		Bool("created", created).
		Msg("Machine registered")
	return m, created, nil
}

// Heartbeat refreshes last-seen-at only.
func (r *Registry) Heartbeat(ctx context.Context, id string) (*models.Machine, error) {
	var m *models.Machine
	err := r.store.WithTx(ctx, func(c *store.Conn) error {
		ok, err := c.TouchMachine(ctx, id, r.clock())
		if err != nil {
			return err
		}
		if !ok {
			return &store.ErrNotFound{Entity: "machine", Key: id}
		}
		m, err = c.GetMachine(ctx, id)
		return err
	})
	if err != nil {
		return nil, store.Classify(err)
	}
	return m, nil
}

// List returns machines matching f, ordered by hostname.
func (r *Registry) List(ctx context.Context, f models.MachineFilter) ([]models.Machine, error) {
	if f.Status != "" && f.Status != string(models.MachineActive) && f.Status != string(models.MachineInactive) {
		return nil, errs.Field("status", "must be active or inactive")
	}
	ms, err := r.store.ListMachines(ctx, f)
	if err != nil {
		return nil, store.Classify(err)
	}
	if ms == nil {
		ms = []models.Machine{}
	}
	return ms, nil
}
