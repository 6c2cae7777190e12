package machines

import (
	"context"
	"strings"
	"text/template"

	"github.com/venturecrane/crane-relay/internal/errs"
	"github.com/venturecrane/crane-relay/internal/store"
	"github.com/venturecrane/crane-relay/pkg/models"
)

var meshTemplate = template.Must(template.New("mesh").Parse(
	`# crane-relay mesh config for {{ .Self.Hostname }}
{{- range .Peers }}

Host {{ .Hostname }}
  HostName {{ .Address }}
  User {{ .User }}
{{- end }}
`))

// MeshConfig renders an OpenSSH client config with one Host block per
// machine other than forID, sorted by hostname. It reads current state on
// every call.
func (r *Registry) MeshConfig(ctx context.Context, forID string) (string, error) {
	if forID == "" {
		return "", errs.Field("for", "required")
	}
	self, err := r.store.GetMachine(ctx, forID)
	if err != nil {
		return "", store.Classify(err)
	}
	all, err := r.store.ListMachines(ctx, models.MachineFilter{})
	if err != nil {
		return "", store.Classify(err)
	}
	return RenderMesh(self, all)
}

// RenderMesh renders the config for self from the full machine list.
func RenderMesh(self *models.Machine, all []models.Machine) (string, error) {
	peers := make([]models.Machine, 0, len(all))
	for _, m := range all {
		if m.ID != self.ID {
			peers = append(peers, m)
		}
	}
	var sb strings.Builder
	if err := meshTemplate.Execute(&sb, struct {
		Self  *models.Machine
		Peers []models.Machine
	}{self, peers}); err != nil {
		return "", errs.Internal(err)
	}
	return sb.String(), nil
}
