package artifact

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"
)

// Output keys the infrastructure stage must produce.
const (
	KeyResourceGroup       = "resource_group_name"
	KeyRegistryName        = "acr_name"
	KeyRegistryLoginServer = "acr_login_server"
	KeyRegistryID          = "acr_id"
	KeyWebAppName          = "webapp_name"
	KeyWebAppID            = "webapp_id"
)

// InfraOutputs is the typed record handed from provisioning to deployment.
type InfraOutputs struct {
	ResourceGroup       string            `json:"resource_group_name"`
	RegistryName        string            `json:"acr_name"`
	RegistryLoginServer string            `json:"acr_login_server"`
	RegistryID          string            `json:"acr_id,omitempty"`
	WebAppName          string            `json:"webapp_name"`
	WebAppID            string            `json:"webapp_id,omitempty"`
	Extra               map[string]string `json:"extra,omitempty"`
}

// FromTerraform extracts the record from flattened IaC outputs. Keys it
// does not recognise are kept in Extra.
func FromTerraform(values map[string]string) (InfraOutputs, error) {
	var out InfraOutputs
	for key, value := range values {
		switch key {
		case KeyResourceGroup:
			out.ResourceGroup = value
		case KeyRegistryName:
			out.RegistryName = value
		case KeyRegistryLoginServer:
			out.RegistryLoginServer = value
		case KeyRegistryID:
			out.RegistryID = value
		case KeyWebAppName:
			out.WebAppName = value
		case KeyWebAppID:
			out.WebAppID = value
		default:
			if out.Extra == nil {
				out.Extra = make(map[string]string)
			}
			out.Extra[key] = value
		}
	}
	return out, out.Validate()
}

// Validate reports every missing required field.
func (o InfraOutputs) Validate() error {
	var missing []string
	required := []struct{ key, value string }{
		{KeyResourceGroup, o.ResourceGroup},
		{KeyRegistryName, o.RegistryName},
		{KeyRegistryLoginServer, o.RegistryLoginServer},
		{KeyWebAppName, o.WebAppName},
	}
	for _, f := range required {
		if strings.TrimSpace(f.value) == "" {
			missing = append(missing, f.key)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("infrastructure outputs missing required keys: %s", strings.Join(missing, ", "))
	}
	return nil
}

// Map flattens the record back to string keys, the form workflow steps
// expose as outputs.
func (o InfraOutputs) Map() map[string]string {
	m := make(map[string]string, 6+len(o.Extra))
	for k, v := range o.Extra {
		m[k] = v
	}
	set := func(k, v string) {
		if v != "" {
			m[k] = v
		}
	}
	set(KeyResourceGroup, o.ResourceGroup)
	set(KeyRegistryName, o.RegistryName)
	set(KeyRegistryLoginServer, o.RegistryLoginServer)
	set(KeyRegistryID, o.RegistryID)
	set(KeyWebAppName, o.WebAppName)
	set(KeyWebAppID, o.WebAppID)
	return m
}

// Keys returns the flattened keys, sorted.
func (o InfraOutputs) Keys() []string {
	m := o.Map()
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Envelope is the serialised form of an outputs artifact.
type Envelope struct {
	Name      string       `json:"name"`
	RunID     string       `json:"run_id"`
	Workflow  string       `json:"workflow"`
	CreatedAt time.Time    `json:"created_at"`
	Outputs   InfraOutputs `json:"outputs"`
}

// Encode writes the envelope as indented JSON.
func (e *Envelope) Encode(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(e); err != nil {
		return fmt.Errorf("failed to encode artifact %s: %w", e.Name, err)
	}
	return nil
}

// DecodeEnvelope reads and validates an envelope.
func DecodeEnvelope(r io.Reader) (*Envelope, error) {
	var env Envelope
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&env); err != nil {
		return nil, fmt.Errorf("failed to decode artifact envelope: %w", err)
	}
	if err := env.Outputs.Validate(); err != nil {
		return nil, fmt.Errorf("artifact %s: %w", env.Name, err)
	}
	return &env, nil
}
