package compose

import (
	"fmt"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Dependency conditions.
const (
	ConditionStarted   = "service_started"
	ConditionHealthy   = "service_healthy"
	ConditionCompleted = "service_completed_successfully"
)

// File is a parsed composition descriptor.
type File struct {
	Name     string             `yaml:"name,omitempty"`
	Services map[string]Service `yaml:"services" validate:"required,min=1,dive"`
	Volumes  map[string]Volume  `yaml:"volumes,omitempty"`
}

// Service is one container of the composition.
type Service struct {
	Image       string       `yaml:"image,omitempty" validate:"required_without=Build"`
	Build       *Build       `yaml:"build,omitempty"`
	Command     StringOrList `yaml:"command,omitempty"`
	Restart     string       `yaml:"restart,omitempty" validate:"omitempty,oneof=no always on-failure unless-stopped"`
	Environment Environment  `yaml:"environment,omitempty"`
	Ports       []string     `yaml:"ports,omitempty"`
	DependsOn   DependsOn    `yaml:"depends_on,omitempty"`
	Healthcheck *Healthcheck `yaml:"healthcheck,omitempty"`
	Volumes     []string     `yaml:"volumes,omitempty"`
}

// Build is the build section. The short form is just the context path.
type Build struct {
	Context    string `yaml:"context" validate:"required"`
	Dockerfile string `yaml:"dockerfile,omitempty"`
}

// UnmarshalYAML accepts a context string or a mapping.
func (b *Build) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		b.Context = node.Value
		return nil
	}
	type plain Build
	return node.Decode((*plain)(b))
}

// MarshalYAML writes the short form when only the context is set.
func (b Build) MarshalYAML() (interface{}, error) {
	if b.Dockerfile == "" {
		return b.Context, nil
	}
	type plain Build
	return plain(b), nil
}

// Healthcheck is a service health probe.
type Healthcheck struct {
	Test        StringOrList `yaml:"test" validate:"required"`
	Interval    string       `yaml:"interval,omitempty"`
	Timeout     string       `yaml:"timeout,omitempty"`
	Retries     int          `yaml:"retries,omitempty" validate:"gte=0"`
	StartPeriod string       `yaml:"start_period,omitempty"`
	Disable     bool         `yaml:"disable,omitempty"`
}

// Enabled reports whether the probe actually runs.
func (h *Healthcheck) Enabled() bool {
	if h == nil || h.Disable || len(h.Test) == 0 {
		return false
	}
	return h.Test[0] != "NONE"
}

// Volume is a named volume declaration.
type Volume struct {
	Driver   string `yaml:"driver,omitempty"`
	External bool   `yaml:"external,omitempty"`
}

// Dependency is one depends_on entry.
type Dependency struct {
	Condition string `yaml:"condition"`
}

// PortMapping is a parsed "host:container" port.
type PortMapping struct {
	HostIP        string
	HostPort      int
	ContainerPort int
	Protocol      string
}

// StringOrList is a command given either as one string or as a list.
type StringOrList []string

// UnmarshalYAML accepts a scalar or a sequence.
func (s *StringOrList) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		*s = StringOrList{node.Value}
		return nil
	case yaml.SequenceNode:
		var list []string
		if err := node.Decode(&list); err != nil {
			return err
		}
		*s = list
		return nil
	default:
		return fmt.Errorf("line %d: expected a string or a list", node.Line)
	}
}

// MarshalYAML writes a single element as a plain string.
func (s StringOrList) MarshalYAML() (interface{}, error) {
	if len(s) == 1 {
		return s[0], nil
	}
	return []string(s), nil
}

// Environment maps variable names to values. Both the mapping form and the
// KEY=VALUE list form are accepted.
type Environment map[string]string

// UnmarshalYAML accepts both compose forms.
func (e *Environment) UnmarshalYAML(node *yaml.Node) error {
	env := make(Environment)
	switch node.Kind {
	case yaml.MappingNode:
		for i := 0; i+1 < len(node.Content); i += 2 {
			key, value := node.Content[i], node.Content[i+1]
			if value.Tag == "!!null" {
				env[key.Value] = ""
				continue
			}
			if value.Kind != yaml.ScalarNode {
				return fmt.Errorf("line %d: environment value for %s must be a scalar", value.Line, key.Value)
			}
			env[key.Value] = value.Value
		}
	case yaml.SequenceNode:
		for _, item := range node.Content {
			if item.Kind != yaml.ScalarNode {
				return fmt.Errorf("line %d: environment entries must be KEY=VALUE strings", item.Line)
			}
			k, v, _ := strings.Cut(item.Value, "=")
			env[k] = v
		}
	default:
		return fmt.Errorf("line %d: environment must be a mapping or a list", node.Line)
	}
	*e = env
	return nil
}

// DependsOn maps a dependency to its condition. The list form means
// service_started for every entry.
type DependsOn map[string]Dependency

// UnmarshalYAML accepts both compose forms.
func (d *DependsOn) UnmarshalYAML(node *yaml.Node) error {
	deps := make(DependsOn)
	switch node.Kind {
	case yaml.SequenceNode:
		var names []string
		if err := node.Decode(&names); err != nil {
			return err
		}
		for _, name := range names {
			deps[name] = Dependency{Condition: ConditionStarted}
		}
	case yaml.MappingNode:
		var m map[string]Dependency
		if err := node.Decode(&m); err != nil {
			return err
		}
		for name, dep := range m {
			if dep.Condition == "" {
				dep.Condition = ConditionStarted
			}
			deps[name] = dep
		}
	default:
		return fmt.Errorf("line %d: depends_on must be a list or a mapping", node.Line)
	}
	*d = deps
	return nil
}

// Names returns the dependency names, sorted.
func (d DependsOn) Names() []string {
	names := make([]string, 0, len(d))
	for name := range d {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ServiceNames returns the service names, sorted.
func (f *File) ServiceNames() []string {
	names := make([]string, 0, len(f.Services))
	for name := range f.Services {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
