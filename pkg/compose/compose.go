// Package compose models the local composition descriptor: a database and
// an application service, the application waiting for the database to be
// healthy, and a named volume for the database files.
package compose

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/deckhand/deckhand/pkg/engine"
)

// DefaultFile is the descriptor file name.
const DefaultFile = "docker-compose.yml"

// Load reads and parses a descriptor.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	f, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return f, nil
}

// Parse decodes descriptor YAML.
func Parse(data []byte) (*File, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse composition: %w", err)
	}
	if f.Services == nil {
		f.Services = map[string]Service{}
	}
	return &f, nil
}

// Marshal renders a descriptor as YAML.
func Marshal(f *File) ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(f); err != nil {
		return nil, fmt.Errorf("failed to encode composition: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// StartupOrder orders services so that every service comes after the ones
// it depends on. Ties keep alphabetical order.
func StartupOrder(f *File) ([]string, error) {
	names := f.ServiceNames()
	units := make([]engine.PlanUnit, 0, len(names))
	for _, name := range names {
		unit := engine.PlanUnit{ID: name, Group: name, Name: name}
		for _, dep := range f.Services[name].DependsOn.Names() {
			unit.Dependencies = append(unit.Dependencies, engine.Dependency{
				TargetID: dep,
				Type:     engine.DependencyNeeds,
			})
		}
		units = append(units, unit)
	}

	builder := engine.NewDAGBuilder()
	if _, err := builder.BuildGraph(units); err != nil {
		return nil, fmt.Errorf("invalid service dependencies: %w", err)
	}
	return builder.TopologicalOrder(), nil
}

// Default returns the descriptor written by `deckhand init`: a PostgreSQL
// database with a pg_isready probe and an application built from the
// project root that waits for it.
func Default(project string) *File {
	db := project
	if db == "" {
		db = "app"
	}

	return &File{
		Services: map[string]Service{
			"db": {
				Image:   "postgres:16",
				Restart: "unless-stopped",
				Environment: Environment{
					"POSTGRES_USER":     "app",
					"POSTGRES_PASSWORD": "app",
					"POSTGRES_DB":       db,
				},
				Ports:   []string{"5432:5432"},
				Volumes: []string{"db-data:/var/lib/postgresql/data"},
				Healthcheck: &Healthcheck{
					Test:     StringOrList{"CMD-SHELL", "pg_isready -U app -d " + db},
					Interval: "5s",
					Timeout:  "5s",
					Retries:  5,
				},
			},
			"app": {
				Build:   &Build{Context: "."},
				Command: StringOrList{"python", "app.py"},
				Environment: Environment{
					"DATABASE_URL": fmt.Sprintf("postgresql://app:app@db:5432/%s", db),
				},
				Ports: []string{"5000:5000"},
				DependsOn: DependsOn{
					"db": {Condition: ConditionHealthy},
				},
			},
		},
		Volumes: map[string]Volume{
			"db-data": {},
		},
	}
}
