package workflow

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Parse decodes a workflow definition.
func Parse(data []byte) (*Definition, error) {
	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("failed to parse workflow: %w", err)
	}
	if def.Jobs == nil {
		def.Jobs = map[string]*Job{}
	}
	for id, job := range def.Jobs {
		job.ID = id
	}
	return &def, nil
}

// Load reads and parses a workflow file. A workflow without a name is
// named after its file.
func Load(path string) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	def, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	def.Path = path
	if def.Name == "" {
		def.Name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	return def, nil
}

// LoadDir loads every .yml and .yaml file in dir, sorted by file name.
// Workflow names must be unique.
func LoadDir(dir string) ([]*Definition, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read workflow directory: %w", err)
	}

	var files []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		switch filepath.Ext(entry.Name()) {
		case ".yml", ".yaml":
			files = append(files, filepath.Join(dir, entry.Name()))
		}
	}
	sort.Strings(files)

	defs := make([]*Definition, 0, len(files))
	seen := make(map[string]string)
	for _, file := range files {
		def, err := Load(file)
		if err != nil {
			return nil, err
		}
		if other, dup := seen[def.Name]; dup {
			return nil, fmt.Errorf("workflow %q is defined in both %s and %s", def.Name, other, file)
		}
		seen[def.Name] = file
		defs = append(defs, def)
	}
	return defs, nil
}

// Find returns the definition with the given name.
func Find(defs []*Definition, name string) (*Definition, bool) {
	for _, def := range defs {
		if def.Name == name {
			return def, true
		}
	}
	return nil, false
}
