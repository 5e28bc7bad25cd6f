package config

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
)

// Schema names in the registry.
const (
	SchemaProject      = "project"
	SchemaInfraOutputs = "infraOutputs"
)

// SchemaRegistry manages CUE schemas for validation. Each schema is a CUE
// source declaring one definition.
type SchemaRegistry struct {
	ctx     *cue.Context
	schemas map[string]cue.Value
	mu      sync.RWMutex
}

// NewSchemaRegistry creates a new schema registry with built-in schemas.
func NewSchemaRegistry() *SchemaRegistry {
	return newSchemaRegistry(cuecontext.New())
}

func newSchemaRegistry(ctx *cue.Context) *SchemaRegistry {
	sr := &SchemaRegistry{
		ctx:     ctx,
		schemas: make(map[string]cue.Value),
	}

	// Built-in schemas are constants; a compile failure is a programming error.
	if err := sr.RegisterSchema(SchemaProject, "#Project", builtinProjectSchema); err != nil {
		panic(err)
	}
	if err := sr.RegisterSchema(SchemaInfraOutputs, "#InfraOutputs", builtinInfraOutputsSchema); err != nil {
		panic(err)
	}

	return sr
}

// RegisterSchema compiles schema and registers its definition under name.
func (sr *SchemaRegistry) RegisterSchema(name, definition, schema string) error {
	val := sr.ctx.CompileString(schema, cue.Filename(name+".cue"))
	if err := val.Err(); err != nil {
		return fmt.Errorf("failed to compile schema %s: %w", name, err)
	}

	def := val.LookupPath(cue.ParsePath(definition))
	if !def.Exists() {
		return fmt.Errorf("schema %s does not declare %s", name, definition)
	}

	sr.mu.Lock()
	defer sr.mu.Unlock()
	sr.schemas[name] = def
	return nil
}

// GetSchema retrieves a schema definition by name.
func (sr *SchemaRegistry) GetSchema(name string) (cue.Value, bool) {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	val, ok := sr.schemas[name]
	return val, ok
}

// ValidateAgainstSchema validates data against a named schema.
func (sr *SchemaRegistry) ValidateAgainstSchema(ctx context.Context, schemaName string, data interface{}) error {
	schema, ok := sr.GetSchema(schemaName)
	if !ok {
		return fmt.Errorf("schema %s not found", schemaName)
	}

	// Convert data to CUE value
	dataVal := sr.ctx.Encode(data)
	if err := dataVal.Err(); err != nil {
		return fmt.Errorf("failed to encode data: %w", err)
	}

	// Unify with schema (validates)
	unified := schema.Unify(dataVal)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("validation against %s failed: %w", schemaName, err)
	}

	return nil
}

// ListSchemas returns all registered schema names, sorted.
func (sr *SchemaRegistry) ListSchemas() []string {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	names := make([]string, 0, len(sr.schemas))
	for name := range sr.schemas {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ValidateOutputs validates an infrastructure outputs record.
func (sr *SchemaRegistry) ValidateOutputs(ctx context.Context, outputs map[string]string) error {
	return sr.ValidateAgainstSchema(ctx, SchemaInfraOutputs, outputs)
}

// Built-in schema definitions

const builtinProjectSchema = `
// Project configuration read from deckhand.cue
#Project: {
	N=name:      string & =~"^[a-z][a-z0-9-]*[a-z0-9]$"
	environment: *"dev" | "staging" | "prod"
	branch:      string | *"main"

	azure: {
		subscription:  string | *""
		tenant:        string | *""
		clientId:      string | *""
		location:      string | *"eastus"
		resourceGroup: string & !=""
		endpoint:      string | *""
	}

	registry: name: string & =~"^[a-zA-Z0-9]{5,50}$"
	webapp: name:   string & !=""

	image: {
		name:       string | *N
		tag:        string | *"latest"
		context:    string | *"."
		dockerfile: string | *"Dockerfile"
	}

	terraform: {
		dir:    string | *"infra"
		binary: string | *"terraform"
	}

	artifact: {
		name:      string | *"infra-outputs"
		store:     *"fs" | "blob"
		root:      string | *".deckhand/artifacts"
		account:   string | *""
		container: string | *"artifacts"
	}

	compose: file:  string | *"docker-compose.yml"
	workflows: dir: string | *".deckhand/workflows"
	state: path:    string | *".deckhand/deckhand.db"
	policy: dirs:   [...string] | *[]
	lock: ttl:      string | *"30m"
}
`

const builtinInfraOutputsSchema = `
// Outputs handed from the infrastructure stage to the deploy stage
#InfraOutputs: {
	resource_group_name: string & !=""
	acr_name:            string & !=""
	acr_login_server:    string & =~"^[a-z0-9.-]+$"
	acr_id?:             string
	webapp_name:         string & !=""
	webapp_id?:          string
	[string]:            string
}
`
