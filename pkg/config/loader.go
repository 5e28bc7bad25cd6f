package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"regexp"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/ast"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/format"
	"github.com/go-playground/validator/v10"
)

// DefaultFile is the project config file name.
const DefaultFile = "deckhand.cue"

// Loader reads deckhand.cue files, unifies them with the #Project schema,
// applies environment overrides and validates the result.
type Loader struct {
	ctx       *cue.Context
	registry  *SchemaRegistry
	validator *validator.Validate
	environ   func() []string
}

// NewLoader creates a loader that reads overrides from the process environment.
func NewLoader() *Loader {
	ctx := cuecontext.New()

	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	return &Loader{
		ctx:       ctx,
		registry:  newSchemaRegistry(ctx),
		validator: v,
		environ:   os.Environ,
	}
}

// WithEnviron replaces the environment source, mainly for tests.
func (l *Loader) WithEnviron(environ func() []string) *Loader {
	l.environ = environ
	return l
}

// Registry returns the schema registry.
func (l *Loader) Registry() *SchemaRegistry {
	return l.registry
}

// Load reads a project file. path may be a directory holding deckhand.cue.
// Configuration problems are returned as ValidationErrors.
func (l *Loader) Load(path string) (*Project, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat %s: %w", path, err)
	}
	if info.IsDir() {
		path = filepath.Join(path, DefaultFile)
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	return l.LoadBytes(path, content)
}

// LoadBytes parses project configuration held in memory.
func (l *Loader) LoadBytes(filename string, src []byte) (*Project, error) {
	val := l.ctx.CompileBytes(src, cue.Filename(filename))
	if err := val.Err(); err != nil {
		return nil, l.convertCUEErrors(err)
	}

	schema, _ := l.registry.GetSchema(SchemaProject)
	unified := schema.Unify(val)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return nil, l.convertCUEErrors(err)
	}

	var project Project
	if err := unified.Decode(&project); err != nil {
		return nil, l.convertCUEErrors(err)
	}

	ApplyEnv(&project, l.environ())

	if err := l.Validate(&project); err != nil {
		return nil, err
	}
	return &project, nil
}

// Validate checks struct constraints that the schema cannot express or that
// depend on environment overrides.
func (l *Loader) Validate(project *Project) error {
	var errs ValidationErrors

	if err := l.validator.Struct(project); err != nil {
		var fieldErrs validator.ValidationErrors
		if ok := asValidationErrors(err, &fieldErrs); !ok {
			return fmt.Errorf("failed to validate project: %w", err)
		}
		for _, fe := range fieldErrs {
			errs = append(errs, ValidationError{
				Path:     trimNamespace(fe.Namespace()),
				Message:  describeFieldError(fe),
				Severity: "error",
			})
		}
	}

	if _, err := project.Lock.TTLDuration(); err != nil {
		errs = append(errs, ValidationError{Path: "lock.ttl", Message: err.Error(), Severity: "error"})
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

func asValidationErrors(err error, target *validator.ValidationErrors) bool {
	fieldErrs, ok := err.(validator.ValidationErrors)
	if ok {
		*target = fieldErrs
	}
	return ok
}

// trimNamespace drops the root struct name from a validator namespace.
func trimNamespace(ns string) string {
	if i := strings.Index(ns, "."); i >= 0 {
		return ns[i+1:]
	}
	return ns
}

func describeFieldError(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "required_if":
		return fmt.Sprintf("is required when %s", fe.Param())
	case "oneof":
		return fmt.Sprintf("must be one of [%s], got %q", fe.Param(), fmt.Sprint(fe.Value()))
	case "uuid":
		return fmt.Sprintf("must be a UUID, got %q", fmt.Sprint(fe.Value()))
	default:
		if fe.Param() != "" {
			return fmt.Sprintf("failed %s=%s", fe.Tag(), fe.Param())
		}
		return fmt.Sprintf("failed %s", fe.Tag())
	}
}

// convertCUEErrors converts CUE errors to ValidationErrors.
func (l *Loader) convertCUEErrors(err error) ValidationErrors {
	var validationErrors ValidationErrors

	for _, e := range errors.Errors(err) {
		pos := errors.Positions(e)
		var file string
		var line, column int

		// The last position is in the user's file when the schema is involved.
		for i := len(pos) - 1; i >= 0; i-- {
			if pos[i].Filename() != "" && !strings.HasSuffix(pos[i].Filename(), SchemaProject+".cue") {
				file = pos[i].Filename()
				line = pos[i].Line()
				column = pos[i].Column()
				break
			}
		}

		validationErrors = append(validationErrors, ValidationError{
			File:     file,
			Line:     line,
			Column:   column,
			Path:     strings.Join(errors.Path(e), "."),
			Message:  errors.Details(e, nil),
			Severity: "error",
		})
	}

	return validationErrors
}

var nonAlnum = regexp.MustCompile(`[^a-z0-9]+`)

// Default returns the project configuration written by `deckhand init`.
func Default(name string) *Project {
	slug := strings.Trim(nonAlnum.ReplaceAllString(strings.ToLower(name), "-"), "-")
	if slug == "" {
		slug = "app"
	}
	registry := strings.ReplaceAll(slug, "-", "") + "acr"
	for len(registry) < 5 {
		registry += "0"
	}
	if len(registry) > 50 {
		registry = registry[:50]
	}

	return &Project{
		Name:        slug,
		Environment: "dev",
		Branch:      "main",
		Azure: AzureConfig{
			Location:      "eastus",
			ResourceGroup: "rg-" + slug,
		},
		Registry:  RegistryConfig{Name: registry},
		WebApp:    WebAppConfig{Name: slug + "-app"},
		Image:     ImageConfig{Name: slug, Tag: "latest", Context: ".", Dockerfile: "Dockerfile"},
		Terraform: TerraformConfig{Dir: "infra", Binary: "terraform"},
		Artifact: ArtifactConfig{
			Name:      "infra-outputs",
			Store:     "fs",
			Root:      ".deckhand/artifacts",
			Container: "artifacts",
		},
		Compose:   ComposeConfig{File: "docker-compose.yml"},
		Workflows: WorkflowsConfig{Dir: ".deckhand/workflows"},
		State:     StateConfig{Path: ".deckhand/deckhand.db"},
		Policy:    PolicyConfig{Dirs: []string{}},
		Lock:      LockConfig{TTL: "30m"},
	}
}

// Render formats a project as a deckhand.cue file. Secrets are never written.
func Render(project *Project) ([]byte, error) {
	p := *project
	if p.Policy.Dirs == nil {
		p.Policy.Dirs = []string{}
	}

	val := cuecontext.New().Encode(p)
	if err := val.Err(); err != nil {
		return nil, fmt.Errorf("failed to encode project: %w", err)
	}

	node := val.Syntax(cue.Concrete(true))
	if s, ok := node.(*ast.StructLit); ok {
		node = &ast.File{Decls: s.Elts}
	}

	out, err := format.Node(node, format.Simplify())
	if err != nil {
		return nil, fmt.Errorf("failed to format project: %w", err)
	}
	return out, nil
}
