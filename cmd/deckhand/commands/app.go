package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/deckhand/deckhand/pkg/actions"
	"github.com/deckhand/deckhand/pkg/artifact"
	"github.com/deckhand/deckhand/pkg/cloud/azure"
	"github.com/deckhand/deckhand/pkg/config"
	"github.com/deckhand/deckhand/pkg/deploy"
	"github.com/deckhand/deckhand/pkg/engine"
	"github.com/deckhand/deckhand/pkg/image"
	"github.com/deckhand/deckhand/pkg/provision"
	"github.com/deckhand/deckhand/pkg/shell"
	"github.com/deckhand/deckhand/pkg/stores"
	"github.com/deckhand/deckhand/pkg/telemetry"
	"github.com/deckhand/deckhand/pkg/workflow"
)

// app is a loaded project and the services commands build on it. Cloud
// clients, the image builder and the state store are created on first use.
type app struct {
	opts    *globalOptions
	dir     string
	project *config.Project
	tel     *telemetry.Telemetry
	logger  zerolog.Logger

	store   *stores.SQLiteStore
	clients *azure.Clients
	builder *image.Builder
}

// loadApp reads the project configuration and sets up telemetry.
func loadApp(ctx context.Context, opts *globalOptions) (*app, error) {
	path := opts.configPath
	if path == "" {
		path = "."
	}

	project, err := config.NewLoader().Load(path)
	if err != nil {
		return nil, err
	}

	dir := path
	if info, err := os.Stat(path); err == nil && !info.IsDir() {
		dir = filepath.Dir(path)
	}

	tel, err := newTelemetry(opts, project)
	if err != nil {
		return nil, err
	}

	a := &app{
		opts:    opts,
		dir:     dir,
		project: project,
		tel:     tel,
		logger:  tel.Logger.Zerolog(),
	}

	if err := tel.StartMetricsServer(ctx); err != nil {
		return nil, fmt.Errorf("failed to start metrics server: %w", err)
	}

	return a, nil
}

func newTelemetry(opts *globalOptions, project *config.Project) (*telemetry.Telemetry, error) {
	cfg := telemetry.DefaultConfig()
	cfg.ServiceVersion = opts.version
	cfg.Environment = project.Environment
	cfg.ApplyEnv(os.Getenv)
	if opts.verbose {
		cfg.Logging.Level = "debug"
	}
	if opts.jsonOutput {
		cfg.Logging.Format = "json"
	}
	switch opts.traceExporter {
	case "":
	case "none":
		cfg.Tracing.Enabled = false
	default:
		cfg.Tracing.Enabled = true
		cfg.Tracing.Exporter = opts.traceExporter
	}
	cfg.Metrics.ListenAddress = opts.metricsAddr
	cfg.ResourceAttributes["deckhand.project"] = project.Name

	return telemetry.NewTelemetry(cfg, telemetry.NewMasker(project.SecretValues()...))
}

// context carries the telemetry so cloud calls and policies are metered.
func (a *app) context(ctx context.Context) context.Context {
	return a.tel.WithContext(ctx)
}

// path resolves p against the project directory.
func (a *app) path(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(a.dir, p)
}

// Close releases everything the app opened.
func (a *app) Close() {
	ctx := context.Background()
	if a.builder != nil {
		_ = a.builder.Close()
	}
	if a.store != nil {
		_ = a.store.Close()
	}
	_ = a.tel.Flush(ctx)
	_ = a.tel.Shutdown(ctx)
}

// stateStore opens the run history database.
func (a *app) stateStore(ctx context.Context) (*stores.SQLiteStore, error) {
	if a.store != nil {
		return a.store, nil
	}

	path := a.opts.statePath
	if path == "" {
		path = a.path(a.project.State.Path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}

	store, err := stores.Open(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("failed to open state %s: %w", path, err)
	}
	a.store = store
	return store, nil
}

func (a *app) azureConfig() azure.Config {
	return azure.Config{
		SubscriptionID: a.project.Azure.Subscription,
		TenantID:       a.project.Azure.Tenant,
		ClientID:       a.project.Azure.ClientID,
		ClientSecret:   a.project.Azure.ClientSecret,
		Endpoint:       a.project.Azure.Endpoint,
	}
}

// azure returns the cloud clients. Without a subscription it returns nil
// and no error, so offline commands keep working.
func (a *app) azure() (*azure.Clients, error) {
	if a.clients != nil {
		return a.clients, nil
	}
	if a.project.Azure.Subscription == "" {
		return nil, nil
	}

	clients, err := azure.NewClients(a.azureConfig())
	if err != nil {
		return nil, err
	}
	a.clients = clients
	return clients, nil
}

// artifacts opens the configured artifact backend behind the state index.
func (a *app) artifacts(ctx context.Context) (*artifact.Indexed, error) {
	index, err := a.stateStore(ctx)
	if err != nil {
		return nil, err
	}

	cfg := a.project.Artifact
	switch cfg.Store {
	case artifact.BackendFS, "":
		return artifact.NewIndexed(artifact.NewFSStore(a.path(cfg.Root)), index, artifact.BackendFS), nil
	case artifact.BackendBlob:
		cred, err := azure.NewCredential(a.azureConfig())
		if err != nil {
			return nil, err
		}
		blob, err := artifact.NewBlobStore(cfg.BlobURL(), cfg.Container, cred, nil)
		if err != nil {
			return nil, err
		}
		return artifact.NewIndexed(blob, index, artifact.BackendBlob), nil
	default:
		return nil, fmt.Errorf("unknown artifact store %q", cfg.Store)
	}
}

// deployer wires the deploy stage to the cloud and the local Docker engine.
func (a *app) deployer() (*deploy.Deployer, error) {
	clients, err := a.azure()
	if err != nil {
		return nil, err
	}
	if clients == nil {
		return nil, engine.NewPermanentError("azure subscription is not configured", nil).
			WithCode(engine.ErrCodeValidation)
	}

	if a.builder == nil {
		builder, err := image.NewBuilder(a.logger, os.Stderr)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to docker: %w", err)
		}
		a.builder = builder
	}

	return deploy.New(clients.WebApps, clients.Registries, clients.Roles, a.builder, a.tel.Masker, a.logger), nil
}

// registry returns the built-in actions. Cloud and Docker backed actions
// are only wired when a subscription is configured; without one they
// report that they are not configured when run.
func (a *app) registry(ctx context.Context) (*actions.Registry, error) {
	store, err := a.artifacts(ctx)
	if err != nil {
		return nil, err
	}

	deps := actions.Dependencies{
		Runner:          shell.NewExec(a.logger),
		Publisher:       a.tel.Publisher(),
		Artifacts:       store,
		TerraformBinary: a.project.Terraform.Binary,
		TerraformDir:    a.path(a.project.Terraform.Dir),
		MainBranch:      a.project.Branch,
	}

	clients, err := a.azure()
	if err != nil {
		return nil, err
	}
	if clients != nil {
		deps.ResourceGroups = clients.ResourceGroups
		if deps.Deployer, err = a.deployer(); err != nil {
			a.logger.Warn().Err(err).Msg("Deploy actions are unavailable")
		}
	}

	return actions.NewBuiltins(deps), nil
}

// resolver is an action registry for validation only.
func resolver() *actions.Registry {
	return actions.NewBuiltins(actions.Dependencies{})
}

// vars are the project values workflows read as vars.<name>.
func (a *app) vars() map[string]string {
	p := a.project
	return map[string]string{
		"project":        p.Name,
		"environment":    p.Environment,
		"branch":         p.Branch,
		"location":       p.Azure.Location,
		"resource_group": p.Azure.ResourceGroup,
		"registry":       p.Registry.Name,
		"webapp":         p.WebApp.Name,
		"image":          p.Image.Name,
		"tag":            p.Image.Tag,
		"image_context":  p.Image.Context,
		"dockerfile":     p.Image.Dockerfile,
		"terraform_dir":  p.Terraform.Dir,
		"artifact":       p.Artifact.Name,
	}
}

// workflows loads the project's workflow definitions.
func (a *app) workflows() ([]*workflow.Definition, error) {
	return workflow.LoadDir(a.path(a.project.Workflows.Dir))
}

// executor runs one workflow for one event, persisting the run, its steps
// and its events in the state store. Each run holds the project's resource
// group lease until it finishes.
func (a *app) executor(ctx context.Context) (workflow.ExecuteFunc, error) {
	store, err := a.stateStore(ctx)
	if err != nil {
		return nil, err
	}
	reg, err := a.registry(ctx)
	if err != nil {
		return nil, err
	}
	ttl, err := a.project.Lock.TTLDuration()
	if err != nil {
		return nil, err
	}

	return func(ctx context.Context, def *workflow.Definition, event workflow.Event) (*engine.Run, error) {
		if err := workflow.Validate(def, reg); err != nil {
			return nil, err
		}

		vars := a.vars()
		runner, err := workflow.NewRunner(def, reg, workflow.RunnerOptions{
			Event:   event,
			Secrets: a.project.Secrets,
			Vars:    vars,
			Env:     map[string]string{},
			Workdir: a.dir,
			Stdout:  os.Stdout,
			Masker:  a.tel.Masker,
			Logger:  a.logger,
		})
		if err != nil {
			return nil, err
		}

		plan, err := workflow.Compile(def)
		if err != nil {
			return nil, err
		}

		release, err := provision.Lease(ctx, store, vars["resource_group"], runner.RunID(), ttl)
		if err != nil {
			return nil, fmt.Errorf("workflow %s: %w", def.Name, err)
		}
		defer release()

		recorder := stores.NewRecorder(store, event.Name)
		scheduler := engine.NewSequentialScheduler(runner, a.tel.Publisher(recorder), recorder)

		run, err := scheduler.Execute(ctx, plan, engine.ScheduleOptions{
			RunID:    runner.RunID(),
			User:     event.Actor,
			Redact:   runner.Masker().Mask,
			Metadata: map[string]interface{}{"event": event},
		})
		if err != nil {
			return run, err
		}

		a.audit(ctx, "run.completed", run.ID, map[string]string{
			"workflow":   def.Name,
			"event":      event.Name,
			"conclusion": workflow.Conclusion(run.Status),
		})
		return run, nil
	}, nil
}

// audit records an audit entry. Failures are logged, never returned.
func (a *app) audit(ctx context.Context, action, target string, details map[string]string) {
	if a.store == nil {
		return
	}
	entry := &stores.AuditEntry{Action: action, Actor: actor()}
	if target != "" {
		entry.TargetID = &target
	}
	if len(details) > 0 {
		if data, err := json.Marshal(details); err == nil {
			s := string(data)
			entry.Details = &s
		}
	}
	if err := a.store.CreateAuditEntry(ctx, entry); err != nil {
		a.logger.Warn().Err(err).Str("action", action).Msg("Failed to write audit entry")
	}
}

func actor() string {
	for _, key := range []string{"DECKHAND_ACTOR", "USER", "USERNAME"} {
		if v := os.Getenv(key); v != "" {
			return v
		}
	}
	return "deckhand"
}

// errFindings fails a command whose findings were already printed.
var errFindings = errors.New("findings reported")
