// Package image builds and pushes container images through the Docker
// Engine API.
package image

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/distribution/reference"
	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/registry"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/archive"
	"github.com/docker/docker/pkg/jsonmessage"
	"github.com/moby/patternmatcher/ignorefile"
	"github.com/rs/zerolog"

	"github.com/deckhand/deckhand/pkg/engine"
)

// DockerAPI is the part of the Docker client the builder uses.
type DockerAPI interface {
	RegistryLogin(ctx context.Context, auth registry.AuthConfig) (registry.AuthenticateOKBody, error)
	ImageBuild(ctx context.Context, buildContext io.Reader, options types.ImageBuildOptions) (types.ImageBuildResponse, error)
	ImagePush(ctx context.Context, ref string, options image.PushOptions) (io.ReadCloser, error)
	Close() error
}

// Auth holds registry credentials.
type Auth struct {
	Username string
	Password string
}

// BuildOptions describe one image build.
type BuildOptions struct {
	// ContextDir is the build context directory.
	ContextDir string

	// Dockerfile is relative to ContextDir. Defaults to "Dockerfile".
	Dockerfile string

	// Ref is the fully qualified reference to tag the image with.
	Ref string

	BuildArgs map[string]string
}

// Builder builds, tags and pushes images.
type Builder struct {
	api    DockerAPI
	out    io.Writer
	logger zerolog.Logger

	mu    sync.Mutex
	auths map[string]string
}

// NewBuilder connects to the Docker daemon configured in the environment
// (DOCKER_HOST and friends). Build and push progress is written to out.
func NewBuilder(logger zerolog.Logger, out io.Writer) (*Builder, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return NewBuilderWithClient(cli, logger, out), nil
}

// NewBuilderWithClient creates a builder over an existing client.
func NewBuilderWithClient(api DockerAPI, logger zerolog.Logger, out io.Writer) *Builder {
	if out == nil {
		out = io.Discard
	}
	return &Builder{
		api:    api,
		out:    out,
		logger: logger.With().Str("component", "image").Logger(),
		auths:  make(map[string]string),
	}
}

// Close releases the client.
func (b *Builder) Close() error {
	return b.api.Close()
}

// Login verifies credentials against server and keeps them for pushes to
// that registry.
func (b *Builder) Login(ctx context.Context, server string, auth Auth) error {
	server = NormalizeServer(server)
	if server == "" {
		return engine.NewPermanentError("registry login server is empty", nil).
			WithCode(engine.ErrCodeValidation).
			WithOperation("registry.login")
	}
	cfg := registry.AuthConfig{
		Username:      auth.Username,
		Password:      auth.Password,
		ServerAddress: server,
	}

	resp, err := b.api.RegistryLogin(ctx, cfg)
	if err != nil {
		return engine.NewPermanentError(fmt.Sprintf("login to %s failed", server), err).
			WithCode(engine.ErrCodePermissionDenied).
			WithResource(server).
			WithOperation("registry.login")
	}
	if resp.IdentityToken != "" {
		cfg.IdentityToken = resp.IdentityToken
		cfg.Password = ""
	}

	encoded, err := registry.EncodeAuthConfig(cfg)
	if err != nil {
		return fmt.Errorf("failed to encode registry auth: %w", err)
	}

	b.mu.Lock()
	b.auths[server] = encoded
	b.mu.Unlock()

	b.logger.Info().Str("registry", server).Msg("Logged in to registry")
	return nil
}

// Build sends the context directory, minus .dockerignore exclusions, to the
// daemon and tags the result with opts.Ref.
func (b *Builder) Build(ctx context.Context, opts BuildOptions) error {
	if opts.Dockerfile == "" {
		opts.Dockerfile = "Dockerfile"
	}
	if _, err := reference.ParseNormalizedNamed(opts.Ref); err != nil {
		return engine.NewPermanentError(fmt.Sprintf("invalid image reference %q", opts.Ref), err).
			WithCode(engine.ErrCodeValidation)
	}

	excludes, err := readIgnoreFile(opts.ContextDir)
	if err != nil {
		return err
	}
	// The Dockerfile and the ignore file always travel with the context.
	excludes = append(excludes, "!"+filepath.ToSlash(opts.Dockerfile), "!.dockerignore")

	buildContext, err := archive.TarWithOptions(opts.ContextDir, &archive.TarOptions{
		ExcludePatterns: excludes,
	})
	if err != nil {
		return fmt.Errorf("failed to archive build context %s: %w", opts.ContextDir, err)
	}
	defer buildContext.Close()

	args := make(map[string]*string, len(opts.BuildArgs))
	for k, v := range opts.BuildArgs {
		args[k] = &v
	}

	b.logger.Info().Str("ref", opts.Ref).Str("context", opts.ContextDir).Msg("Building image")
	resp, err := b.api.ImageBuild(ctx, buildContext, types.ImageBuildOptions{
		Tags:        []string{opts.Ref},
		Dockerfile:  filepath.ToSlash(opts.Dockerfile),
		BuildArgs:   args,
		Remove:      true,
		ForceRemove: true,
	})
	if err != nil {
		return engine.NewPermanentError("image build request failed", err).
			WithCode(engine.ErrCodeCommandFailed).
			WithResource(opts.Ref).
			WithOperation("image.build")
	}
	defer resp.Body.Close()

	return b.stream(resp.Body, opts.Ref, "image.build")
}

// Push uploads ref using the credentials stored by Login for its registry.
func (b *Builder) Push(ctx context.Context, ref string) error {
	named, err := reference.ParseNormalizedNamed(ref)
	if err != nil {
		return engine.NewPermanentError(fmt.Sprintf("invalid image reference %q", ref), err).
			WithCode(engine.ErrCodeValidation)
	}
	domain := reference.Domain(named)

	b.mu.Lock()
	auth, ok := b.auths[domain]
	b.mu.Unlock()
	if !ok {
		return engine.NewPermanentError(fmt.Sprintf("not logged in to %s", domain), nil).
			WithCode(engine.ErrCodePermissionDenied).
			WithResource(ref).
			WithOperation("image.push")
	}

	b.logger.Info().Str("ref", ref).Msg("Pushing image")
	body, err := b.api.ImagePush(ctx, ref, image.PushOptions{RegistryAuth: auth})
	if err != nil {
		return engine.NewPermanentError("image push request failed", err).
			WithCode(engine.ErrCodeCommandFailed).
			WithResource(ref).
			WithOperation("image.push")
	}
	defer body.Close()

	return b.stream(body, ref, "image.push")
}

// stream copies daemon progress to the output. An error message embedded
// in the stream fails the operation even though the HTTP call succeeded.
func (b *Builder) stream(body io.Reader, ref, operation string) error {
	err := jsonmessage.DisplayJSONMessagesStream(body, b.out, 0, false, nil)
	if err == nil {
		return nil
	}

	var jerr *jsonmessage.JSONError
	if errors.As(err, &jerr) {
		return engine.NewPermanentError(jerr.Message, err).
			WithCode(engine.ErrCodeCommandFailed).
			WithResource(ref).
			WithOperation(operation)
	}
	return fmt.Errorf("failed to read %s output: %w", operation, err)
}

// readIgnoreFile returns the .dockerignore patterns of dir, if any.
func readIgnoreFile(dir string) ([]string, error) {
	f, err := os.Open(filepath.Join(dir, ".dockerignore"))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to open .dockerignore: %w", err)
	}
	defer f.Close()

	patterns, err := ignorefile.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("failed to read .dockerignore: %w", err)
	}
	return patterns, nil
}
