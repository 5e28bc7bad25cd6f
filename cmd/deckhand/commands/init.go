package commands

import (
	"bytes"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"text/template"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/deckhand/deckhand/pkg/compose"
	"github.com/deckhand/deckhand/pkg/config"
)

//go:embed templates/*
var templates embed.FS

type initOptions struct {
	name  string
	force bool
}

func newInitCommand(opts *globalOptions) *cobra.Command {
	initOpts := &initOptions{}

	cmd := &cobra.Command{
		Use:   "init [name]",
		Short: "Scaffold a new project",
		Long: `Scaffold a deckhand project in the --config directory.

Writes:
  - deckhand.cue with defaults derived from the project name
  - docker-compose.yml with an app service and a Postgres database
  - the infrastructure and deploy workflows
  - a Terraform configuration whose outputs feed the deploy workflow

Existing files are kept unless --force is given.`,
		Example: `  # Scaffold in the current directory
  deckhand init shop

  # Scaffold somewhere else, overwriting existing files
  deckhand init shop -c ./shop --force`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				initOpts.name = args[0]
			}
			return runInit(cmd, opts, initOpts)
		},
	}

	cmd.Flags().BoolVar(&initOpts.force, "force", false, "overwrite existing files")

	return cmd
}

func runInit(cmd *cobra.Command, opts *globalOptions, initOpts *initOptions) error {
	dir, err := filepath.Abs(opts.configPath)
	if err != nil {
		return err
	}
	if filepath.Ext(dir) == ".cue" {
		dir = filepath.Dir(dir)
	}

	name := initOpts.name
	if name == "" {
		name = filepath.Base(dir)
	}
	project := config.Default(name)

	files, err := scaffold(project)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	for _, f := range files {
		path := filepath.Join(dir, f.path)
		if _, err := os.Stat(path); err == nil && !initOpts.force {
			fmt.Fprintf(out, "  kept    %s\n", f.path)
			continue
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return fmt.Errorf("failed to create %s: %w", filepath.Dir(path), err)
		}
		if err := os.WriteFile(path, f.data, 0o644); err != nil {
			return fmt.Errorf("failed to write %s: %w", path, err)
		}
		fmt.Fprintf(out, "  created %s\n", f.path)
	}

	log.Info().Str("project", project.Name).Str("dir", dir).Msg("Project initialized")
	return nil
}

type scaffoldFile struct {
	path string
	data []byte
}

// scaffold renders every file init writes, relative to the project root.
func scaffold(project *config.Project) ([]scaffoldFile, error) {
	cue, err := config.Render(project)
	if err != nil {
		return nil, err
	}
	composeFile, err := compose.Marshal(compose.Default(project.Name))
	if err != nil {
		return nil, err
	}
	infra, err := templates.ReadFile("templates/infra.yml")
	if err != nil {
		return nil, err
	}
	deployWf, err := templates.ReadFile("templates/deploy.yml")
	if err != nil {
		return nil, err
	}

	tmpl, err := template.ParseFS(templates, "templates/main.tf")
	if err != nil {
		return nil, err
	}
	var tf bytes.Buffer
	if err := tmpl.Execute(&tf, project); err != nil {
		return nil, fmt.Errorf("failed to render terraform: %w", err)
	}

	return []scaffoldFile{
		{config.DefaultFile, cue},
		{project.Compose.File, composeFile},
		{filepath.Join(project.Workflows.Dir, "infra.yml"), infra},
		{filepath.Join(project.Workflows.Dir, "deploy.yml"), deployWf},
		{filepath.Join(project.Terraform.Dir, "main.tf"), tf.Bytes()},
	}, nil
}
