package commands

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	"github.com/deckhand/deckhand/pkg/policy"
)

const devDebounce = 300 * time.Millisecond

func newDevCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "dev",
		Short: "Re-validate and re-lint on every change",
		Long: `Dev watches the composition, the workflow directory and the policy
directories. Every change re-runs validate and lint; changed policy files
are recompiled first. Stop with Ctrl-C.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer a.Close()

			return a.dev(a.context(cmd.Context()), cmd.OutOrStdout())
		},
	}
}

// devLoop serialises checks triggered by file and policy changes.
type devLoop struct {
	a   *app
	eng *policy.Engine
	out io.Writer

	mu    sync.Mutex
	timer *time.Timer

	checkMu sync.Mutex
}

func (a *app) dev(ctx context.Context, out io.Writer) error {
	eng, err := a.policyEngine(ctx)
	if err != nil {
		return err
	}
	loop := &devLoop{a: a, eng: eng, out: out}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	for _, dir := range []string{a.dir, filepath.Dir(a.path(a.project.Compose.File)), a.path(a.project.Workflows.Dir)} {
		if err := watcher.Add(dir); err != nil {
			a.logger.Warn().Err(err).Str("path", dir).Msg("Not watching directory")
		}
	}

	if dirs := a.policyDirs(); len(dirs) > 0 {
		loader := policy.NewLoader(a.logger)
		err := loader.Watch(ctx, dirs, func(policies []policy.Policy) error {
			if err := eng.ReplaceUserPolicies(ctx, policies); err != nil {
				fmt.Fprintf(out, "policy reload failed: %v\n", err)
				return err
			}
			fmt.Fprintf(out, "reloaded %d user policies\n", len(policies))
			loop.schedule(ctx)
			return nil
		})
		if err != nil {
			return err
		}
		defer func() { _ = loader.StopWatching() }()
	}

	loop.check(ctx)
	fmt.Fprintln(out, "watching for changes")

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !relevant(event) {
				continue
			}
			a.logger.Debug().Str("file", event.Name).Str("op", event.Op.String()).Msg("Change detected")
			loop.schedule(ctx)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			a.logger.Error().Err(err).Msg("Watcher error")
		}
	}
}

func relevant(event fsnotify.Event) bool {
	if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
		return false
	}
	switch filepath.Ext(event.Name) {
	case ".yml", ".yaml", ".cue":
		return true
	}
	return false
}

func (l *devLoop) schedule(ctx context.Context) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.timer != nil {
		l.timer.Stop()
	}
	l.timer = time.AfterFunc(devDebounce, func() { l.check(ctx) })
}

// check re-runs validate and lint. Configuration changes are picked up on
// the next start only.
func (l *devLoop) check(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	l.checkMu.Lock()
	defer l.checkMu.Unlock()

	fmt.Fprintf(l.out, "\n[%s] checking\n", time.Now().Format(time.TimeOnly))
	problems := l.a.validate()
	printProblems(l.out, problems)

	result, err := l.a.lint(ctx, l.eng)
	if err != nil {
		fmt.Fprintf(l.out, "lint failed: %v\n", err)
		return
	}
	if lintErr := reportLint(l.out, result, false); lintErr == nil && len(problems) == 0 {
		fmt.Fprintln(l.out, "all checks passed")
	}
}
