package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// reloadDelay coalesces the burst of writes an editor save produces.
const reloadDelay = 500 * time.Millisecond

// parsers maps a policy file extension to its parser.
var parsers = map[string]func(path string, data []byte) (*Policy, error){
	".rego": parseRego,
	".json": func(path string, data []byte) (*Policy, error) {
		return parseManifest(path, data, json.Unmarshal)
	},
	".yaml": parseYAML,
	".yml":  parseYAML,
}

// Loader reads user policies from disk. Parsed files are cached until
// their modification time changes.
type Loader struct {
	logger zerolog.Logger

	mu    sync.Mutex
	cache map[string]cachedPolicy

	watcher *fsnotify.Watcher
}

type cachedPolicy struct {
	policy  Policy
	modTime time.Time
}

func NewLoader(logger zerolog.Logger) *Loader {
	return &Loader{
		logger: logger.With().Str("component", "policy-loader").Logger(),
		cache:  map[string]cachedPolicy{},
	}
}

// LoadFromPaths loads every policy file under paths. Paths may be files or
// directories; missing paths are skipped, broken files fail the load.
func (l *Loader) LoadFromPaths(ctx context.Context, paths []string) ([]Policy, error) {
	var out []Policy
	for _, root := range paths {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
			if err != nil {
				if os.IsNotExist(err) && path == root {
					return filepath.SkipDir
				}
				return err
			}
			if d.IsDir() || !isPolicyFile(path) {
				return nil
			}
			p, err := l.loadFromFile(path)
			if err != nil {
				return err
			}
			out = append(out, *p)
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("failed to load policies from %s: %w", root, err)
		}
	}

	l.logger.Debug().Int("policies", len(out)).Strs("paths", paths).Msg("User policies loaded")
	return out, nil
}

func isPolicyFile(path string) bool {
	_, ok := parsers[filepath.Ext(path)]
	return ok
}

func (l *Loader) loadFromFile(path string) (*Policy, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	cached, ok := l.cache[path]
	l.mu.Unlock()
	if ok && cached.modTime.Equal(info.ModTime()) {
		p := cached.policy
		return &p, nil
	}

	parse, ok := parsers[filepath.Ext(path)]
	if !ok {
		return nil, fmt.Errorf("%s is not a policy file", path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	p, err := parse(path, data)
	if err != nil {
		return nil, err
	}
	p.Source = path

	l.mu.Lock()
	l.cache[path] = cachedPolicy{policy: *p, modTime: info.ModTime()}
	l.mu.Unlock()

	l.logger.Debug().Str("path", path).Str("policy", p.Name).Msg("Policy parsed")
	return p, nil
}

// ClearCache forgets every parsed file.
func (l *Loader) ClearCache() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cache = map[string]cachedPolicy{}
}

// parseRego names the policy after its file and takes the description from
// the leading comment block.
func parseRego(path string, data []byte) (*Policy, error) {
	return &Policy{
		Name:        strings.TrimSuffix(filepath.Base(path), ".rego"),
		Description: extractDescription(string(data)),
		Rego:        string(data),
		Severity:    SeverityWarning,
		Enabled:     true,
	}, nil
}

func parseYAML(path string, data []byte) (*Policy, error) {
	return parseManifest(path, data, yaml.Unmarshal)
}

// parseManifest reads a JSON or YAML policy manifest. A manifest without a
// name is named after its file; one without rego is an error.
func parseManifest(path string, data []byte, unmarshal func([]byte, interface{}) error) (*Policy, error) {
	p := Policy{Enabled: true}
	if err := unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("invalid policy manifest %s: %w", path, err)
	}
	if p.Name == "" {
		p.Name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	if strings.TrimSpace(p.Rego) == "" {
		return nil, fmt.Errorf("policy %s in %s has no rego", p.Name, path)
	}
	if p.Severity == "" {
		p.Severity = SeverityWarning
	}
	return &p, nil
}

func extractDescription(content string) string {
	var parts []string
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if !strings.HasPrefix(line, "#") {
			break
		}
		if c := strings.TrimSpace(strings.TrimLeft(line, "#")); c != "" {
			parts = append(parts, c)
		}
	}
	return strings.Join(parts, " ")
}

// Watch calls reload with the full policy set each time a policy file
// under paths changes. It returns once watching has started and stops when
// ctx is done or StopWatching is called.
func (l *Loader) Watch(ctx context.Context, paths []string, reload func([]Policy) error) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create policy watcher: %w", err)
	}
	l.watcher = w

	for _, p := range paths {
		if err := l.addTree(p); err != nil {
			l.logger.Warn().Err(err).Str("path", p).Msg("Not watching policy path")
		}
	}

	go l.watch(ctx, paths, reload)
	l.logger.Info().Strs("paths", paths).Msg("Watching user policies")
	return nil
}

// addTree watches path and, for a directory, every directory below it.
func (l *Loader) addTree(path string) error {
	return filepath.WalkDir(path, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || p == path {
			return l.watcher.Add(p)
		}
		return nil
	})
}

func (l *Loader) watch(ctx context.Context, paths []string, reload func([]Policy) error) {
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			_ = l.watcher.Close()
			return

		case ev, ok := <-l.watcher.Events:
			if !ok {
				return
			}
			if ev.Has(fsnotify.Create) {
				if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
					_ = l.addTree(ev.Name)
				}
			}
			if !isPolicyFile(ev.Name) || ev.Op == fsnotify.Chmod {
				continue
			}

			l.logger.Debug().Str("file", ev.Name).Str("op", ev.Op.String()).Msg("Policy file changed")
			l.mu.Lock()
			delete(l.cache, ev.Name)
			l.mu.Unlock()

			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(reloadDelay, func() {
				policies, err := l.LoadFromPaths(ctx, paths)
				if err == nil {
					err = reload(policies)
				}
				if err != nil {
					l.logger.Error().Err(err).Msg("Policy reload failed")
				}
			})

		case err, ok := <-l.watcher.Errors:
			if !ok {
				return
			}
			l.logger.Error().Err(err).Msg("Policy watcher error")
		}
	}
}

func (l *Loader) StopWatching() error {
	if l.watcher == nil {
		return nil
	}
	return l.watcher.Close()
}
