package policy

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// DefaultReloadDelay debounces bursts of file events into one reload.
const DefaultReloadDelay = 500 * time.Millisecond

// Loader reads admission modules from .rego files and directory trees.
// Files ending in _test.rego are skipped.
type Loader struct {
	logger      zerolog.Logger
	reloadDelay time.Duration
}

// NewLoader creates a new policy loader.
func NewLoader(logger zerolog.Logger) *Loader {
	return &Loader{
		logger:      logger.With().Str("component", "policy-loader").Logger(),
		reloadDelay: DefaultReloadDelay,
	}
}

// LoadFromPaths reads every module under paths. A path may name a single
// .rego file or a directory, which is walked recursively. Modules of one
// directory are returned in path order.
func (l *Loader) LoadFromPaths(paths []string) ([]Policy, error) {
	var out []Policy
	for _, path := range paths {
		files, err := regoFiles(path)
		if err != nil {
			return nil, fmt.Errorf("failed to load from path %s: %w", path, err)
		}
		for _, file := range files {
			policy, err := readModule(file)
			if err != nil {
				return nil, fmt.Errorf("failed to load from path %s: %w", path, err)
			}
			out = append(out, policy)
		}
	}

	l.logger.Debug().
		Int("total", len(out)).
		Int("sources", len(paths)).
		Msg("Policies loaded from paths")
	return out, nil
}

// regoFiles lists the modules at path. A single file must be a module.
func regoFiles(path string) ([]string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		if !isRegoFile(path) {
			return nil, fmt.Errorf("unsupported file type: %s", path)
		}
		return []string{path}, nil
	}

	var files []string
	err = filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && isRegoFile(p) {
			files = append(files, p)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk directory: %w", err)
	}
	slices.Sort(files)
	return files, nil
}

func readModule(path string) (Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Policy{}, fmt.Errorf("failed to read file: %w", err)
	}
	return Policy{
		Name:        strings.TrimSuffix(filepath.Base(path), ".rego"),
		Source:      path,
		Description: leadingComment(string(data)),
		Rego:        string(data),
	}, nil
}

func isRegoFile(path string) bool {
	return strings.HasSuffix(path, ".rego") && !strings.HasSuffix(path, "_test.rego")
}

// leadingComment joins the first block of # comments, skipping package and
// import lines that precede it.
func leadingComment(content string) string {
	var words []string
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(line, "package "), strings.HasPrefix(line, "import "):
			continue
		case strings.HasPrefix(line, "#"):
			if text := strings.TrimSpace(strings.TrimPrefix(line, "#")); text != "" {
				words = append(words, text)
			}
		case line == "" && len(words) == 0:
			continue
		default:
			return strings.Join(words, " ")
		}
	}
	return strings.Join(words, " ")
}

// Watch calls reload with a fresh module set whenever a module under paths is
// written, created, removed or renamed. Directories created later are watched
// too. Watch returns once the watches are in place; they end with ctx.
func (l *Loader) Watch(ctx context.Context, paths []string, reload func(context.Context, []Policy) error) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}

	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			watcher.Close()
			return fmt.Errorf("failed to stat %s: %w", path, err)
		}
		// Editors replace files by rename, which only the directory sees.
		dir := path
		if !info.IsDir() {
			dir = filepath.Dir(path)
		}
		if err := watchTree(watcher, dir); err != nil {
			watcher.Close()
			return fmt.Errorf("failed to watch %s: %w", path, err)
		}
	}

	go l.watchLoop(ctx, watcher, paths, reload)

	l.logger.Info().
		Strs("paths", paths).
		Msg("Watching admission policies")
	return nil
}

func watchTree(watcher *fsnotify.Watcher, dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return watcher.Add(path)
		}
		return nil
	})
}

func (l *Loader) watchLoop(ctx context.Context, watcher *fsnotify.Watcher, paths []string, reload func(context.Context, []Policy) error) {
	defer watcher.Close()

	debounce := time.NewTimer(l.reloadDelay)
	debounce.Stop()
	defer debounce.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case ev, ok := <-watcher.Events:
			if !ok {
				return
			}
			if ev.Has(fsnotify.Create) {
				if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
					if err := watchTree(watcher, ev.Name); err != nil {
						l.logger.Warn().Err(err).Str("dir", ev.Name).Msg("Failed to watch new policy directory")
					}
					debounce.Reset(l.reloadDelay)
					continue
				}
			}
			if !isRegoFile(ev.Name) || ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			l.logger.Debug().
				Str("file", ev.Name).
				Str("op", ev.Op.String()).
				Msg("Policy file changed")
			debounce.Reset(l.reloadDelay)

		case <-debounce.C:
			if err := l.reloadOnce(ctx, paths, reload); err != nil {
				l.logger.Error().Err(err).Msg("Failed to reload policies, keeping the previous set")
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			l.logger.Error().Err(err).Msg("Policy watcher error")
		}
	}
}

func (l *Loader) reloadOnce(ctx context.Context, paths []string, reload func(context.Context, []Policy) error) error {
	policies, err := l.LoadFromPaths(paths)
	if err != nil {
		return err
	}
	if err := reload(ctx, policies); err != nil {
		return fmt.Errorf("failed to apply reloaded policies: %w", err)
	}
	l.logger.Info().
		Int("count", len(policies)).
		Msg("Admission policies reloaded")
	return nil
}
