package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/open-policy-agent/opa/v1/ast"
	"github.com/rs/zerolog"
)

// reloadDelay coalesces the burst of events an editor produces on save.
const reloadDelay = 250 * time.Millisecond

// Loader reads classification overrides from disk. A path names a .rego
// module, a .json rule file, or a directory holding either at any depth.
// Parsed files are cached until their size or modification time changes.
type Loader struct {
	logger zerolog.Logger

	mu    sync.Mutex
	cache map[string]cachedRule
}

type cachedRule struct {
	modTime time.Time
	size    int64
	policy  Policy
}

// ruleFile is the .json form of an override: a module plus metadata. Rules
// shipped disabled are kept but not compiled.
type ruleFile struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Rego        string   `json:"rego"`
	Enabled     *bool    `json:"enabled"`
	Tags        []string `json:"tags"`
}

// NewLoader creates an override loader.
func NewLoader(logger zerolog.Logger) *Loader {
	return &Loader{
		logger: logger.With().Str("component", "policy-loader").Logger(),
		cache:  make(map[string]cachedRule),
	}
}

// Load reads every override under paths. One unreadable or invalid file fails
// the whole load, so a half-written rule set never replaces a working one.
func (l *Loader) Load(ctx context.Context, paths []string) ([]Policy, error) {
	var (
		out     []Policy
		sources = make(map[string]string)
	)
	add := func(path string, info fs.FileInfo) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		p, err := l.loadFile(path, info)
		if err != nil {
			return err
		}
		if prev, ok := sources[p.Name]; ok {
			return fmt.Errorf("override %s is defined in both %s and %s", p.Name, prev, path)
		}
		sources[p.Name] = path
		out = append(out, p)
		return nil
	}

	for _, root := range paths {
		info, err := os.Stat(root)
		if err != nil {
			return nil, fmt.Errorf("failed to stat %s: %w", root, err)
		}
		if !info.IsDir() {
			if err := add(root, info); err != nil {
				return nil, err
			}
			continue
		}
		err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() || !isRuleFile(path) {
				return nil
			}
			info, err := d.Info()
			if err != nil {
				return err
			}
			return add(path, info)
		})
		if err != nil {
			return nil, fmt.Errorf("failed to load overrides from %s: %w", root, err)
		}
	}

	l.logger.Debug().Int("rules", len(out)).Int("sources", len(paths)).Msg("Overrides loaded")
	return out, nil
}

func (l *Loader) loadFile(path string, info fs.FileInfo) (Policy, error) {
	l.mu.Lock()
	cached, ok := l.cache[path]
	l.mu.Unlock()
	if ok && cached.size == info.Size() && cached.modTime.Equal(info.ModTime()) {
		return cached.policy, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Policy{}, fmt.Errorf("failed to read %s: %w", path, err)
	}

	var p Policy
	switch filepath.Ext(path) {
	case ".rego":
		p, err = parseRegoRule(path, string(data))
	case ".json":
		p, err = parseJSONRule(path, data)
	default:
		err = fmt.Errorf("%s: overrides must be .rego or .json files", path)
	}
	if err != nil {
		return Policy{}, err
	}
	p.UpdatedAt = info.ModTime()
	p.CreatedAt = info.ModTime()

	l.mu.Lock()
	l.cache[path] = cachedRule{modTime: info.ModTime(), size: info.Size(), policy: p}
	l.mu.Unlock()
	return p, nil
}

// forget drops path and anything below it from the cache.
func (l *Loader) forget(path string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	prefix := path + string(filepath.Separator)
	for p := range l.cache {
		if p == path || strings.HasPrefix(p, prefix) {
			delete(l.cache, p)
		}
	}
}

func parseRegoRule(path, source string) (Policy, error) {
	name := strings.TrimSuffix(filepath.Base(path), ".rego")
	pkg, err := overridePackage(name, source)
	if err != nil {
		return Policy{}, fmt.Errorf("%s: %w", path, err)
	}
	return Policy{
		Name:        name,
		Description: leadingComment(source),
		Rego:        source,
		Enabled:     true,
		Metadata:    map[string]interface{}{"source": path, "package": pkg},
	}, nil
}

func parseJSONRule(path string, data []byte) (Policy, error) {
	var rf ruleFile
	if err := json.Unmarshal(data, &rf); err != nil {
		return Policy{}, fmt.Errorf("%s: invalid rule file: %w", path, err)
	}
	if rf.Name == "" || rf.Rego == "" {
		return Policy{}, fmt.Errorf("%s: a rule file needs a name and rego", path)
	}
	pkg, err := overridePackage(rf.Name, rf.Rego)
	if err != nil {
		return Policy{}, fmt.Errorf("%s: %w", path, err)
	}
	enabled := rf.Enabled == nil || *rf.Enabled
	return Policy{
		Name:        rf.Name,
		Description: rf.Description,
		Rego:        rf.Rego,
		Enabled:     enabled,
		Tags:        rf.Tags,
		Metadata:    map[string]interface{}{"source": path, "package": pkg},
	}, nil
}

// overridePackage parses source and returns its package, which must be
// specflow.overrides or below it.
func overridePackage(name, source string) (string, error) {
	mod, err := ast.ParseModuleWithOpts(name, source, ast.ParserOptions{RegoVersion: ast.RegoV1})
	if err != nil {
		return "", err
	}
	if mod == nil || mod.Package == nil {
		return "", fmt.Errorf("module has no package")
	}
	pkg := strings.TrimPrefix(mod.Package.Path.String(), "data.")
	if pkg != OverridePackage && !strings.HasPrefix(pkg, OverridePackage+".") {
		return "", fmt.Errorf("package %s is not an override, use %s", pkg, OverridePackage)
	}
	return pkg, nil
}

// leadingComment joins the comment lines before the first statement.
func leadingComment(source string) string {
	var parts []string
	for _, line := range strings.Split(source, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "#") {
			if line != "" {
				break
			}
			continue
		}
		if c := strings.TrimSpace(strings.TrimPrefix(line, "#")); c != "" {
			parts = append(parts, c)
		}
	}
	return strings.Join(parts, " ")
}

func isRuleFile(path string) bool {
	ext := filepath.Ext(path)
	return ext == ".rego" || ext == ".json"
}

// Watch calls apply with the full rule set whenever a file under paths
// changes. A rule set that fails to load is logged and skipped. The watcher
// stops when ctx is done.
func (l *Loader) Watch(ctx context.Context, paths []string, apply func([]Policy) error) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}

	// Single files are watched through their directory so editors that
	// replace the file on save keep being seen.
	files := make(map[string]bool)
	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			_ = watcher.Close()
			return fmt.Errorf("failed to stat %s: %w", path, err)
		}
		if !info.IsDir() {
			files[filepath.Clean(path)] = true
			err = watcher.Add(filepath.Dir(path))
		} else {
			err = addTree(watcher, path)
		}
		if err != nil {
			_ = watcher.Close()
			return fmt.Errorf("failed to watch %s: %w", path, err)
		}
	}

	go l.watch(ctx, watcher, paths, files, apply)

	l.logger.Info().Strs("paths", paths).Msg("Watching classification overrides")
	return nil
}

func addTree(watcher *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return watcher.Add(path)
		}
		return nil
	})
}

func (l *Loader) watch(ctx context.Context, watcher *fsnotify.Watcher, paths []string, files map[string]bool, apply func([]Policy) error) {
	defer watcher.Close()

	var pending <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if event.Op&fsnotify.Create != 0 {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					if err := addTree(watcher, event.Name); err != nil {
						l.logger.Warn().Err(err).Str("dir", event.Name).Msg("Failed to watch new directory")
					}
					pending = time.After(reloadDelay)
					continue
				}
			}
			if !isRuleFile(event.Name) {
				continue
			}
			if len(files) > 0 && !files[filepath.Clean(event.Name)] && !underAny(event.Name, paths) {
				continue
			}
			l.logger.Debug().Str("file", event.Name).Str("op", event.Op.String()).Msg("Override changed")
			l.forget(event.Name)
			pending = time.After(reloadDelay)

		case <-pending:
			pending = nil
			policies, err := l.Load(ctx, paths)
			if err == nil {
				err = apply(policies)
			}
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				l.logger.Error().Err(err).Msg("Keeping previous classification rules")
				continue
			}
			l.logger.Info().Int("rules", len(policies)).Msg("Classification overrides reloaded")

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			l.logger.Error().Err(err).Msg("Override watcher error")
		}
	}
}

// underAny reports whether path lies inside one of the watched directories.
func underAny(path string, roots []string) bool {
	for _, root := range roots {
		rel, err := filepath.Rel(root, path)
		if err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return true
		}
	}
	return false
}
