package kernelspec

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/Scusemua/go-utils/config"
	"github.com/Scusemua/go-utils/logger"
	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
)

const (
	// SpecFileName is the spec file jupyter places inside each kernel's
	// resource directory.
	SpecFileName = "kernel.json"
)

var (
	ErrSpecNotFound = fmt.Errorf("kernel spec not found")
)

// Spec is the parsed contents of a kernel.json plus the name and
// resource directory it was found under.
type Spec struct {
	Name          string
	ResourceDir   string
	Argv          []string          `json:"argv"`
	DisplayName   string            `json:"display_name"`
	Language      string            `json:"language"`
	InterruptMode string            `json:"interrupt_mode,omitempty"`
	Env           map[string]string `json:"env,omitempty"`
}

// Manager discovers kernel specs by scanning jupyter kernel directories.
// Scans are cached; a filesystem watcher on the searched directories
// marks the cache dirty so installs and removals show up on the next
// listing without restarting.
type Manager struct {
	log logger.Logger

	searchDirs []string
	watcher    *fsnotify.Watcher

	mu    sync.Mutex
	specs map[string]*Spec
	dirty bool
}

// NewManager creates a Manager searching the given directories, or the
// default jupyter locations when none are given.
func NewManager(searchDirs ...string) (*Manager, error) {
	if len(searchDirs) == 0 {
		searchDirs = defaultSearchDirs()
	}

	m := &Manager{
		searchDirs: searchDirs,
		dirty:      true,
	}

	config.InitLogger(&m.log, m)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, "cannot create kernel spec watcher")
	}
	m.watcher = watcher

	for _, dir := range searchDirs {
		if _, statErr := os.Stat(dir); statErr != nil {
			continue
		}

		if watchErr := watcher.Add(dir); watchErr != nil {
			m.log.Warn("Failed to watch kernel spec directory \"%s\": %v", dir, watchErr)
		}
	}

	go m.watch()

	return m, nil
}

// ListKnownSpecNames returns the sorted names of every installed spec.
func (m *Manager) ListKnownSpecNames() ([]string, error) {
	specs, err := m.specsLocked()
	if err != nil {
		return nil, err
	}

	names := make([]string, 0, len(specs))
	for name := range specs {
		names = append(names, name)
	}
	sort.Strings(names)

	return names, nil
}

// GetSpec returns the spec registered under fullName.
func (m *Manager) GetSpec(fullName string) (*Spec, error) {
	specs, err := m.specsLocked()
	if err != nil {
		return nil, err
	}

	spec, ok := specs[fullName]
	if !ok {
		return nil, errors.Wrapf(ErrSpecNotFound, "no kernel spec named \"%s\"", fullName)
	}

	return spec, nil
}

// Close stops the directory watcher.
func (m *Manager) Close() error {
	return m.watcher.Close()
}

func (m *Manager) specsLocked() (map[string]*Spec, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.dirty && m.specs != nil {
		return m.specs, nil
	}

	specs, err := m.scan()
	if err != nil {
		return nil, err
	}

	m.specs = specs
	m.dirty = false
	return specs, nil
}

// scan walks the search directories in priority order. Earlier
// directories shadow later ones, matching jupyter's behavior.
func (m *Manager) scan() (map[string]*Spec, error) {
	specs := make(map[string]*Spec)

	for _, dir := range m.searchDirs {
		entries, err := os.ReadDir(dir)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, errors.Wrapf(err, "cannot read kernel spec directory \"%s\"", dir)
		}

		for _, entry := range entries {
			if !entry.IsDir() {
				continue
			}

			name := entry.Name()
			if _, seen := specs[name]; seen {
				continue
			}

			resourceDir := filepath.Join(dir, name)
			spec, err := loadSpec(name, resourceDir)
			if err != nil {
				m.log.Warn("Skipping kernel spec \"%s\": %v", resourceDir, err)
				continue
			}

			specs[name] = spec
		}
	}

	m.log.Debug("Discovered %d kernel spec(s) across %d director(ies).", len(specs), len(m.searchDirs))
	return specs, nil
}

func (m *Manager) watch() {
	for {
		select {
		case _, ok := <-m.watcher.Events:
			if !ok {
				return
			}

			m.mu.Lock()
			m.dirty = true
			m.mu.Unlock()
		case err, ok := <-m.watcher.Errors:
			if !ok {
				return
			}

			m.log.Warn("Kernel spec watcher error: %v", err)
		}
	}
}

func loadSpec(name string, resourceDir string) (*Spec, error) {
	payload, err := os.ReadFile(filepath.Join(resourceDir, SpecFileName))
	if err != nil {
		return nil, err
	}

	spec := &Spec{Name: name, ResourceDir: resourceDir}
	if err := json.Unmarshal(payload, spec); err != nil {
		return nil, errors.Wrapf(err, "malformed %s", SpecFileName)
	}

	if len(spec.Argv) == 0 {
		return nil, fmt.Errorf("%s has an empty argv", SpecFileName)
	}

	return spec, nil
}

// defaultSearchDirs mirrors where jupyter installs kernel specs.
func defaultSearchDirs() []string {
	var dirs []string

	dataHome := os.Getenv("XDG_DATA_HOME")
	if dataHome == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dataHome = filepath.Join(home, ".local", "share")
		}
	}
	if dataHome != "" {
		dirs = append(dirs, filepath.Join(dataHome, "jupyter", "kernels"))
	}

	dirs = append(dirs,
		filepath.Join("/usr", "local", "share", "jupyter", "kernels"),
		filepath.Join("/usr", "share", "jupyter", "kernels"),
	)

	return dirs
}
