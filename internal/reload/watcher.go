package reload

import (
	"os"
	"sort"
	"sync"
	"time"

	"github.com/massensors/beltconsole/config"
)

type fileState struct {
	modTime time.Time
	size    int64
}

// Watcher remembers the size and modification time of the console's source
// files and reports which of them changed.
type Watcher struct {
	mu    sync.Mutex
	files map[string]fileState
}

// NewWatcher snapshots the files referenced by cfg.
func NewWatcher(cfg *config.Config) (*Watcher, error) {
	watcher := &Watcher{}
	if err := watcher.Update(cfg); err != nil {
		return nil, err
	}
	return watcher, nil
}

// Update replaces the snapshot with the files of the provided configuration.
// Files that do not exist yet are ignored.
func (w *Watcher) Update(cfg *config.Config) error {
	if w == nil {
		return nil
	}
	paths := uniquePaths(config.SourceFiles(cfg))
	states := make(map[string]fileState, len(paths))
	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil || info.IsDir() {
			continue
		}
		states[path] = fileState{modTime: info.ModTime(), size: info.Size()}
	}
	w.mu.Lock()
	w.files = states
	w.mu.Unlock()
	return nil
}

// Check reports the files that changed or vanished since the last snapshot.
func (w *Watcher) Check() ([]string, error) {
	if w == nil {
		return nil, nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	changed := make([]string, 0)
	for path, state := range w.files {
		info, err := os.Stat(path)
		if err != nil {
			changed = append(changed, path)
			continue
		}
		if info.ModTime().After(state.modTime) || info.Size() != state.size {
			changed = append(changed, path)
		}
	}
	sort.Strings(changed)
	return changed, nil
}

func uniquePaths(paths []string) []string {
	seen := make(map[string]struct{}, len(paths))
	result := make([]string, 0, len(paths))
	for _, path := range paths {
		if path == "" {
			continue
		}
		if _, ok := seen[path]; ok {
			continue
		}
		seen[path] = struct{}{}
		result = append(result, path)
	}
	return result
}
