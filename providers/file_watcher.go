package providers

import (
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/knadh/koanf/providers/file"
	"github.com/zeromicro/go-zero/core/threading"

	"github.com/nextpkg/storeplug/slogs"
)

// FileWatcher is a koanf file provider that watches the parent directory
// instead of the file, so editors that save by writing a temp file and
// renaming it over the original are still noticed.
type FileWatcher struct {
	path     string
	provider *file.File

	mu       sync.RWMutex
	watcher  *fsnotify.Watcher
	callback func(event any, err error)
}

// NewFileWatcher resolves path to an absolute path. The file does not have to
// exist yet.
func NewFileWatcher(path string) (*FileWatcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	return &FileWatcher{path: abs, provider: file.Provider(abs)}, nil
}

// Read implements koanf.Provider.
func (fw *FileWatcher) Read() (map[string]any, error) {
	return fw.provider.Read()
}

// ReadBytes implements koanf.Provider.
func (fw *FileWatcher) ReadBytes() ([]byte, error) {
	return fw.provider.ReadBytes()
}

// Watch calls cb after every write, create or rename of the file and with
// any watcher error. Calling Watch again while watching is a no-op.
func (fw *FileWatcher) Watch(cb func(event any, err error)) error {
	fw.mu.Lock()
	defer fw.mu.Unlock()

	if fw.watcher != nil {
		return nil
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err = w.Add(filepath.Dir(fw.path)); err != nil {
		_ = w.Close()
		return err
	}

	fw.watcher = w
	fw.callback = cb
	threading.GoSafe(func() { fw.processEvents(w) })

	slogs.Debug("Watching config file", "path", fw.path)
	return nil
}

// Unwatch stops watching. It is safe to call more than once.
func (fw *FileWatcher) Unwatch() error {
	fw.mu.Lock()
	defer fw.mu.Unlock()

	if fw.watcher == nil {
		return nil
	}
	err := fw.watcher.Close()
	fw.watcher = nil
	fw.callback = nil
	return err
}

// IsWatching reports whether Watch is active.
func (fw *FileWatcher) IsWatching() bool {
	fw.mu.RLock()
	defer fw.mu.RUnlock()
	return fw.watcher != nil
}

// Path returns the absolute path of the watched file.
func (fw *FileWatcher) Path() string {
	return fw.path
}

func (fw *FileWatcher) notify(err error) {
	fw.mu.RLock()
	cb := fw.callback
	fw.mu.RUnlock()

	if cb != nil {
		cb(nil, err)
	}
}

func (fw *FileWatcher) processEvents(w *fsnotify.Watcher) {
	for {
		select {
		case event, ok := <-w.Events:
			if !ok {
				return
			}
			if fw.isTarget(event) && event.Has(fsnotify.Write|fsnotify.Create|fsnotify.Rename) {
				fw.notify(nil)
			}
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			fw.notify(err)
		}
	}
}

// isTarget reports whether event concerns the watched file. Swap and backup
// files written next to it by editors have other names and are ignored.
func (fw *FileWatcher) isTarget(event fsnotify.Event) bool {
	name, err := filepath.Abs(event.Name)
	return err == nil && name == fw.path
}
