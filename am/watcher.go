package am

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/teranos/testpulse/errors"
	"github.com/teranos/testpulse/logger"
)

// ReloadCallback receives the freshly loaded configuration
type ReloadCallback func(*Config) error

// FileCallback runs when a watched file other than the config changes
type FileCallback func() error

// ConfigWatcher reloads am.toml when it changes on disk and notifies
// subscribers. Other files the daemon depends on, such as the test case
// manifest, can be watched alongside it with WatchFile.
type ConfigWatcher struct {
	configPath     string
	fsw            *fsnotify.Watcher
	log            *zap.SugaredLogger
	debouncePeriod time.Duration
	loader         func() (*Config, error)

	mu        sync.Mutex
	callbacks []ReloadCallback
	files     map[string][]FileCallback
	dirs      map[string]bool
	timers    map[string]*time.Timer
	ownWrite  time.Time // SetValue in this process: config events before this are ours
	started   bool
	done      chan struct{}
}

var (
	globalWatcher   *ConfigWatcher
	globalWatcherMu sync.Mutex
)

// NewConfigWatcher watches configPath. Nothing is delivered until Start.
func NewConfigWatcher(configPath string) (*ConfigWatcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, "failed to create fsnotify watcher")
	}

	cw := &ConfigWatcher{
		configPath:     filepath.Clean(configPath),
		fsw:            fsw,
		log:            logger.AddAMSymbol(logger.ComponentLogger("am.watcher")),
		debouncePeriod: 500 * time.Millisecond,
		loader: func() (*Config, error) {
			Reset()
			return Load()
		},
		files:  make(map[string][]FileCallback),
		dirs:   make(map[string]bool),
		timers: make(map[string]*time.Timer),
		done:   make(chan struct{}),
	}
	if err := cw.watchDir(cw.configPath); err != nil {
		fsw.Close()
		return nil, err
	}
	return cw, nil
}

// watchDir adds the directory holding path. Editors replace files on save,
// which drops a watch on the file itself.
func (cw *ConfigWatcher) watchDir(path string) error {
	dir := filepath.Dir(path)
	if cw.dirs[dir] {
		return nil
	}
	if err := cw.fsw.Add(dir); err != nil {
		return errors.Wrapf(err, "failed to watch directory of %s", path)
	}
	cw.dirs[dir] = true
	return nil
}

// OnReload registers a callback for config reloads
func (cw *ConfigWatcher) OnReload(callback ReloadCallback) {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	cw.callbacks = append(cw.callbacks, callback)
}

// WatchFile calls fn, debounced, whenever path is written
func (cw *ConfigWatcher) WatchFile(path string, fn FileCallback) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return errors.Wrapf(err, "failed to resolve %s", path)
	}
	abs = filepath.Clean(abs)

	cw.mu.Lock()
	defer cw.mu.Unlock()
	if err := cw.watchDir(abs); err != nil {
		return err
	}
	cw.files[abs] = append(cw.files[abs], fn)
	return nil
}

// ownWriteWindow covers the several events one file write can produce
const ownWriteWindow = time.Second

// MarkOwnWrite makes the watcher skip config changes for a short window
func (cw *ConfigWatcher) MarkOwnWrite() {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	cw.ownWrite = time.Now().Add(ownWriteWindow)
}

// Start begins delivering change notifications
func (cw *ConfigWatcher) Start() {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	if cw.started {
		return
	}
	cw.started = true
	go cw.watchLoop()
}

func (cw *ConfigWatcher) watchLoop() {
	defer close(cw.done)
	for {
		select {
		case event, ok := <-cw.fsw.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			cw.handle(event)

		case err, ok := <-cw.fsw.Errors:
			if !ok {
				return
			}
			cw.log.Warnw("Config watcher error", logger.FieldError, err)
		}
	}
}

func (cw *ConfigWatcher) handle(event fsnotify.Event) {
	name := filepath.Clean(event.Name)
	if abs, err := filepath.Abs(name); err == nil {
		name = abs
	}
	configAbs, _ := filepath.Abs(cw.configPath)

	cw.mu.Lock()
	defer cw.mu.Unlock()

	switch {
	case name == configAbs:
		if time.Now().Before(cw.ownWrite) {
			cw.log.Debugw("Ignoring own config write", "file", name)
			return
		}
		cw.log.Infow("Config change detected", "file", name, "op", event.Op.String())
		cw.debounceLocked(name, func() {
			if err := cw.reload(); err != nil {
				cw.log.Errorw("Config reload failed", logger.FieldError, err)
			}
		})

	case len(cw.files[name]) > 0:
		callbacks := append([]FileCallback(nil), cw.files[name]...)
		cw.log.Infow("Watched file changed", "file", name)
		cw.debounceLocked(name, func() {
			for _, fn := range callbacks {
				if err := fn(); err != nil {
					cw.log.Warnw("File change callback failed", "file", name, logger.FieldError, err)
				}
			}
		})
	}
}

// debounceLocked collapses bursts of events per file into one call
func (cw *ConfigWatcher) debounceLocked(key string, fn func()) {
	if t := cw.timers[key]; t != nil {
		t.Stop()
	}
	cw.timers[key] = time.AfterFunc(cw.debouncePeriod, fn)
}

// reload loads the configuration and hands it to every subscriber
func (cw *ConfigWatcher) reload() error {
	cfg, err := cw.loader()
	if err != nil {
		return errors.Wrap(err, "failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		return errors.Wrap(err, "reloaded config is invalid, keeping current settings")
	}

	cw.mu.Lock()
	callbacks := append([]ReloadCallback(nil), cw.callbacks...)
	cw.mu.Unlock()

	cw.log.Infow("Config reloaded", "path", cw.configPath, "subscribers", len(callbacks))
	for _, callback := range callbacks {
		// one failing subscriber must not starve the others
		if err := callback(cfg); err != nil {
			cw.log.Warnw("Config reload callback failed", logger.FieldError, err)
		}
	}
	return nil
}

// Stop stops watching and waits for the event loop to exit
func (cw *ConfigWatcher) Stop() error {
	cw.mu.Lock()
	for _, t := range cw.timers {
		t.Stop()
	}
	started := cw.started
	cw.mu.Unlock()

	err := cw.fsw.Close()
	if started {
		<-cw.done
	}
	return err
}

// SetGlobalWatcher registers the process's watcher so SetValue can mark its own writes
func SetGlobalWatcher(watcher *ConfigWatcher) {
	globalWatcherMu.Lock()
	defer globalWatcherMu.Unlock()
	globalWatcher = watcher
}
