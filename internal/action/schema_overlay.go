package action

import (
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// Overlay is a hot-reloadable table of per-action constraints layered over
// the built-in dispatch table (§4.7): an operator can disable an action or
// limit which fields it accepts without a rebuild. Grounded on the teacher's
// internal/selectors.Manager — same external-file-plus-fsnotify-watcher
// shape, narrowed to the action schema's needs; there are no embedded
// defaults (with no file, no action is restricted).
type Overlay struct {
	path    string
	current atomic.Value // map[string]actionOverride

	watcher *fsnotify.Watcher
	stopCh  chan struct{}
	wg      sync.WaitGroup

	mu          sync.Mutex
	closed      bool
	reloadCount int64
}

// actionOverride restricts one action beyond its built-in schema.
type actionOverride struct {
	Disabled  bool     `yaml:"disabled"`
	MaxFields []string `yaml:"allowFields"` // if set, only these fields (required ones included) may be submitted
}

type overlayFile struct {
	Actions map[string]actionOverride `yaml:"actions"`
}

// NewOverlay builds an Overlay. If path is empty, the overlay is a no-op
// (every action runs unrestricted). If hotReload is true, file writes to
// path trigger an in-place reload; a bad file keeps the previous overlay
// and logs a warning rather than failing the process.
func NewOverlay(path string, hotReload bool) (*Overlay, error) {
	o := &Overlay{path: path, stopCh: make(chan struct{})}
	o.current.Store(map[string]actionOverride{})

	if path == "" {
		return o, nil
	}

	if err := o.reloadLocked(); err != nil {
		log.Warn().Err(err).Str("path", path).Msg("action schema overlay: failed to load, running unrestricted")
	}

	if hotReload {
		if err := o.startWatcher(); err != nil {
			log.Warn().Err(err).Str("path", path).Msg("action schema overlay: failed to start watcher, hot-reload disabled")
		}
	}

	return o, nil
}

func (o *Overlay) reloadLocked() error {
	data, err := os.ReadFile(o.path)
	if err != nil {
		return fmt.Errorf("read overlay file: %w", err)
	}
	var f overlayFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("parse overlay file: %w", err)
	}
	if f.Actions == nil {
		f.Actions = map[string]actionOverride{}
	}
	o.current.Store(f.Actions)
	o.reloadCount++
	log.Info().Int64("reload_count", o.reloadCount).Str("path", o.path).Msg("action schema overlay reloaded")
	return nil
}

// Reload re-reads the overlay file on demand.
func (o *Overlay) Reload() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.reloadLocked()
}

// check applies the overlay to one action invocation, on top of the
// built-in schema.validate result. A disabled action fails closed with
// InvalidArgument regardless of otherwise-valid arguments.
func (o *Overlay) check(name string, args Args) error {
	overrides := o.current.Load().(map[string]actionOverride)
	ov, ok := overrides[name]
	if !ok {
		return nil
	}
	if ov.Disabled {
		return fmt.Errorf("action %q is disabled by the schema overlay", name)
	}
	if len(ov.MaxFields) == 0 {
		return nil
	}
	allowed := make(map[string]bool, len(ov.MaxFields))
	for _, f := range ov.MaxFields {
		allowed[f] = true
	}
	for k := range args {
		if !allowed[k] {
			return fmt.Errorf("field %q is restricted by the schema overlay for action %q", k, name)
		}
	}
	return nil
}

func (o *Overlay) startWatcher() error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := w.Add(o.path); err != nil {
		w.Close()
		return fmt.Errorf("watch file: %w", err)
	}
	o.watcher = w
	o.wg.Add(1)
	go o.watchFile()
	return nil
}

func (o *Overlay) watchFile() {
	defer o.wg.Done()

	const debounce = 100 * time.Millisecond
	var timer *time.Timer
	pending := false

	for {
		select {
		case <-o.stopCh:
			return
		case ev, ok := <-o.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if pending {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(debounce)
				continue
			}
			pending = true
			timer = time.AfterFunc(debounce, func() {
				if err := o.Reload(); err != nil {
					log.Warn().Err(err).Str("path", o.path).Msg("action schema overlay: hot-reload failed, keeping previous overlay")
				}
				pending = false
			})
		case err, ok := <-o.watcher.Errors:
			if !ok {
				return
			}
			log.Warn().Err(err).Msg("action schema overlay: watcher error")
		}
	}
}

// Close stops the file watcher, if any. Safe to call multiple times.
func (o *Overlay) Close() error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil
	}
	o.closed = true
	o.mu.Unlock()

	close(o.stopCh)
	o.wg.Wait()
	if o.watcher != nil {
		return o.watcher.Close()
	}
	return nil
}
