package config

import (
	"context"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"crash-recovery-go/pkg/log"
)

// Keys that take effect without a restart. A section name covers every
// key in it. Changes to any other key are reported but only applied on
// the next start.
var reloadable = map[string]bool{
	"stallguard.home_sensitivity": true,
	"log":                         true,
}

// CanReload reports whether key can be applied at runtime.
func CanReload(key string) bool {
	if reloadable[key] {
		return true
	}
	section, _, ok := strings.Cut(key, ".")
	return ok && reloadable[section]
}

// Changed returns the koanf keys, as section.option, of the options
// that differ.
func Changed(old, cur *Config) []string {
	var out []string
	ov := reflect.ValueOf(old).Elem()
	cv := reflect.ValueOf(cur).Elem()
	t := ov.Type()
	for i := 0; i < t.NumField(); i++ {
		section := t.Field(i).Tag.Get("koanf")
		of, cf := ov.Field(i), cv.Field(i)
		st := of.Type()
		for j := 0; j < st.NumField(); j++ {
			if !reflect.DeepEqual(of.Field(j).Interface(), cf.Field(j).Interface()) {
				out = append(out, section+"."+st.Field(j).Tag.Get("koanf"))
			}
		}
	}
	return out
}

// Touched reports whether any of keys is in section.
func Touched(keys []string, section string) bool {
	for _, k := range keys {
		if s, _, _ := strings.Cut(k, "."); s == section {
			return true
		}
	}
	return false
}

// ReloadResult is delivered after the file changed and parsed cleanly.
type ReloadResult struct {
	Config  *Config
	Changed []string
	// Pending lists changed keys that need a restart.
	Pending []string
}

// Watcher reloads the configuration file when it changes on disk.
type Watcher struct {
	path     string
	debounce time.Duration
	onReload func(ReloadResult)
	onError  func(error)
	log      *log.Logger

	mu      sync.Mutex
	current *Config
}

// NewWatcher watches path, starting from the already loaded cur.
func NewWatcher(path string, cur *Config, onReload func(ReloadResult), onError func(error)) *Watcher {
	if onError == nil {
		onError = func(error) {}
	}
	return &Watcher{
		path:     path,
		debounce: 100 * time.Millisecond,
		onReload: onReload,
		onError:  onError,
		log:      log.GetLogger("config"),
		current:  cur,
	}
}

// SetDebounceTime sets how long to wait after the last write event
// before reloading.
func (w *Watcher) SetDebounceTime(d time.Duration) { w.debounce = d }

// Current returns the most recently applied configuration.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Run watches until ctx is done. The parent directory is watched so
// editors that replace the file by rename are still seen.
func (w *Watcher) Run(ctx context.Context) error {
	abs, err := filepath.Abs(w.path)
	if err != nil {
		return err
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fsw.Close()
	if err := fsw.Add(filepath.Dir(abs)); err != nil {
		return err
	}

	var timer *time.Timer
	fire := make(chan struct{}, 1)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != abs || ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(w.debounce, func() {
				select {
				case fire <- struct{}{}:
				default:
				}
			})
		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.onError(err)
		case <-fire:
			w.Reload()
		}
	}
}

// Reload reads the file now. A file that fails to parse or validate
// leaves the current configuration in place.
func (w *Watcher) Reload() {
	cfg, err := Load(w.path)
	if err != nil {
		w.log.WithError(err).Warn("config reload rejected")
		w.onError(err)
		return
	}

	w.mu.Lock()
	changed := Changed(w.current, cfg)
	w.current = cfg
	w.mu.Unlock()
	if len(changed) == 0 {
		return
	}

	res := ReloadResult{Config: cfg, Changed: changed}
	for _, s := range changed {
		if !CanReload(s) {
			res.Pending = append(res.Pending, s)
		}
	}
	w.log.WithFields(log.Fields{"changed": changed, "pending": res.Pending}).Info("config reloaded")
	if w.onReload != nil {
		w.onReload(res)
	}
}
