package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"papertrade/internal/logger"
	"papertrade/internal/pkg/symbol"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// WatchInstrument is one entry of the instruments file.
type WatchInstrument struct {
	Symbol   string `yaml:"symbol"`
	Exchange string `yaml:"exchange"`
}

type watchlistFile struct {
	Instruments []WatchInstrument `yaml:"instruments"`
}

// WatchlistSnapshot is a read-only view of the instruments file.
type WatchlistSnapshot struct {
	Version     int64
	LoadedAt    time.Time
	Instruments []WatchInstrument
}

// Symbols returns the normalized symbols in file order.
func (s WatchlistSnapshot) Symbols() []string {
	out := make([]string, 0, len(s.Instruments))
	for _, inst := range s.Instruments {
		out = append(out, inst.Symbol)
	}
	return out
}

// WatchlistListener is called with a fresh snapshot after each reload.
type WatchlistListener func(WatchlistSnapshot)

// Watchlist loads the instruments file and reloads it when the file
// changes on disk. Editors and config pushes typically replace the file,
// so the watcher follows the directory rather than the file itself.
type Watchlist struct {
	path string

	mu        sync.RWMutex
	snapshot  WatchlistSnapshot
	listeners []WatchlistListener

	watcher *fsnotify.Watcher
	done    chan struct{}
	once    sync.Once
}

// NewWatchlist reads the instruments file at path and starts watching it.
func NewWatchlist(path string) (*Watchlist, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("watchlist requires path")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	w := &Watchlist{path: abs, done: make(chan struct{})}
	if err := w.reload(); err != nil {
		return nil, err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("starting watchlist watcher failed: %w", err)
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watching %s failed: %w", filepath.Dir(abs), err)
	}
	w.watcher = watcher
	go w.watchLoop()
	return w, nil
}

// Snapshot returns the current watchlist.
func (w *Watchlist) Snapshot() WatchlistSnapshot {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return cloneWatchlistSnapshot(w.snapshot)
}

// Subscribe registers a listener and immediately delivers the current
// snapshot to it.
func (w *Watchlist) Subscribe(fn WatchlistListener) {
	if fn == nil {
		return
	}
	w.mu.Lock()
	w.listeners = append(w.listeners, fn)
	snap := cloneWatchlistSnapshot(w.snapshot)
	w.mu.Unlock()
	go runWatchlistListener(fn, snap)
}

// Close stops the file watcher. The last snapshot stays readable.
func (w *Watchlist) Close() {
	w.once.Do(func() {
		close(w.done)
		if w.watcher != nil {
			w.watcher.Close()
		}
	})
}

func (w *Watchlist) watchLoop() {
	// Rewrites arrive as bursts of WRITE/CREATE/RENAME events; a short
	// debounce collapses them into one reload.
	var timer *time.Timer
	pending := make(chan struct{}, 1)
	schedule := func() {
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(100*time.Millisecond, func() {
			select {
			case pending <- struct{}{}:
			default:
			}
		})
	}
	for {
		select {
		case <-w.done:
			return
		case evt, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(evt.Name) != w.path {
				continue
			}
			if evt.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			schedule()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logger.Warnf("watchlist watcher error: %v", err)
		case <-pending:
			if err := w.reload(); err != nil {
				logger.Errorf("watchlist reload failed (%s): %v", w.path, err)
				continue
			}
			w.notify()
		}
	}
}

func (w *Watchlist) reload() error {
	raw, err := os.ReadFile(w.path)
	if err != nil {
		return fmt.Errorf("reading watchlist failed: %w", err)
	}
	var file watchlistFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return fmt.Errorf("parsing watchlist failed: %w", err)
	}
	instruments := normalizeInstruments(file.Instruments)

	w.mu.Lock()
	w.snapshot = WatchlistSnapshot{
		Version:     w.snapshot.Version + 1,
		LoadedAt:    time.Now(),
		Instruments: instruments,
	}
	w.mu.Unlock()
	logger.Infof("watchlist loaded %d instruments from %s", len(instruments), filepath.Base(w.path))
	return nil
}

func (w *Watchlist) notify() {
	w.mu.RLock()
	snap := cloneWatchlistSnapshot(w.snapshot)
	listeners := append([]WatchlistListener(nil), w.listeners...)
	w.mu.RUnlock()
	for _, fn := range listeners {
		if fn == nil {
			continue
		}
		go runWatchlistListener(fn, snap)
	}
}

func runWatchlistListener(fn WatchlistListener, snap WatchlistSnapshot) {
	defer func() {
		if r := recover(); r != nil {
			logger.Errorf("watchlist listener panic: %v", r)
		}
	}()
	fn(snap)
}

func normalizeInstruments(in []WatchInstrument) []WatchInstrument {
	seen := make(map[string]struct{}, len(in))
	out := make([]WatchInstrument, 0, len(in))
	for _, inst := range in {
		sym := symbol.Normalize(inst.Symbol)
		if sym == "" {
			continue
		}
		if _, ok := seen[sym]; ok {
			continue
		}
		seen[sym] = struct{}{}
		out = append(out, WatchInstrument{
			Symbol:   sym,
			Exchange: strings.ToLower(strings.TrimSpace(inst.Exchange)),
		})
	}
	return out
}

func cloneWatchlistSnapshot(src WatchlistSnapshot) WatchlistSnapshot {
	dst := WatchlistSnapshot{
		Version:     src.Version,
		LoadedAt:    src.LoadedAt,
		Instruments: make([]WatchInstrument, len(src.Instruments)),
	}
	copy(dst.Instruments, src.Instruments)
	return dst
}
