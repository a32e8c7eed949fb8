package watcher

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"echopal/internal/app"
)

type Indexer interface {
	Ingest(ctx context.Context, path string) (*app.IngestResult, error)
	Remove(ctx context.Context, source string) (*app.RemoveResult, error)
	Reindex(ctx context.Context, path string) (*app.IngestResult, error)
}

type action int

const (
	actionNone action = iota
	actionIngest
	actionReindex
	actionRemove
)

func (a action) String() string {
	switch a {
	case actionIngest:
		return "ingest"
	case actionReindex:
		return "reindex"
	case actionRemove:
		return "remove"
	default:
		return "none"
	}
}

// Watcher keeps the vector store in line with the PDFs in the upload
// directory. Errors are logged and never stop the loop.
type Watcher struct {
	dir      string
	indexer  Indexer
	debounce time.Duration

	mu      sync.Mutex
	pending map[string]*pendingEvent
	fsw     *fsnotify.Watcher
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

type pendingEvent struct {
	act   action
	timer *time.Timer
}

func New(dir string, indexer Indexer, debounce time.Duration) *Watcher {
	if debounce <= 0 {
		debounce = 500 * time.Millisecond
	}
	return &Watcher{
		dir:      dir,
		indexer:  indexer,
		debounce: debounce,
		pending:  make(map[string]*pendingEvent),
	}
}

// Start reconciles the directory once and then follows filesystem events
// until ctx is cancelled or Close is called.
func (w *Watcher) Start(ctx context.Context) error {
	if w.cancel != nil {
		return nil
	}
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return fmt.Errorf("create watch dir failed: %w", err)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher failed: %w", err)
	}
	if err := fsw.Add(w.dir); err != nil {
		_ = fsw.Close()
		return fmt.Errorf("watch %s failed: %w", w.dir, err)
	}

	watchCtx, cancel := context.WithCancel(ctx)
	w.fsw = fsw
	w.cancel = cancel

	if _, err := w.Reconcile(watchCtx); err != nil {
		log.Printf("watcher reconcile failed: %v", err)
	}

	w.wg.Add(1)
	go w.loop(watchCtx)
	log.Printf("watcher: following %s", w.dir)
	return nil
}

// Reconcile ingests every PDF in the directory. Already indexed files are
// skipped by the indexer.
func (w *Watcher) Reconcile(ctx context.Context) (int, error) {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return 0, fmt.Errorf("read watch dir failed: %w", err)
	}
	added := 0
	for _, entry := range entries {
		if entry.IsDir() || !watched(entry.Name()) {
			continue
		}
		result, err := w.indexer.Ingest(ctx, filepath.Join(w.dir, entry.Name()))
		if err != nil {
			log.Printf("watcher ingest %s failed: %v", entry.Name(), err)
			continue
		}
		if result.Status == app.StatusAdded {
			added++
		}
	}
	return added, nil
}

func (w *Watcher) loop(ctx context.Context) {
	defer w.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if act := classify(ev); act != actionNone {
				w.schedule(ctx, ev.Name, act)
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			log.Printf("watcher error: %v", err)
		}
	}
}

// schedule coalesces events for one path into a single action fired after
// the debounce window. A write upgrades a pending ingest to a reindex and
// the last remove or create wins otherwise.
func (w *Watcher) schedule(ctx context.Context, path string, act action) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if p, ok := w.pending[path]; ok && p.timer.Stop() {
		if !(p.act == actionReindex && act == actionIngest) {
			p.act = act
		}
		p.timer.Reset(w.debounce)
		return
	}

	p := &pendingEvent{act: act}
	p.timer = time.AfterFunc(w.debounce, func() {
		w.mu.Lock()
		current := p.act
		if w.pending[path] == p {
			delete(w.pending, path)
		}
		w.mu.Unlock()
		w.apply(ctx, path, current)
	})
	w.pending[path] = p
}

func (w *Watcher) apply(ctx context.Context, path string, act action) {
	if ctx.Err() != nil {
		return
	}
	var err error
	switch act {
	case actionIngest:
		_, err = w.indexer.Ingest(ctx, path)
	case actionReindex:
		_, err = w.indexer.Reindex(ctx, path)
	case actionRemove:
		_, err = w.indexer.Remove(ctx, filepath.Base(path))
	}
	if err != nil {
		log.Printf("watcher %s %s failed: %v", act, filepath.Base(path), err)
	}
}

func (w *Watcher) Close() error {
	if w.cancel != nil {
		w.cancel()
	}
	w.mu.Lock()
	for path, p := range w.pending {
		p.timer.Stop()
		delete(w.pending, path)
	}
	w.mu.Unlock()

	var err error
	if w.fsw != nil {
		err = w.fsw.Close()
	}
	w.wg.Wait()
	return err
}

func classify(ev fsnotify.Event) action {
	if !watched(filepath.Base(ev.Name)) {
		return actionNone
	}
	switch {
	case ev.Has(fsnotify.Remove), ev.Has(fsnotify.Rename):
		return actionRemove
	case ev.Has(fsnotify.Create):
		return actionIngest
	case ev.Has(fsnotify.Write):
		return actionReindex
	default:
		return actionNone
	}
}

// watched skips hidden files, which includes in-flight uploads.
func watched(name string) bool {
	return !strings.HasPrefix(name, ".") && strings.EqualFold(filepath.Ext(name), ".pdf")
}
