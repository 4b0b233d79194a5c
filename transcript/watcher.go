package transcript

import (
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Lister serves ListSessions results from a cache that is invalidated by
// filesystem events on the watched project directories. Listing a large
// projects tree re-reads every transcript head, so callers that poll benefit
// from the cache between writes.
type Lister struct {
	store   *Store
	logger  *zap.Logger
	watcher *fsnotify.Watcher
	cache   map[string][]SessionSummary
	watched map[string]bool
	mu      sync.Mutex
	done    chan struct{}
}

// NewLister creates a Lister. The fsnotify watcher is optional; if it cannot
// be created, listing still works uncached.
func NewLister(store *Store, logger *zap.Logger) *Lister {
	if logger == nil {
		logger = zap.NewNop()
	}

	l := &Lister{
		store:   store,
		logger:  logger,
		cache:   make(map[string][]SessionSummary),
		watched: make(map[string]bool),
		done:    make(chan struct{}),
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		logger.Warn("transcript watcher unavailable, listing uncached", zap.Error(err))
		return l
	}
	l.watcher = watcher
	go l.watchLoop()
	return l
}

// List returns session summaries for cwd, cached until the underlying
// directory changes.
func (l *Lister) List(cwd string) ([]SessionSummary, error) {
	dir := l.store.ProjectDir(cwd)

	l.mu.Lock()
	if dir != "" {
		if cached, ok := l.cache[dir]; ok {
			l.mu.Unlock()
			return cached, nil
		}
	}
	l.mu.Unlock()

	summaries, err := l.store.ListSessions(cwd)
	if err != nil {
		return nil, err
	}

	if dir != "" && l.watcher != nil {
		l.mu.Lock()
		if !l.watched[dir] {
			if err := l.watcher.Add(dir); err != nil {
				l.logger.Debug("failed to watch transcript dir", zap.String("dir", dir), zap.Error(err))
			} else {
				l.watched[dir] = true
			}
		}
		if l.watched[dir] {
			l.cache[dir] = summaries
		}
		l.mu.Unlock()
	}

	return summaries, nil
}

// watchLoop drops cache entries for directories that change.
func (l *Lister) watchLoop() {
	for {
		select {
		case <-l.done:
			return
		case event, ok := <-l.watcher.Events:
			if !ok {
				return
			}
			l.invalidate(event.Name)
		case err, ok := <-l.watcher.Errors:
			if !ok {
				return
			}
			l.logger.Debug("transcript watcher error", zap.Error(err))
		}
	}
}

func (l *Lister) invalidate(changed string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for dir := range l.cache {
		if len(changed) >= len(dir) && changed[:len(dir)] == dir {
			delete(l.cache, dir)
		}
	}
}

// Close stops the watcher.
func (l *Lister) Close() error {
	close(l.done)
	if l.watcher != nil {
		return l.watcher.Close()
	}
	return nil
}
