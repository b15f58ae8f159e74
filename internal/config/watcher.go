package config

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

type Document int

const (
	DocumentConfig Document = iota
	DocumentAppData
)

func (d Document) String() string {
	if d == DocumentAppData {
		return "appdata"
	}
	return "config"
}

// DocumentEvent reports that a persisted document changed on disk.
type DocumentEvent struct {
	Document Document
	Path     string
	Error    error
}

// Watcher reports edits to the gateway's documents made outside the
// process, debounced so an editor's write+rename yields one event.
type Watcher struct {
	watcher  *fsnotify.Watcher
	paths    map[string]Document
	dir      string
	events   chan DocumentEvent
	debounce time.Duration
}

func NewWatcher(configPath, appDataPath string) (*Watcher, error) {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	return &Watcher{
		watcher: fsWatcher,
		paths: map[string]Document{
			filepath.Clean(configPath):  DocumentConfig,
			filepath.Clean(appDataPath): DocumentAppData,
		},
		dir:      filepath.Dir(configPath),
		events:   make(chan DocumentEvent, 10),
		debounce: 100 * time.Millisecond,
	}, nil
}

// Events is closed once the watcher stops.
func (w *Watcher) Events() <-chan DocumentEvent {
	return w.events
}

// Start watches the documents' directory. The directory must exist.
func (w *Watcher) Start(ctx context.Context) error {
	if err := w.watcher.Add(w.dir); err != nil {
		return fmt.Errorf("failed to watch directory %s: %w", w.dir, err)
	}
	go w.run(ctx)
	return nil
}

func (w *Watcher) Stop() error {
	return w.watcher.Close()
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.events)

	pending := make(map[string]time.Time)
	ticker := time.NewTicker(w.debounce)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			path := filepath.Clean(event.Name)
			if _, tracked := w.paths[path]; !tracked {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) != 0 {
				pending[path] = time.Now()
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.emit(ctx, DocumentEvent{Error: err})

		case <-ticker.C:
			now := time.Now()
			for path, ts := range pending {
				if now.Sub(ts) >= w.debounce {
					w.emit(ctx, DocumentEvent{Document: w.paths[path], Path: path})
					delete(pending, path)
				}
			}
		}
	}
}

func (w *Watcher) emit(ctx context.Context, ev DocumentEvent) {
	select {
	case w.events <- ev:
	case <-ctx.Done():
	}
}
