package recovery

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/szaher/designs/botfleet/internal/credentials"
)

// Watch follows the sessions directory and admits credential directories
// that appear while the service runs. It returns when ctx is done.
func (r *Recoverer) Watch(ctx context.Context) error {
	w, err := r.watch()
	if err != nil {
		return err
	}
	return r.run(ctx, w)
}

func (r *Recoverer) watch() (*fsnotify.Watcher, error) {
	root := r.store.SessionsRoot()
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	if err := w.Add(root); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("watch %s: %w", root, err)
	}
	entries, err := os.ReadDir(root)
	if err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("watch %s: %w", root, err)
	}
	for _, e := range entries {
		if e.IsDir() && !strings.HasPrefix(e.Name(), ".") {
			_ = w.Add(filepath.Join(root, e.Name()))
		}
	}
	return w, nil
}

func (r *Recoverer) run(ctx context.Context, w *fsnotify.Watcher) error {
	defer w.Close()

	root := r.store.SessionsRoot()
	pending := make(map[string]*time.Timer)
	ready := make(chan string, 16)
	defer func() {
		for _, t := range pending {
			t.Stop()
		}
	}()

	schedule := func(id string) {
		if t, ok := pending[id]; ok {
			t.Reset(r.settle)
			return
		}
		pending[id] = time.AfterFunc(r.settle, func() {
			select {
			case ready <- id:
			case <-ctx.Done():
			}
		})
	}

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			rel, err := filepath.Rel(root, ev.Name)
			if err != nil {
				continue
			}
			parts := strings.Split(filepath.ToSlash(rel), "/")
			id := parts[0]
			if strings.HasPrefix(id, ".") || credentials.ValidateID(id) != nil {
				continue
			}
			switch {
			case len(parts) == 1 && ev.Has(fsnotify.Create):
				if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
					if err := w.Add(ev.Name); err != nil {
						r.logger.Warn("watch session dir failed", "dir", ev.Name, "error", err)
					}
					schedule(id)
				}
			case len(parts) == 2 && parts[1] == credentials.CredsFile && ev.Has(fsnotify.Create|fsnotify.Write):
				schedule(id)
			}

		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			r.logger.Warn("sessions watcher error", "error", err)

		case id := <-ready:
			delete(pending, id)
			if !credentials.HasCredentials(r.store.SessionDir(id)) {
				continue
			}
			if _, err := r.admit(ctx, id); err != nil {
				r.logger.Warn("session recovery failed", "session_id", id, "error", err)
			}
		}
	}
}
