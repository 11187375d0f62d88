package normalize

import (
	"context"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// Watch reloads the mapping file into n whenever it changes, until ctx is
// done. A file that fails to parse is logged and the previous mapping stays
// in effect. The directory is watched so editors that replace the file on
// save are picked up.
func Watch(ctx context.Context, n *Normalizer, path string) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return eris.Wrap(err, "normalize: create watcher")
	}
	if err := w.Add(filepath.Dir(path)); err != nil {
		w.Close() //nolint:errcheck
		return eris.Wrapf(err, "normalize: watch %s", path)
	}

	log := zap.L().With(zap.String("component", "normalize.watch"), zap.String("path", path))
	target := filepath.Clean(path)

	go func() {
		defer w.Close() //nolint:errcheck
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != target || !(ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create)) {
					continue
				}
				m, err := LoadMapping(path)
				if err != nil {
					log.Error("mapping reload failed, keeping previous mapping", zap.Error(err))
					continue
				}
				n.Swap(m)
				log.Info("mapping reloaded", zap.Int("properties", len(m.Properties())))
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				log.Warn("watcher error", zap.Error(err))
			}
		}
	}()
	return nil
}
