package config

import (
	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// Watcher reloads the configuration file on change and hands the new
// snapshot to onReload.
type Watcher struct {
	path     string
	fw       *fsnotify.Watcher
	log      *logrus.Entry
	onReload func(*Config)
	stopCh   chan struct{}
}

// WatchFile starts watching path for changes, invoking onReload with a
// freshly loaded and validated Config each time the file is written.
// Reload errors are logged and the prior configuration is kept in effect.
func WatchFile(path string, log *logrus.Logger, onReload func(*Config)) (*Watcher, error) {
	if log == nil {
		log = logrus.New()
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fw.Add(path); err != nil {
		fw.Close()
		return nil, err
	}

	w := &Watcher{
		path:     path,
		fw:       fw,
		log:      log.WithField("component", "config-watch"),
		onReload: onReload,
		stopCh:   make(chan struct{}),
	}
	go w.loop()
	return w, nil
}

func (w *Watcher) loop() {
	for {
		select {
		case event, ok := <-w.fw.Events:
			if !ok {
				return
			}
			// Editors often replace the file (write+rename) rather than
			// writing in place; fsnotify then drops the watch on the old
			// inode, so re-add it after every event.
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				w.reload()
			}
			_ = w.fw.Add(w.path)
		case err, ok := <-w.fw.Errors:
			if !ok {
				return
			}
			w.log.WithError(err).Warn("config watch error")
		case <-w.stopCh:
			return
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := LoadConfig(w.path)
	if err != nil {
		w.log.WithError(err).Warn("config reload failed, keeping previous configuration")
		return
	}
	w.log.Info("configuration reloaded")
	w.onReload(cfg)
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	close(w.stopCh)
	return w.fw.Close()
}
