package config

import (
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("config")

// debounceWindow absorbs the write/rename bursts editors produce when
// saving a file.
const debounceWindow = 250 * time.Millisecond

// Watch reloads the config file on change and hands valid configs to
// onChange. Invalid intermediate states are logged and skipped, the last
// good config stays in effect. The returned stop function ends the watch.
func Watch(path string, onChange func(Config)) (stop func(), err error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	// Watch the directory: editors replace files on save, which would
	// drop a watch on the file itself.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return nil, err
	}

	done := make(chan struct{})
	go func() {
		var timer *time.Timer
		var timerC <-chan time.Time
		for {
			select {
			case <-done:
				if timer != nil {
					timer.Stop()
				}
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != filepath.Clean(path) {
					continue
				}
				if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
					continue
				}
				if timer == nil {
					timer = time.NewTimer(debounceWindow)
					timerC = timer.C
				} else {
					timer.Reset(debounceWindow)
				}
			case <-timerC:
				cfg, err := Load(path)
				if err != nil {
					log.Warnf("config reload skipped: %v", err)
					continue
				}
				log.Infof("config reloaded from %s", path)
				onChange(cfg)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Warnf("config watcher: %v", err)
			}
		}
	}()

	return func() {
		close(done)
		watcher.Close()
	}, nil
}
