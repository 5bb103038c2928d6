package loader

import (
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
)

var skipDirs = map[string]bool{
	"node_modules": true,
	"dist":         true,
	"vendor":       true,
}

func skipDir(name string) bool {
	return skipDirs[name] || (strings.HasPrefix(name, ".") && name != ".")
}

func skipFile(name string) bool {
	return strings.HasSuffix(name, "~") ||
		strings.HasSuffix(name, ".swp") ||
		strings.HasSuffix(name, ".tmp") ||
		strings.HasPrefix(name, ".#")
}

// treeWatcher watches a directory tree and reports changed files.
type treeWatcher struct {
	fw   *fsnotify.Watcher
	done chan struct{}
}

func watchTree(root string, onChange func(path string)) (*treeWatcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &treeWatcher{fw: fw, done: make(chan struct{})}
	if err := w.addTree(root); err != nil {
		_ = fw.Close()
		return nil, err
	}

	go w.loop(onChange)
	return w, nil
}

func (w *treeWatcher) addTree(root string) error {
	return filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if p != root && skipDir(d.Name()) {
			return filepath.SkipDir
		}
		return w.fw.Add(p)
	})
}

func (w *treeWatcher) loop(onChange func(path string)) {
	defer close(w.done)

	for {
		select {
		case ev, ok := <-w.fw.Events:
			if !ok {
				return
			}
			name := filepath.Base(ev.Name)

			if ev.Has(fsnotify.Create) {
				if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
					if !skipDir(name) {
						if err := w.addTree(ev.Name); err != nil {
							log.Printf("[loader] watching %s: %v", ev.Name, err)
						}
					}
					continue
				}
			}
			if skipFile(name) {
				continue
			}
			if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) || ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename) {
				onChange(ev.Name)
			}

		case err, ok := <-w.fw.Errors:
			if !ok {
				return
			}
			log.Printf("[loader] watcher error: %v", err)
		}
	}
}

func (w *treeWatcher) close() error {
	err := w.fw.Close()
	<-w.done
	return err
}
