package pipeline

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/Amicidal/sigmachad-sub017/pkg/errs"
	"github.com/Amicidal/sigmachad-sub017/pkg/identity"
	"github.com/Amicidal/sigmachad-sub017/pkg/log"
	"github.com/Amicidal/sigmachad-sub017/pkg/types"
)

// Ingestor is the pipeline surface the watcher feeds
type Ingestor interface {
	IngestChangeEvent(e types.ChangeEvent) error
}

// defaultIgnores are directory names the watcher never descends into
var defaultIgnores = []string{".git", "node_modules", "vendor", "dist", "build"}

// Watcher translates filesystem notifications under a root directory into
// change events. New subdirectories are added to the watch as they appear.
// The watcher is an optional ingress; the pipeline runs fine without one.
type Watcher struct {
	root     string
	ingestor Ingestor
	ignores  []string
	fsw      *fsnotify.Watcher
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewWatcher builds a watcher over root. Extra ignore names are merged
// with the defaults; matching is by path segment, not glob.
func NewWatcher(root string, ingestor Ingestor, ignores ...string) (*Watcher, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, errs.Wrap(errs.CodeValidation, "watch root not accessible", err)
	}
	if !info.IsDir() {
		return nil, errs.Newf(errs.CodeValidation, "watch root %s is not a directory", root)
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errs.Wrap(errs.CodeInternal, "failed to create fs watcher", err)
	}
	return &Watcher{
		root:     root,
		ingestor: ingestor,
		ignores:  append(append([]string{}, defaultIgnores...), ignores...),
		fsw:      fsw,
		stopCh:   make(chan struct{}),
	}, nil
}

// Start registers the directory tree and begins forwarding events
func (w *Watcher) Start() error {
	if err := w.addTree(w.root); err != nil {
		w.fsw.Close()
		return err
	}
	w.wg.Add(1)
	go w.loop()
	log.WithComponent("watcher").Info().
		Str("root", w.root).
		Msg("file watcher started")
	return nil
}

// Stop halts event forwarding and releases the fs watcher
func (w *Watcher) Stop() error {
	close(w.stopCh)
	err := w.fsw.Close()
	w.wg.Wait()
	return err
}

func (w *Watcher) addTree(root string) error {
	return filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if path != root && w.ignored(path) {
			return filepath.SkipDir
		}
		return w.fsw.Add(path)
	})
}

func (w *Watcher) ignored(path string) bool {
	rel, err := filepath.Rel(w.root, path)
	if err != nil {
		return false
	}
	for _, part := range strings.Split(filepath.ToSlash(rel), "/") {
		for _, ig := range w.ignores {
			if part == ig {
				return true
			}
		}
	}
	return false
}

func (w *Watcher) loop() {
	defer w.wg.Done()
	logger := log.WithComponent("watcher")
	for {
		select {
		case <-w.stopCh:
			return
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handle(event)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			logger.Warn().Err(err).Msg("fs watcher error")
		}
	}
}

func (w *Watcher) handle(event fsnotify.Event) {
	if w.ignored(event.Name) {
		return
	}

	// A freshly created directory joins the watch; its files arrive as
	// their own create events.
	if event.Has(fsnotify.Create) {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if err := w.addTree(event.Name); err != nil {
				log.WithComponent("watcher").Warn().
					Err(err).
					Str("path", event.Name).
					Msg("failed to watch new directory")
			}
			return
		}
	}

	kind, ok := kindFor(event)
	if !ok {
		return
	}
	rel, err := filepath.Rel(w.root, event.Name)
	if err != nil {
		rel = event.Name
	}

	change := types.ChangeEvent{
		EventID:   identity.NewULID(),
		Source:    "fswatch",
		Timestamp: time.Now(),
		Kind:      kind,
		Path:      filepath.ToSlash(rel),
	}
	if err := w.ingestor.IngestChangeEvent(change); err != nil {
		log.WithComponent("watcher").Warn().
			Err(err).
			Str("path", change.Path).
			Msg("change event rejected")
	}
}

func kindFor(event fsnotify.Event) (types.ChangeKind, bool) {
	switch {
	case event.Has(fsnotify.Create):
		return types.ChangeFileAdded, true
	case event.Has(fsnotify.Write):
		return types.ChangeFileChanged, true
	case event.Has(fsnotify.Remove):
		return types.ChangeFileDeleted, true
	case event.Has(fsnotify.Rename):
		return types.ChangeFileRenamed, true
	default:
		return "", false
	}
}
