// Package inbox watches a directory for out-of-band clarification answers.
//
// Planning sometimes stalls on a question only a human can settle: target
// language, license, an ambiguous requirement. The run keeps going on
// everything that does not depend on the answer, and the question is
// published as an event. The human replies by dropping a YAML file into the
// inbox directory, mapping question ids to answer text:
//
//	q-lang: Python 3.12
//	q-license: |
//	  MIT, with the usual attribution clause.
//
// Files are re-read on change, so editing a file replaces the earlier
// answer. Anything that is not a .yaml/.yml file is ignored.
package inbox

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

const (
	// Editors fire several Write events per save; collapse them into one scan.
	defaultDebounce = 200 * time.Millisecond
	// Fallback rescan for platforms where fsnotify drops events.
	defaultRescan = 10 * time.Second
)

// Clarifier receives answers pulled from the inbox. Satisfied by the
// orchestrator; the return value reports whether the id matched a pending
// question.
type Clarifier interface {
	Clarify(id, answer string) bool
}

// Watcher tails an inbox directory and forwards answers to a Clarifier.
type Watcher struct {
	dir       string
	clarifier Clarifier
	log       *zap.Logger

	debounce time.Duration
	rescan   time.Duration

	watcher *fsnotify.Watcher
	ticker  *time.Ticker

	mu      sync.Mutex
	timer   *time.Timer
	applied map[string]string

	closeOnce sync.Once
}

// Option adjusts watcher behavior.
type Option func(*Watcher)

// WithDebounce sets how long the watcher waits after a file event before
// rescanning the directory.
func WithDebounce(d time.Duration) Option {
	return func(w *Watcher) { w.debounce = d }
}

// WithRescan sets the interval of the periodic fallback scan.
func WithRescan(d time.Duration) Option {
	return func(w *Watcher) { w.rescan = d }
}

// New builds a watcher over dir. The directory is created on Start if it
// does not exist.
func New(dir string, c Clarifier, log *zap.Logger, opts ...Option) *Watcher {
	if log == nil {
		log = zap.NewNop()
	}
	w := &Watcher{
		dir:       dir,
		clarifier: c,
		log:       log,
		debounce:  defaultDebounce,
		rescan:    defaultRescan,
		applied:   make(map[string]string),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Start creates the directory, applies any answer files already present,
// and begins watching for new ones. It returns once the watch loop is
// running; stop it with Close or by cancelling ctx.
func (w *Watcher) Start(ctx context.Context) error {
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return fmt.Errorf("creating inbox directory: %w", err)
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating file watcher: %w", err)
	}
	if err := fw.Add(w.dir); err != nil {
		fw.Close()
		return fmt.Errorf("watching %s: %w", w.dir, err)
	}
	w.watcher = fw
	w.ticker = time.NewTicker(w.rescan)

	// Answers may predate the run, e.g. after a resume.
	w.scan()

	go w.loop(ctx)
	w.log.Info("clarification inbox open", zap.String("dir", w.dir))
	return nil
}

func (w *Watcher) loop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			if !isAnswerFile(event.Name) {
				continue
			}
			w.log.Debug("inbox event",
				zap.String("op", event.Op.String()),
				zap.String("file", filepath.Base(event.Name)))
			w.scheduleScan()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.Warn("inbox watcher error", zap.Error(err))
		case <-w.ticker.C:
			w.scan()
		}
	}
}

// scheduleScan resets the debounce timer so a burst of events from one save
// produces a single scan.
func (w *Watcher) scheduleScan() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, w.scan)
}

// scan reads every answer file in the directory and applies what changed.
func (w *Watcher) scan() {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		w.log.Warn("reading inbox directory", zap.Error(err))
		return
	}
	for _, entry := range entries {
		if entry.IsDir() || !isAnswerFile(entry.Name()) {
			continue
		}
		w.applyFile(filepath.Join(w.dir, entry.Name()))
	}
}

func (w *Watcher) applyFile(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		w.log.Warn("reading answer file", zap.String("file", filepath.Base(path)), zap.Error(err))
		return
	}
	var answers map[string]string
	if err := yaml.Unmarshal(data, &answers); err != nil {
		w.log.Warn("ignoring malformed answer file",
			zap.String("file", filepath.Base(path)),
			zap.Error(err))
		return
	}
	for id, answer := range answers {
		answer = strings.TrimSpace(answer)
		if id == "" || answer == "" {
			continue
		}
		w.mu.Lock()
		prev, seen := w.applied[id]
		if seen && prev == answer {
			w.mu.Unlock()
			continue
		}
		w.applied[id] = answer
		w.mu.Unlock()

		if w.clarifier.Clarify(id, answer) {
			w.log.Info("clarification answered",
				zap.String("question", id),
				zap.String("file", filepath.Base(path)))
		} else {
			w.log.Warn("answer matched no pending question",
				zap.String("question", id),
				zap.String("file", filepath.Base(path)))
		}
	}
}

// Close stops the watcher. Safe to call more than once; pending answers
// already read are still delivered.
func (w *Watcher) Close() {
	w.closeOnce.Do(func() {
		w.mu.Lock()
		if w.timer != nil {
			w.timer.Stop()
		}
		w.mu.Unlock()
		if w.ticker != nil {
			w.ticker.Stop()
		}
		if w.watcher != nil {
			w.watcher.Close()
		}
	})
}

func isAnswerFile(path string) bool {
	base := filepath.Base(path)
	if strings.HasPrefix(base, ".") {
		return false
	}
	ext := filepath.Ext(base)
	return ext == ".yaml" || ext == ".yml"
}
