package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alabobai/capability-runtime/core"
)

// snapshotDoc is the on-disk shape of the task-run store (spec §6).
type snapshotDoc struct {
	Runs []*TaskRun `json:"runs"`
}

// Store mirrors the in-memory run table to a single JSON document through a
// debounced, single-writer chain, and appends state transitions to an
// append-only event log. Modeled on the worker pool's goroutine-lifecycle
// style: a cancel func plus WaitGroup plus atomic running flag.
type Store struct {
	mu   sync.RWMutex
	runs map[string]*TaskRun

	storePath        string
	eventsPath       string
	maxPersistedRuns int
	debounceInterval time.Duration
	logger           core.Logger

	dirty   chan struct{}
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running atomic.Bool
}

// NewStore builds a Store. Call Hydrate before Start to load any existing
// snapshot, and Start to begin the debounced writer goroutine.
func NewStore(storePath, eventsPath string, maxPersistedRuns int, debounceInterval time.Duration) *Store {
	if maxPersistedRuns <= 0 {
		maxPersistedRuns = 400
	}
	if debounceInterval <= 0 {
		debounceInterval = 80 * time.Millisecond
	}
	return &Store{
		runs:             make(map[string]*TaskRun),
		storePath:        storePath,
		eventsPath:       eventsPath,
		maxPersistedRuns: maxPersistedRuns,
		debounceInterval: debounceInterval,
		logger:           &core.NoOpLogger{},
		dirty:            make(chan struct{}, 1),
	}
}

// SetLogger installs a logger, tagging it with the runner component when supported.
func (s *Store) SetLogger(logger core.Logger) {
	if logger == nil {
		s.logger = &core.NoOpLogger{}
		return
	}
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		s.logger = cal.WithComponent("runtime/runner")
		return
	}
	s.logger = logger
}

// Hydrate loads the store's snapshot from disk once at startup. A missing
// or corrupt file is treated as empty, never as an error the caller must
// handle specially.
func (s *Store) Hydrate() {
	raw, err := os.ReadFile(s.storePath)
	if err != nil {
		s.logger.Debug("no existing run store, starting empty", map[string]interface{}{"path": s.storePath})
		return
	}

	var doc snapshotDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		s.logger.Warn("run store corrupt, starting empty", map[string]interface{}{"path": s.storePath, "error": err.Error()})
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, run := range doc.Runs {
		if run != nil {
			s.runs[run.ID] = run
		}
	}
	s.logger.Info("run store hydrated", map[string]interface{}{"count": len(s.runs)})
}

// Start begins the debounced writer goroutine. The goroutine stops when ctx
// is canceled or Stop is called.
func (s *Store) Start(ctx context.Context) error {
	if s.running.Swap(true) {
		return fmt.Errorf("store already started")
	}
	writerCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.wg.Add(1)
	go s.writeLoop(writerCtx)
	return nil
}

// Stop cancels the writer goroutine and waits for it to exit.
func (s *Store) Stop() {
	if !s.running.Load() {
		return
	}
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.running.Store(false)
}

func (s *Store) writeLoop(ctx context.Context) {
	defer s.wg.Done()

	var timer *time.Timer
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return
		case <-s.dirty:
			if timer == nil {
				timer = time.NewTimer(s.debounceInterval)
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(s.debounceInterval)
			}
		case <-timerChan(timer):
			s.flush()
			timer = nil
		}
	}
}

func timerChan(t *time.Timer) <-chan time.Time {
	if t == nil {
		return nil
	}
	return t.C
}

// markDirty signals the writer goroutine that a new snapshot should be
// flushed after the debounce interval. Non-blocking: a pending signal is
// coalesced with any signal already queued.
func (s *Store) markDirty() {
	select {
	case s.dirty <- struct{}{}:
	default:
	}
}

// Put inserts or replaces run in the table and schedules a debounced write.
func (s *Store) Put(run *TaskRun) {
	s.mu.Lock()
	s.runs[run.ID] = run
	s.mu.Unlock()
	s.markDirty()
}

// Get returns a private copy of the run with id, if present. Callers mutate
// and persist their copy via Put; no two callers ever share the same
// *TaskRun, so a run being advanced by the reconcile loop can't be observed
// mid-mutation by a concurrent reader (spec §5).
func (s *Store) Get(id string) (*TaskRun, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[id]
	if !ok {
		return nil, false
	}
	return run.clone(), true
}

// All returns a private copy of every run, newest-created first. See Get.
func (s *Store) All() []*TaskRun {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*TaskRun, 0, len(s.runs))
	for _, r := range s.runs {
		out = append(out, r.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// flush prunes over-capacity runs and writes the current snapshot to disk.
func (s *Store) flush() {
	s.mu.Lock()
	s.pruneLocked()
	doc := snapshotDoc{Runs: make([]*TaskRun, 0, len(s.runs))}
	for _, r := range s.runs {
		doc.Runs = append(doc.Runs, r.clone())
	}
	s.mu.Unlock()

	sort.Slice(doc.Runs, func(i, j int) bool { return doc.Runs[i].CreatedAt.Before(doc.Runs[j].CreatedAt) })

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		s.logger.Error("failed to marshal run snapshot", map[string]interface{}{"error": err.Error()})
		return
	}

	if err := writeFileAtomic(s.storePath, data); err != nil {
		s.logger.Error("failed to write run snapshot", map[string]interface{}{"path": s.storePath, "error": err.Error()})
	}
}

// pruneLocked drops the oldest-by-createdAt runs beyond maxPersistedRuns.
// Caller must hold s.mu.
func (s *Store) pruneLocked() {
	if len(s.runs) <= s.maxPersistedRuns {
		return
	}
	all := make([]*TaskRun, 0, len(s.runs))
	for _, r := range s.runs {
		all = append(all, r)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.Before(all[j].CreatedAt) })

	excess := len(all) - s.maxPersistedRuns
	for i := 0; i < excess; i++ {
		delete(s.runs, all[i].ID)
	}
}

// writeFileAtomic writes data to path via a temp file plus rename, avoiding
// torn reads by any concurrent hydration.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return os.Rename(tmpPath, path)
}

// Event is one line of the append-only event log.
type Event struct {
	Timestamp  time.Time              `json:"ts"`
	Type       string                 `json:"type"`
	RunID      string                 `json:"runId"`
	State      RunState               `json:"state"`
	Attempt    int                    `json:"attempt"`
	Checkpoint int                    `json:"checkpoint"`
	Extras     map[string]interface{} `json:"extras,omitempty"`
}

// AppendEvent appends a single JSON event line. Failures are swallowed —
// event-log I/O never blocks run progression (spec §4.4.9, §7).
func (s *Store) AppendEvent(event Event) {
	event.Timestamp = time.Now()
	line, err := json.Marshal(event)
	if err != nil {
		s.logger.Warn("failed to encode event", map[string]interface{}{"error": err.Error()})
		return
	}

	f, err := os.OpenFile(s.eventsPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		s.logger.Warn("failed to open event log", map[string]interface{}{"path": s.eventsPath, "error": err.Error()})
		return
	}
	defer f.Close()

	if _, err := f.Write(append(line, '\n')); err != nil {
		s.logger.Warn("failed to append event", map[string]interface{}{"path": s.eventsPath, "error": err.Error()})
	}
}
