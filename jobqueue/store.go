package jobqueue

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alabobai/capability-runtime/core"
)

// Store persists the job table. FileStore is the default; RedisStore is an
// alternative backend for multi-process deployments.
type Store interface {
	Hydrate()
	Start(ctx context.Context) error
	Stop()
	Put(job *Job)
	Get(id string) (*Job, bool)
	All() []*Job
	SetLogger(logger core.Logger)
}

type fileSnapshot struct {
	Jobs []*Job `json:"jobs"`
}

// FileStore mirrors the job table to a single JSON document through a
// debounced single-writer chain, the same lifecycle idiom the task run
// store uses.
type FileStore struct {
	mu   sync.RWMutex
	jobs map[string]*Job

	path             string
	debounceInterval time.Duration
	logger           core.Logger

	dirty   chan struct{}
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running atomic.Bool
}

// NewFileStore builds a FileStore. Call Hydrate before Start.
func NewFileStore(path string, debounceInterval time.Duration) *FileStore {
	if debounceInterval <= 0 {
		debounceInterval = 80 * time.Millisecond
	}
	return &FileStore{
		jobs:             make(map[string]*Job),
		path:             path,
		debounceInterval: debounceInterval,
		logger:           &core.NoOpLogger{},
		dirty:            make(chan struct{}, 1),
	}
}

func (s *FileStore) SetLogger(logger core.Logger) {
	if logger == nil {
		s.logger = &core.NoOpLogger{}
		return
	}
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		s.logger = cal.WithComponent("runtime/jobqueue")
		return
	}
	s.logger = logger
}

func (s *FileStore) Hydrate() {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		s.logger.Debug("no existing job store, starting empty", map[string]interface{}{"path": s.path})
		return
	}
	var doc fileSnapshot
	if err := json.Unmarshal(raw, &doc); err != nil {
		s.logger.Warn("job store corrupt, starting empty", map[string]interface{}{"path": s.path, "error": err.Error()})
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, job := range doc.Jobs {
		if job != nil {
			s.jobs[job.ID] = job
		}
	}
	s.logger.Info("job store hydrated", map[string]interface{}{"count": len(s.jobs)})
}

func (s *FileStore) Start(ctx context.Context) error {
	if s.running.Swap(true) {
		return nil
	}
	writerCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.wg.Add(1)
	go s.writeLoop(writerCtx)
	return nil
}

func (s *FileStore) Stop() {
	if !s.running.Load() {
		return
	}
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.running.Store(false)
}

func (s *FileStore) writeLoop(ctx context.Context) {
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

func (s *FileStore) markDirty() {
	select {
	case s.dirty <- struct{}{}:
	default:
	}
}

func (s *FileStore) Put(job *Job) {
	s.mu.Lock()
	s.jobs[job.ID] = job
	s.mu.Unlock()
	s.markDirty()
}

func (s *FileStore) Get(id string) (*Job, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	j, ok := s.jobs[id]
	return j, ok
}

func (s *FileStore) All() []*Job {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, j)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

func (s *FileStore) flush() {
	s.mu.RLock()
	doc := fileSnapshot{Jobs: make([]*Job, 0, len(s.jobs))}
	for _, j := range s.jobs {
		doc.Jobs = append(doc.Jobs, j)
	}
	s.mu.RUnlock()

	sort.Slice(doc.Jobs, func(i, j int) bool { return doc.Jobs[i].CreatedAt.Before(doc.Jobs[j].CreatedAt) })

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		s.logger.Error("failed to marshal job snapshot", map[string]interface{}{"error": err.Error()})
		return
	}
	if err := writeFileAtomic(s.path, data); err != nil {
		s.logger.Error("failed to write job snapshot", map[string]interface{}{"path": s.path, "error": err.Error()})
	}
}

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
