package sync

import (
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/omarfornaroli/posapp-sub000/internal/logger"
)

// Scheduler abstracts interval timers so tests can drive time manually.
type Scheduler interface {
	// Every runs fn at the given interval until the returned cancel func is
	// called. The first run happens one interval from now, not immediately.
	Every(interval time.Duration, fn func()) (cancel func())
}

// CronScheduler is the production Scheduler backed by robfig/cron @every
// entries.
type CronScheduler struct {
	cron *cron.Cron
}

func NewCronScheduler() *CronScheduler {
	c := cron.New()
	c.Start()
	return &CronScheduler{cron: c}
}

func (s *CronScheduler) Every(interval time.Duration, fn func()) func() {
	id, err := s.cron.AddFunc(fmt.Sprintf("@every %s", interval), fn)
	if err != nil {
		logger.Log.Error("Failed to schedule job",
			zap.Duration("interval", interval),
			zap.Error(err),
		)
		return func() {}
	}

	var once sync.Once
	return func() {
		once.Do(func() { s.cron.Remove(id) })
	}
}

// Stop cancels all entries and stops the underlying cron runner.
func (s *CronScheduler) Stop() {
	s.cron.Stop()
}

// ManualScheduler is a deterministic Scheduler for tests: registered tasks
// run only when Tick is called.
type ManualScheduler struct {
	mu     sync.Mutex
	nextID int
	tasks  map[int]func()
}

func NewManualScheduler() *ManualScheduler {
	return &ManualScheduler{tasks: make(map[int]func())}
}

func (s *ManualScheduler) Every(_ time.Duration, fn func()) func() {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.tasks[id] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.tasks, id)
		s.mu.Unlock()
	}
}

// Tick runs every registered task once, synchronously.
func (s *ManualScheduler) Tick() {
	s.mu.Lock()
	fns := make([]func(), 0, len(s.tasks))
	for _, fn := range s.tasks {
		fns = append(fns, fn)
	}
	s.mu.Unlock()

	for _, fn := range fns {
		fn()
	}
}
