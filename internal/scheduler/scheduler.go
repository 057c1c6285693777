package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"catabot/internal/apperr"
	"catabot/internal/eventbus"
	"catabot/internal/runtime/supervisor"
	"catabot/pkg/logx"
)

var (
	ErrDuplicateJob       = errors.New("duplicate job")
	ErrDuplicateFinalizer = errors.New("duplicate finalizer")
	ErrAlreadyStarted     = errors.New("scheduler already started")
	ErrStopped            = errors.New("scheduler stopped")
)

// JobFunc is a job body. ctx is cancelled when StopAll is called; bodies
// should be short and idempotent because a running body is never interrupted.
type JobFunc func(ctx context.Context) error

// Clock supplies wall-clock time; tests pin it.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

type State string

const (
	StatePending State = "pending"
	StateIdle    State = "idle"
	StateRunning State = "running"
	StateStopped State = "stopped"
)

// JobInfo is a point-in-time view of one job.
type JobInfo struct {
	ID       string    `json:"id"`
	Kind     Kind      `json:"kind"`
	State    State     `json:"state"`
	LastRun  time.Time `json:"last_run,omitempty"`
	NextRun  time.Time `json:"next_run,omitempty"`
	Runs     uint64    `json:"runs"`
	Failures uint64    `json:"failures"`
	LastErr  string    `json:"last_err,omitempty"`
}

type job struct {
	id       string
	kind     Kind
	schedule cron.Schedule
	fn       JobFunc

	// guarded by Scheduler.mu
	info JobInfo
}

type finalizer struct {
	id string
	fn JobFunc
}

// Scheduler runs background jobs, each on its own goroutine, and holds the
// finalizers run at shutdown.
type Scheduler struct {
	log   logx.Logger
	bus   eventbus.Bus
	clock Clock

	mu      sync.Mutex
	jobs    []*job
	byID    map[string]*job
	sup     *supervisor.Supervisor
	stopped bool

	finMu      sync.Mutex
	finalizers []finalizer
	finIDs     map[string]bool
	finRan     map[string]bool
}

type Option func(*Scheduler)

func WithLogger(l logx.Logger) Option { return func(s *Scheduler) { s.log = l } }
func WithBus(b eventbus.Bus) Option   { return func(s *Scheduler) { s.bus = b } }
func WithClock(c Clock) Option        { return func(s *Scheduler) { s.clock = c } }

func New(opts ...Option) *Scheduler {
	s := &Scheduler{
		bus:    eventbus.Nop(),
		clock:  systemClock{},
		byID:   map[string]*job{},
		finIDs: map[string]bool{},
		finRan: map[string]bool{},
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// SchedulePeriodic runs fn every interval. The first run happens one full
// interval after the scheduler starts.
func (s *Scheduler) SchedulePeriodic(id string, interval time.Duration, fn JobFunc) error {
	if interval <= 0 {
		return apperr.Configf("job %q: interval must be > 0", id)
	}
	return s.add(id, KindPeriodic, Every(interval), fn)
}

// ScheduleDaily runs fn at every UTC midnight.
func (s *Scheduler) ScheduleDaily(id string, fn JobFunc) error {
	return s.ScheduleDailyAt(id, 0, 0, fn)
}

// ScheduleDailyAt runs fn every day at hour:minute UTC.
func (s *Scheduler) ScheduleDailyAt(id string, hour, minute int, fn JobFunc) error {
	if hour < 0 || hour > 23 || minute < 0 || minute > 59 {
		return apperr.Configf("job %q: invalid time of day %02d:%02d", id, hour, minute)
	}
	return s.add(id, KindDaily, DailyAt{Hour: hour, Minute: minute}, fn)
}

// ScheduleCron runs fn on a cron expression evaluated in UTC.
func (s *Scheduler) ScheduleCron(id, expr string, fn JobFunc) error {
	sched, err := ParseCron(expr)
	if err != nil {
		return apperr.Configuration(fmt.Errorf("job %q: %w", id, err))
	}
	return s.add(id, KindCron, sched, fn)
}

// Schedule registers fn with a trigger parsed by ParseSchedule.
func (s *Scheduler) Schedule(id, spec string, fn JobFunc) error {
	kind, sched, err := ParseSchedule(spec)
	if err != nil {
		return apperr.Configuration(fmt.Errorf("job %q: %w", id, err))
	}
	return s.add(id, kind, sched, fn)
}

func (s *Scheduler) add(id string, kind Kind, sched cron.Schedule, fn JobFunc) error {
	if id == "" || fn == nil {
		return apperr.Configf("job %q: id and callback required", id)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return ErrStopped
	}
	if _, dup := s.byID[id]; dup {
		return apperr.Configuration(fmt.Errorf("%w: %s", ErrDuplicateJob, id))
	}
	j := &job{id: id, kind: kind, schedule: sched, fn: fn}
	j.info = JobInfo{ID: id, Kind: kind, State: StatePending}
	s.jobs = append(s.jobs, j)
	s.byID[id] = j
	if s.sup != nil {
		s.launchLocked(j)
	}
	return nil
}

// Start launches every registered job. Jobs added later start immediately.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return ErrStopped
	}
	if s.sup != nil {
		return ErrAlreadyStarted
	}
	s.sup = supervisor.New(ctx, supervisor.WithLogger(s.log))
	for _, j := range s.jobs {
		s.launchLocked(j)
	}
	s.log.Info("scheduler started", logx.Int("jobs", len(s.jobs)))
	return nil
}

func (s *Scheduler) launchLocked(j *job) {
	j.info.State = StateIdle
	s.sup.Go0("job."+j.id, func(ctx context.Context) { s.loop(ctx, j) })
}

// StopAll asks every job loop to exit and waits for them, bounded by ctx.
// Once it returns nil no job body is executing.
func (s *Scheduler) StopAll(ctx context.Context) error {
	s.mu.Lock()
	s.stopped = true
	sup := s.sup
	s.mu.Unlock()
	if sup == nil {
		return nil
	}
	err := sup.Stop(ctx)
	s.mu.Lock()
	for _, j := range s.jobs {
		if j.info.State != StateRunning {
			j.info.State = StateStopped
		}
		j.info.NextRun = time.Time{}
	}
	s.mu.Unlock()
	if err != nil {
		return fmt.Errorf("scheduler stop: %w", err)
	}
	s.log.Info("scheduler stopped")
	return nil
}

// loop is sleep-then-run: the stop signal is checked after every sleep and
// before every callback.
func (s *Scheduler) loop(ctx context.Context, j *job) {
	for {
		now := s.clock.Now()
		next := j.schedule.Next(now)
		wait := next.Sub(now)
		if wait < 0 {
			wait = 0
		}
		s.mu.Lock()
		j.info.NextRun = next
		s.mu.Unlock()

		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
		if ctx.Err() != nil {
			return
		}
		s.runOnce(ctx, j)
	}
}

func (s *Scheduler) runOnce(ctx context.Context, j *job) {
	s.mu.Lock()
	j.info.State = StateRunning
	j.info.LastRun = s.clock.Now()
	s.mu.Unlock()

	start := time.Now()
	err := s.call(ctx, j.fn)
	dur := time.Since(start)

	s.mu.Lock()
	j.info.State = StateIdle
	j.info.Runs++
	if err != nil {
		j.info.Failures++
		j.info.LastErr = err.Error()
	}
	s.mu.Unlock()

	done := eventbus.JobDone{Job: j.id, Duration: dur}
	if err != nil {
		done.Err = err.Error()
		s.log.Error("job failed", logx.String("job", j.id), logx.Duration("dur", dur), logx.Err(err))
	} else {
		s.log.Debug("job ok", logx.String("job", j.id), logx.Duration("dur", dur))
	}
	s.bus.Publish(eventbus.Event{Type: eventbus.TypeJobDone, Data: done})
}

// call runs fn and turns a panic into an error.
func (s *Scheduler) call(ctx context.Context, fn JobFunc) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v\n%s", r, debug.Stack())
		}
	}()
	return fn(ctx)
}

// Snapshot lists jobs in registration order.
func (s *Scheduler) Snapshot() []JobInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]JobInfo, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, j.info)
	}
	return out
}

// RegisterFinalizer adds a shutdown callback. Ids are unique.
func (s *Scheduler) RegisterFinalizer(id string, fn JobFunc) error {
	if id == "" || fn == nil {
		return apperr.Configf("finalizer %q: id and callback required", id)
	}
	s.finMu.Lock()
	defer s.finMu.Unlock()
	if s.finIDs[id] {
		return apperr.Configuration(fmt.Errorf("%w: %s", ErrDuplicateFinalizer, id))
	}
	s.finIDs[id] = true
	s.finalizers = append(s.finalizers, finalizer{id: id, fn: fn})
	return nil
}

// RunFinalizers runs every finalizer once, in registration order. A failing
// finalizer is logged and the rest still run. Calling it again only runs
// finalizers registered since the previous call.
func (s *Scheduler) RunFinalizers(ctx context.Context) {
	s.finMu.Lock()
	pending := make([]finalizer, 0, len(s.finalizers))
	for _, f := range s.finalizers {
		if !s.finRan[f.id] {
			s.finRan[f.id] = true
			pending = append(pending, f)
		}
	}
	s.finMu.Unlock()

	for _, f := range pending {
		start := time.Now()
		if err := s.call(ctx, f.fn); err != nil {
			s.log.Error("finalizer failed", logx.String("finalizer", f.id), logx.Err(err))
			continue
		}
		s.log.Debug("finalizer done", logx.String("finalizer", f.id), logx.Duration("dur", time.Since(start)))
	}
}
