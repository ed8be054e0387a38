package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"mailflush/internal/eventbus"
	logx "mailflush/pkg/logx"
)

var (
	ErrUnknownJob = errors.New("unknown job")
	ErrJobRunning = errors.New("job already running")
	ErrStopped    = errors.New("scheduler stopped")
)

type Config struct {
	Enabled  bool
	Timezone string // IANA TZ, e.g. "Europe/Rome"
}

// Job is a registered schedule.
type Job func(ctx context.Context) error

type jobDef struct {
	name    string
	spec    ParsedSpec
	timeout time.Duration
	run     Job
	entryID cron.EntryID
	spread  time.Duration

	mu      sync.Mutex
	running bool
	last    RunInfo
}

func (d *jobDef) tryAcquire() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		return false
	}
	d.running = true
	return true
}

func (d *jobDef) finish(info RunInfo) {
	d.mu.Lock()
	d.running = false
	d.last = info
	d.mu.Unlock()
}

// RunInfo describes one finished run.
type RunInfo struct {
	Name     string
	Started  time.Time
	Duration time.Duration
	Err      string
}

type JobInfo struct {
	Name    string
	Spec    string
	Timeout time.Duration
	Running bool
	Next    time.Time
	Prev    time.Time
	Last    RunInfo
	// Spread is the startup delay added to the first interval trigger.
	Spread time.Duration
}

type Service struct {
	mu sync.Mutex

	log logx.Logger
	cfg Config
	loc *time.Location
	bus eventbus.Bus

	parser cron.Parser
	c      *cron.Cron
	jobs   []*jobDef

	// ctx is the parent of every triggered run; cancel stops in-flight jobs on Stop.
	ctx    context.Context
	cancel context.CancelFunc
	// wg counts runs; Add only happens under mu while !stopped.
	wg      sync.WaitGroup
	stopped bool
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg: cfg,
		log: log.With(logx.String("comp", "scheduler")),
		bus: bus,
		// SecondOptional allows both 5-field and 6-field (with seconds) cron specs.
		parser: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}
}

// Add registers or replaces the job called name.
func (s *Service) Add(name, schedule string, timeout time.Duration, run Job) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("name required")
	}
	if run == nil {
		return errors.New("job required")
	}
	ps, err := ParseSchedule(schedule)
	if err != nil {
		return err
	}
	if ps.Kind == SpecCron {
		if _, err := s.parser.Parse(ps.Cron); err != nil {
			return fmt.Errorf("schedule %q: %w", schedule, err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(name)
	d := &jobDef{name: name, spec: ps, timeout: timeout, run: run}
	s.jobs = append(s.jobs, d)
	if s.c != nil {
		if err := s.registerLocked(d); err != nil {
			return err
		}
		args := []logx.Field{logx.String("name", name), logx.String("spec", ps.CronSpec()), logx.Duration("timeout", timeout)}
		if next := s.previewNextRunsLocked(d, 3); next != "" {
			args = append(args, logx.String("next", next))
		}
		s.log.Debug("schedule registered", args...)
	}
	return nil
}

// Remove unschedules name. It reports whether a job was registered.
func (s *Service) Remove(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removeLocked(strings.TrimSpace(name))
}

func (s *Service) removeLocked(name string) bool {
	for i, d := range s.jobs {
		if d.name != name {
			continue
		}
		if s.c != nil && d.entryID != 0 {
			s.c.Remove(d.entryID)
		}
		s.jobs = append(s.jobs[:i], s.jobs[i+1:]...)
		return true
	}
	return false
}

// Start begins triggering. It is a no-op when disabled or already started.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return
	}
	s.stopped = false
	if !s.cfg.Enabled {
		s.log.Info("scheduler disabled; jobs run only on demand")
		return
	}
	s.ctx, s.cancel = context.WithCancel(context.WithoutCancel(ctx))
	s.startLocked()
	s.log.Info("service started", logx.String("tz", s.loc.String()), logx.Int("jobs", len(s.jobs)))
}

func (s *Service) startLocked() {
	s.loc = s.loadLocationLocked()
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(s.loc))
	for _, d := range s.jobs {
		if err := s.registerLocked(d); err != nil {
			s.log.Error("schedule register failed", logx.String("name", d.name), logx.Err(err))
		}
	}
	s.c.Start()
}

// Stop stops triggering, cancels in-flight runs and waits for them until ctx
// is done. Runs requested after Stop fail with ErrStopped until Start.
func (s *Service) Stop(ctx context.Context) {
	start := time.Now()
	s.mu.Lock()
	c := s.c
	cancel := s.cancel
	s.c = nil
	s.stopped = true
	s.mu.Unlock()

	if c != nil {
		s.log.Info("stop requested")
		select {
		case <-c.Stop().Done():
		case <-ctx.Done():
		}
	}
	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.log.Warn("stop timed out waiting for running jobs")
	}
	if c != nil {
		s.log.Info("service stopped", logx.Duration("took", time.Since(start)))
	}
}

// Apply swaps the config; the cron runner is rebuilt when the enabled flag
// or the timezone changes.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	old := s.cfg
	s.cfg = cfg
	if old.Enabled == cfg.Enabled && strings.TrimSpace(old.Timezone) == strings.TrimSpace(cfg.Timezone) {
		return
	}

	if s.c != nil {
		// Running jobs may be waiting on s.mu; do not wait for them here.
		s.c.Stop()
		s.c = nil
		for _, d := range s.jobs {
			d.entryID = 0
		}
	}
	if !cfg.Enabled {
		s.log.Info("scheduler disabled by config")
		return
	}
	if s.ctx == nil {
		s.ctx, s.cancel = context.WithCancel(context.Background())
	}
	s.startLocked()
	s.log.Info("service restarted", logx.String("tz", s.loc.String()), logx.Int("jobs", len(s.jobs)))
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

func (s *Service) registerLocked(d *jobDef) error {
	job := cron.FuncJob(func() { _ = s.trigger(d, "schedule") })

	if d.spec.Kind == SpecInterval {
		sched, jitter := intervalSchedule(d.spec.Every, time.Now().In(s.loc), d.name)
		d.spread = jitter
		d.entryID = s.c.Schedule(sched, job)
		return nil
	}
	eid, err := s.c.AddJob(d.spec.Cron, job)
	if err != nil {
		return err
	}
	d.entryID = eid
	return nil
}

// RunNow runs name synchronously, honouring the same skip-if-running rule as
// scheduled triggers.
func (s *Service) RunNow(ctx context.Context, name string) error {
	s.mu.Lock()
	var d *jobDef
	for _, j := range s.jobs {
		if j.name == name {
			d = j
			break
		}
	}
	s.mu.Unlock()
	if d == nil {
		return fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	return s.execute(ctx, d, "manual")
}

func (s *Service) trigger(d *jobDef, reason string) error {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}
	return s.execute(ctx, d, reason)
}

func (s *Service) execute(ctx context.Context, d *jobDef, reason string) (err error) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return ErrStopped
	}
	s.wg.Add(1)
	s.mu.Unlock()
	defer s.wg.Done()

	if !d.tryAcquire() {
		s.log.Debug("job still running; trigger skipped", logx.String("name", d.name), logx.String("reason", reason))
		s.publish(eventbus.ScheduleSkipped, RunInfo{Name: d.name, Started: time.Now()})
		return ErrJobRunning
	}

	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}

	info := RunInfo{Name: d.name, Started: time.Now()}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			s.log.Error("job panic", logx.String("name", d.name), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
		}
		info.Duration = time.Since(info.Started)
		if err != nil {
			info.Err = err.Error()
		}
		d.finish(info)
		s.publish(eventbus.ScheduleDone, info)
	}()

	return d.run(ctx)
}

func (s *Service) publish(typ string, info RunInfo) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Data: info})
}

// Jobs lists registered jobs with their next trigger times.
func (s *Service) Jobs() []JobInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]JobInfo, 0, len(s.jobs))
	for _, d := range s.jobs {
		d.mu.Lock()
		it := JobInfo{Name: d.name, Spec: d.spec.CronSpec(), Timeout: d.timeout, Running: d.running, Last: d.last, Spread: d.spread}
		d.mu.Unlock()
		if s.c != nil && d.entryID != 0 {
			e := s.c.Entry(d.entryID)
			it.Next, it.Prev = e.Next, e.Prev
		}
		out = append(out, it)
	}
	return out
}

func (s *Service) loadLocationLocked() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone; falling back to Local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}

// previewNextRunsLocked lists upcoming trigger times for debug logs.
func (s *Service) previewNextRunsLocked(d *jobDef, n int) string {
	if !s.log.Enabled(logx.LevelDebug) || s.c == nil || d.entryID == 0 {
		return ""
	}
	sched := s.c.Entry(d.entryID).Schedule
	if sched == nil {
		return ""
	}
	t := time.Now().In(s.loc)
	parts := make([]string, 0, n)
	for i := 0; i < n; i++ {
		t = sched.Next(t)
		if t.IsZero() {
			break
		}
		parts = append(parts, t.Format("2006-01-02 15:04:05"))
	}
	return strings.Join(parts, ", ")
}
