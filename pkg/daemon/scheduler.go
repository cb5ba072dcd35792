package daemon

import (
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

const (
	upcomingLead     = time.Minute // a scheduled run is announced this long before it starts
	preCheckMaxTimes = 30
	preCheckInterval = time.Second * 10
)

var cronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

type NotifyFunc func(data any)

// TaskFunc represents a runnable task.
type TaskFunc func() error

// Scheduler runs Task on a cron schedule. Each run is announced through
// OnUpcoming and gated by PreCheck, which is retried while it fails.
type Scheduler struct {
	OnUpcoming NotifyFunc // called before running the task
	OnError    NotifyFunc // called on task or precheck error
	Task       TaskFunc
	PreCheck   TaskFunc

	mu       sync.Mutex
	schedule cron.Schedule
	nextRun  time.Time
	running  bool
	stopCh   chan struct{}

	// wakeCh makes the loop re-read the schedule.
	wakeCh chan struct{}
}

func NewScheduler(task, preCheck TaskFunc, onUpcoming, onError NotifyFunc) *Scheduler {
	if task == nil {
		panic("task function cannot be nil")
	}

	return &Scheduler{
		OnUpcoming: onUpcoming,
		OnError:    onError,
		Task:       task,
		PreCheck:   preCheck,
		wakeCh:     make(chan struct{}, 1),
	}
}

// Start starts the scheduling loop. It is a no-op if already started.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true
	s.stopCh = make(chan struct{})
	go s.loop(s.stopCh)
}

// Stop stops the scheduling loop. The schedule is kept, so a later Start
// resumes it.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	s.running = false
	close(s.stopCh)
}

// Schedule replaces the schedule with cronExpr.
func (s *Scheduler) Schedule(cronExpr string) error {
	sh, err := cronParser.Parse(cronExpr)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.schedule = sh
	s.nextRun = sh.Next(time.Now())
	s.mu.Unlock()

	s.wake()
	return nil
}

// Unschedule clears the schedule.
func (s *Scheduler) Unschedule() {
	s.mu.Lock()
	s.schedule = nil
	s.nextRun = time.Time{}
	s.mu.Unlock()

	s.wake()
}

// Skip skips the next scheduled run.
func (s *Scheduler) Skip() error {
	s.mu.Lock()
	if s.schedule == nil || s.nextRun.IsZero() {
		s.mu.Unlock()
		return fmt.Errorf("no active schedule to skip")
	}
	s.nextRun = s.schedule.Next(s.nextRun)
	s.mu.Unlock()

	s.wake()
	return nil
}

func (s *Scheduler) Status() (nextRun time.Time, running bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.nextRun, s.running
}

// NextRuns returns the next n run times after from of cronExpr.
func NextRuns(cronExpr string, from time.Time, n int) ([]time.Time, error) {
	sh, err := cronParser.Parse(cronExpr)
	if err != nil {
		return nil, err
	}
	runs := make([]time.Time, 0, n)
	for range n {
		from = sh.Next(from)
		runs = append(runs, from)
	}
	return runs, nil
}

func (s *Scheduler) loop(stopCh <-chan struct{}) {
	logrus.Debug("scheduler started")
	defer logrus.Debug("scheduler stopped")

	var (
		announced time.Time // the run OnUpcoming was last sent for
		attempts  int
		lastErr   string
	)

	for {
		schedule, nextRun := s.snapshot()

		var timerC <-chan time.Time
		var timer *time.Timer
		if schedule != nil && !nextRun.IsZero() {
			var wait time.Duration
			switch {
			case attempts > 0:
				wait = preCheckInterval
			case !announced.Equal(nextRun):
				wait = time.Until(nextRun.Add(-upcomingLead))
			default:
				wait = time.Until(nextRun)
			}
			timer = time.NewTimer(max(wait, 0))
			timerC = timer.C
		}

		select {
		case <-stopCh:
			if timer != nil {
				timer.Stop()
			}
			return
		case <-s.wakeCh:
			if timer != nil {
				timer.Stop()
			}
			attempts, lastErr = 0, ""
			continue
		case <-timerC:
		}

		if !announced.Equal(nextRun) {
			announced = nextRun
			logrus.Debugf("upcoming scheduled task at %s", nextRun.Format(time.DateTime))
			s.sendNotify(nextRun)
			continue
		}

		logrus.Debugf("running scheduled task at %s", nextRun.Format(time.DateTime))

		if s.PreCheck != nil {
			if err := s.PreCheck(); err != nil {
				if err.Error() != lastErr {
					lastErr = err.Error()
					s.sendError(fmt.Errorf("precheck failed: %w", err))
				}

				attempts++
				if attempts <= preCheckMaxTimes {
					logrus.Debugf("precheck failed (%d/%d): %v; retrying in %s", attempts, preCheckMaxTimes, err, preCheckInterval)
					continue
				}

				logrus.Warnf("precheck failed %d times, skipping the run at %s", attempts, nextRun.Format(time.DateTime))
				attempts, lastErr = 0, ""
				s.advanceNextRun(nextRun)
				continue
			}
		}
		attempts, lastErr = 0, ""

		go func() {
			if err := s.Task(); err != nil {
				s.sendError(fmt.Errorf("task failed: %w", err))
			}
		}()
		s.advanceNextRun(nextRun)
	}
}

func (s *Scheduler) snapshot() (cron.Schedule, time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.schedule, s.nextRun
}

// advanceNextRun moves past done unless the schedule changed meanwhile.
func (s *Scheduler) advanceNextRun(done time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.schedule == nil || !s.nextRun.Equal(done) {
		return
	}
	next := s.schedule.Next(done)
	// A run that fired late must not be followed by the runs it overslept.
	if now := time.Now(); next.Before(now) {
		next = s.schedule.Next(now)
	}
	s.nextRun = next
}

func (s *Scheduler) wake() {
	select {
	case s.wakeCh <- struct{}{}:
	default:
	}
}

func (s *Scheduler) sendNotify(runAt time.Time) {
	if s.OnUpcoming == nil {
		return
	}

	go s.OnUpcoming(runAt)
}

func (s *Scheduler) sendError(err error) {
	if s.OnError == nil {
		return
	}

	go s.OnError(err)
}
