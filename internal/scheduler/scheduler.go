// Package scheduler runs named periodic tasks, retrying each tick with exponential backoff.
package scheduler

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"bundler-go/internal/metrics"
)

// Task is one periodic unit of work. Run must honour ctx.
type Task struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) error
}

// Retry defines how a failing tick is retried.
type Retry struct {
	MaxAttempts   int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
}

// DefaultRetry returns sensible retry defaults.
func DefaultRetry() Retry {
	return Retry{
		MaxAttempts:   3,
		InitialDelay:  1 * time.Second,
		MaxDelay:      30 * time.Second,
		BackoffFactor: 2.0,
	}
}

// Scheduler owns a set of tasks and their tickers.
type Scheduler struct {
	mu     sync.Mutex
	tasks  []Task
	retry  Retry
	log    zerolog.Logger
	sleep  func(ctx context.Context, d time.Duration) error
	jitter func() float64
}

func New(retry Retry, log zerolog.Logger) *Scheduler {
	if retry.MaxAttempts <= 0 {
		retry.MaxAttempts = 1
	}
	if retry.BackoffFactor <= 0 {
		retry.BackoffFactor = 2.0
	}
	return &Scheduler{retry: retry, log: log, sleep: sleepCtx, jitter: rand.Float64}
}

// Add registers task. Tasks with a non-positive interval are rejected.
func (s *Scheduler) Add(task Task) error {
	if task.Interval <= 0 {
		return fmt.Errorf("task %q: interval must be positive", task.Name)
	}
	if task.Run == nil {
		return fmt.Errorf("task %q: no run func", task.Name)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks = append(s.tasks, task)
	return nil
}

// Tasks lists registered task names in registration order.
func (s *Scheduler) Tasks() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, t.Name)
	}
	return out
}

// Run ticks every task on its interval until ctx is done, then waits for in-flight ticks.
func (s *Scheduler) Run(ctx context.Context) {
	s.mu.Lock()
	tasks := append([]Task(nil), s.tasks...)
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, task := range tasks {
		wg.Add(1)
		go func(task Task) {
			defer wg.Done()
			ticker := time.NewTicker(task.Interval)
			defer ticker.Stop()
			s.log.Info().Str("task", task.Name).Dur("interval", task.Interval).Msg("task scheduled")
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					_ = s.tick(ctx, task)
				}
			}
		}(task)
	}
	wg.Wait()
}

// RunOnce runs the named task immediately with retries.
func (s *Scheduler) RunOnce(ctx context.Context, name string) error {
	s.mu.Lock()
	var (
		task  Task
		found bool
	)
	for _, t := range s.tasks {
		if t.Name == name {
			task, found = t, true
			break
		}
	}
	s.mu.Unlock()
	if !found {
		return fmt.Errorf("unknown task %q", name)
	}
	return s.tick(ctx, task)
}

func (s *Scheduler) tick(ctx context.Context, task Task) error {
	var err error
	for attempt := 0; attempt < s.retry.MaxAttempts; attempt++ {
		if err = task.Run(ctx); err == nil {
			metrics.TickRuns.WithLabelValues(task.Name, "ok").Inc()
			return nil
		}
		if attempt+1 >= s.retry.MaxAttempts {
			break
		}
		delay := s.delay(attempt)
		s.log.Warn().Err(err).Str("task", task.Name).Int("attempt", attempt+1).
			Int("max_attempts", s.retry.MaxAttempts).Dur("delay", delay).Msg("task failed, retrying")
		if serr := s.sleep(ctx, delay); serr != nil {
			err = serr
			break
		}
	}
	metrics.TickRuns.WithLabelValues(task.Name, "error").Inc()
	s.log.Error().Err(err).Str("task", task.Name).Msg("task failed")
	return err
}

// delay is exponential backoff with ±25% jitter, capped at MaxDelay.
func (s *Scheduler) delay(attempt int) time.Duration {
	d := float64(s.retry.InitialDelay) * math.Pow(s.retry.BackoffFactor, float64(attempt))
	d += d * 0.25 * (2*s.jitter() - 1)
	if s.retry.MaxDelay > 0 && d > float64(s.retry.MaxDelay) {
		d = float64(s.retry.MaxDelay)
	}
	return time.Duration(d)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
