// Package schedule fires registered webhooks on cron schedules. Expressions
// are standard 5-field cron evaluated in UTC.
package schedule

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/trellis-labs/trellis/core"
)

const (
	// DefaultTickInterval is how often due schedules are checked.
	DefaultTickInterval = 1 * time.Second

	// DefaultRunTimeout bounds one triggered execution.
	DefaultRunTimeout = 5 * time.Minute
)

// Trigger is the webhook surface the scheduler drives.
type Trigger interface {
	Trigger(ctx context.Context, webhookID string, body any) (*core.Execution, error)
}

// Entry describes one registered schedule.
type Entry struct {
	ID        string    `json:"schedule_id"`
	WebhookID string    `json:"webhook_id"`
	Expr      string    `json:"cron"`
	Input     string    `json:"input,omitempty"`
	NextRun   time.Time `json:"next_run"`
}

// SchedulerConfig configures a Scheduler.
type SchedulerConfig struct {
	Trigger      Trigger
	Logger       *slog.Logger
	TickInterval time.Duration
	RunTimeout   time.Duration
}

// Scheduler polls its entries and fires each one whose next run time has
// passed. Fires run in their own goroutine so a slow execution never delays
// the other schedules.
type Scheduler struct {
	trigger    Trigger
	logger     *slog.Logger
	tick       time.Duration
	runTimeout time.Duration
	now        func() time.Time

	mu      sync.Mutex
	entries map[string]*scheduleEntry

	stop chan struct{}
	done chan struct{}
	wg   sync.WaitGroup
}

type scheduleEntry struct {
	Entry
	schedule cron.Schedule
}

// NewScheduler builds a stopped scheduler; call Start to begin polling.
func NewScheduler(cfg SchedulerConfig) (*Scheduler, error) {
	if cfg.Trigger == nil {
		return nil, fmt.Errorf("schedule: trigger is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = DefaultTickInterval
	}
	if cfg.RunTimeout <= 0 {
		cfg.RunTimeout = DefaultRunTimeout
	}
	return &Scheduler{
		trigger:    cfg.Trigger,
		logger:     cfg.Logger,
		tick:       cfg.TickInterval,
		runTimeout: cfg.RunTimeout,
		now:        time.Now,
		entries:    make(map[string]*scheduleEntry),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}, nil
}

// Add registers a schedule for an already-registered webhook and returns its
// entry with the first fire time filled in.
func (s *Scheduler) Add(webhookID, expr, input string) (Entry, error) {
	schedule, err := ParseExpressionUTC(expr)
	if err != nil {
		return Entry{}, err
	}

	entry := &scheduleEntry{
		Entry: Entry{
			ID:        uuid.NewString(),
			WebhookID: webhookID,
			Expr:      expr,
			Input:     input,
			NextRun:   schedule.Next(s.now().UTC()),
		},
		schedule: schedule,
	}

	s.mu.Lock()
	s.entries[entry.ID] = entry
	s.mu.Unlock()
	return entry.Entry, nil
}

// Remove deletes a schedule. Unknown ids are a no-op.
func (s *Scheduler) Remove(scheduleID string) {
	s.mu.Lock()
	delete(s.entries, scheduleID)
	s.mu.Unlock()
}

// RemoveByWebhook drops every schedule bound to a webhook, for use when the
// webhook itself is unregistered.
func (s *Scheduler) RemoveByWebhook(webhookID string) {
	s.mu.Lock()
	for id, entry := range s.entries {
		if entry.WebhookID == webhookID {
			delete(s.entries, id)
		}
	}
	s.mu.Unlock()
}

// List returns the registered schedules sorted by next run time.
func (s *Scheduler) List() []Entry {
	s.mu.Lock()
	out := make([]Entry, 0, len(s.entries))
	for _, entry := range s.entries {
		out = append(out, entry.Entry)
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].NextRun.Before(out[j].NextRun) })
	return out
}

// Start begins the poll loop.
func (s *Scheduler) Start() {
	go s.loop()
}

// Close stops polling and waits for in-flight fires to settle.
func (s *Scheduler) Close() error {
	select {
	case <-s.stop:
	default:
		close(s.stop)
	}
	<-s.done
	s.wg.Wait()
	return nil
}

func (s *Scheduler) loop() {
	defer close(s.done)
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.fireDue(s.now().UTC())
		}
	}
}

// fireDue triggers every entry whose next run has passed and advances its
// schedule. Missed ticks collapse into one fire.
func (s *Scheduler) fireDue(now time.Time) {
	s.mu.Lock()
	var due []*scheduleEntry
	for _, entry := range s.entries {
		if !entry.NextRun.After(now) {
			due = append(due, entry)
			entry.NextRun = entry.schedule.Next(now)
		}
	}
	s.mu.Unlock()

	for _, entry := range due {
		s.wg.Add(1)
		go s.fire(entry.Entry)
	}
}

func (s *Scheduler) fire(entry Entry) {
	defer s.wg.Done()

	ctx, cancel := context.WithTimeout(context.Background(), s.runTimeout)
	defer cancel()

	exec, err := s.trigger.Trigger(ctx, entry.WebhookID, entry.Input)
	if err != nil {
		s.logger.Warn("scheduled trigger failed",
			"schedule_id", entry.ID,
			"webhook_id", entry.WebhookID,
			"error", err)
		return
	}
	s.logger.Info("scheduled trigger finished",
		"schedule_id", entry.ID,
		"webhook_id", entry.WebhookID,
		"execution_id", exec.ID,
		"status", string(exec.Status))
}
