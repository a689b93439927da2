package schedule

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/trellis-labs/trellis/core"
)

type recordingTrigger struct {
	mu    sync.Mutex
	calls []string
}

func (t *recordingTrigger) Trigger(_ context.Context, webhookID string, _ any) (*core.Execution, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.calls = append(t.calls, webhookID)
	return &core.Execution{ID: "exec_u_1", Status: core.StatusCompleted}, nil
}

func (t *recordingTrigger) count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.calls)
}

func TestParseExpressionUTC(t *testing.T) {
	tests := []struct {
		name    string
		expr    string
		wantErr string
	}{
		{name: "every minute", expr: "* * * * *"},
		{name: "hourly", expr: "0 * * * *"},
		{name: "empty", expr: "   ", wantErr: "required"},
		{name: "timezone prefix", expr: "CRON_TZ=America/New_York 0 * * * *", wantErr: "UTC-only"},
		{name: "six fields", expr: "0 0 * * * *", wantErr: "invalid cron expression"},
		{name: "garbage", expr: "not a cron", wantErr: "invalid cron expression"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseExpressionUTC(tt.expr)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("ParseExpressionUTC(%q) error = %v", tt.expr, err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("error = %v, want to contain %q", err, tt.wantErr)
			}
		})
	}
}

func TestNextRunUTC(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 30, 45, 0, time.UTC)
	next, err := NextRunUTC("0 * * * *", now)
	if err != nil {
		t.Fatal(err)
	}
	want := time.Date(2026, 3, 1, 11, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Errorf("next = %v, want %v", next, want)
	}
}

func TestScheduler_FireDueAdvancesNextRun(t *testing.T) {
	trigger := &recordingTrigger{}
	s, err := NewScheduler(SchedulerConfig{Trigger: trigger})
	if err != nil {
		t.Fatal(err)
	}

	base := time.Date(2026, 3, 1, 10, 0, 30, 0, time.UTC)
	s.now = func() time.Time { return base }

	entry, err := s.Add("hook-1", "* * * * *", "ping")
	if err != nil {
		t.Fatal(err)
	}
	wantFirst := time.Date(2026, 3, 1, 10, 1, 0, 0, time.UTC)
	if !entry.NextRun.Equal(wantFirst) {
		t.Fatalf("next run = %v, want %v", entry.NextRun, wantFirst)
	}

	// Not due yet.
	s.fireDue(base)
	s.wg.Wait()
	if trigger.count() != 0 {
		t.Fatalf("fired %d times before due", trigger.count())
	}

	// Past the fire time; two missed minutes collapse into one fire.
	late := wantFirst.Add(90 * time.Second)
	s.fireDue(late)
	s.wg.Wait()
	if trigger.count() != 1 {
		t.Fatalf("fired %d times, want 1", trigger.count())
	}

	entries := s.List()
	if len(entries) != 1 {
		t.Fatalf("entries = %d, want 1", len(entries))
	}
	wantNext := time.Date(2026, 3, 1, 10, 3, 0, 0, time.UTC)
	if !entries[0].NextRun.Equal(wantNext) {
		t.Errorf("next run after fire = %v, want %v", entries[0].NextRun, wantNext)
	}
}

func TestScheduler_RemoveByWebhook(t *testing.T) {
	trigger := &recordingTrigger{}
	s, err := NewScheduler(SchedulerConfig{Trigger: trigger})
	if err != nil {
		t.Fatal(err)
	}

	if _, err := s.Add("hook-1", "* * * * *", ""); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Add("hook-1", "0 * * * *", ""); err != nil {
		t.Fatal(err)
	}
	kept, err := s.Add("hook-2", "* * * * *", "")
	if err != nil {
		t.Fatal(err)
	}

	s.RemoveByWebhook("hook-1")

	entries := s.List()
	if len(entries) != 1 || entries[0].ID != kept.ID {
		t.Errorf("entries after removal = %+v", entries)
	}
}

func TestNewScheduler_RequiresTrigger(t *testing.T) {
	if _, err := NewScheduler(SchedulerConfig{}); err == nil {
		t.Fatal("expected error for missing trigger")
	}
}
