package scheduler

import (
	"context"
	"errors"
	"testing"

	"github.com/riverqueue/river"
	"github.com/router-for-me/CLIProxyAPICredits/internal/config"
)

type fakeResetter struct {
	results []int
	err     error
	calls   int
	limits  []int
}

func (f *fakeResetter) ResetDuePeriods(_ context.Context, limit int) (int, error) {
	f.limits = append(f.limits, limit)
	f.calls++
	if f.calls > len(f.results) {
		return 0, f.err
	}
	return f.results[f.calls-1], nil
}

func TestPeriodResetWorker_DrainsFullBatches(t *testing.T) {
	resetter := &fakeResetter{results: []int{10, 10, 3}}
	worker := NewPeriodResetWorker(resetter)

	if err := worker.Work(context.Background(), &river.Job[PeriodResetArgs]{Args: PeriodResetArgs{BatchSize: 10}}); err != nil {
		t.Fatalf("work: %v", err)
	}
	if resetter.calls != 3 {
		t.Fatalf("expected 3 batches, got %d", resetter.calls)
	}
	for _, limit := range resetter.limits {
		if limit != 10 {
			t.Fatalf("expected batch size 10, got %d", limit)
		}
	}
}

func TestPeriodResetWorker_DefaultBatchAndErrors(t *testing.T) {
	resetter := &fakeResetter{err: errors.New("boom")}
	worker := NewPeriodResetWorker(resetter)

	err := worker.Work(context.Background(), &river.Job[PeriodResetArgs]{Args: PeriodResetArgs{}})
	if err == nil {
		t.Fatalf("expected error to surface for retry")
	}
	if len(resetter.limits) != 1 || resetter.limits[0] != 100 {
		t.Fatalf("expected default batch of 100, got %v", resetter.limits)
	}
}

func TestPeriodResetArgsKind(t *testing.T) {
	if got := (PeriodResetArgs{}).Kind(); got != "credit_period_reset" {
		t.Fatalf("unexpected kind %q", got)
	}
}

func TestNew_RequiresPoolAndResetter(t *testing.T) {
	if _, err := New(nil, &fakeResetter{}, config.SchedulerConfig{}); err == nil {
		t.Fatalf("expected error for nil pool")
	}
}
