package provider

import (
	"context"
	"errors"
	"testing"
	"time"

	"scenegen/internal/domain"
)

type scriptedQuerier struct {
	results []queryResult
	calls   int
}

type queryResult struct {
	status domain.TaskStatus
	err    error
}

func (q *scriptedQuerier) Status(ctx context.Context, target Target, handle domain.TaskHandle, token domain.AuthToken) (domain.TaskStatus, error) {
	i := q.calls
	q.calls++
	if i >= len(q.results) {
		return domain.TaskStatus{State: domain.TaskPending}, nil
	}
	return q.results[i].status, q.results[i].err
}

func newRecordingPoller() (*Poller, *[]time.Duration) {
	var slept []time.Duration
	p := NewPoller(nil)
	p.sleep = func(ctx context.Context, d time.Duration) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		slept = append(slept, d)
		return nil
	}
	return p, &slept
}

var (
	pending   = queryResult{status: domain.TaskStatus{State: domain.TaskPending}}
	succeeded = queryResult{status: domain.TaskStatus{State: domain.TaskSucceeded, Artifacts: []string{"u1", "u2"}}}
)

func TestPollReturnsArtifactsAfterPending(t *testing.T) {
	p, slept := newRecordingPoller()
	q := &scriptedQuerier{results: []queryResult{pending, pending, succeeded}}

	artifacts, err := p.PollUntilTerminal(context.Background(), q, Target{}, domain.TaskHandle{ID: "t"}, testToken, 5, 3*time.Second)
	if err != nil {
		t.Fatalf("PollUntilTerminal error: %v", err)
	}
	if len(artifacts) != 2 || artifacts[0] != "u1" {
		t.Fatalf("unexpected artifacts %v", artifacts)
	}
	if q.calls != 3 || len(*slept) != 2 {
		t.Fatalf("calls=%d sleeps=%d", q.calls, len(*slept))
	}
}

func TestPollTimesOutWithinBudget(t *testing.T) {
	p, slept := newRecordingPoller()
	q := &scriptedQuerier{}

	_, err := p.PollUntilTerminal(context.Background(), q, Target{}, domain.TaskHandle{ID: "t"}, testToken, 5, 3*time.Second)
	if !errors.Is(err, domain.ErrTimedOut) {
		t.Fatalf("expected ErrTimedOut, got %v", err)
	}
	if q.calls != 5 {
		t.Fatalf("expected 5 queries, got %d", q.calls)
	}
	var total time.Duration
	for _, d := range *slept {
		if d != 3*time.Second {
			t.Fatalf("unexpected sleep %s", d)
		}
		total += d
	}
	if total > 15*time.Second {
		t.Fatalf("slept %s, budget is 15s", total)
	}
}

func TestPollStopsOnProviderFailure(t *testing.T) {
	p, _ := newRecordingPoller()
	q := &scriptedQuerier{results: []queryResult{
		pending,
		{status: domain.TaskStatus{State: domain.TaskFailed, Message: "nsfw"}},
		succeeded,
	}}

	_, err := p.PollUntilTerminal(context.Background(), q, Target{}, domain.TaskHandle{ID: "t"}, testToken, 5, time.Second)
	var failed *TaskFailedError
	if !errors.As(err, &failed) || failed.Message != "nsfw" {
		t.Fatalf("expected TaskFailedError, got %v", err)
	}
	if errors.Is(err, domain.ErrTimedOut) {
		t.Fatalf("provider failure must be distinct from timeout")
	}
	if q.calls != 2 {
		t.Fatalf("expected no queries after failure, got %d", q.calls)
	}
}

func TestPollTransportErrorCountsAsPending(t *testing.T) {
	p, _ := newRecordingPoller()
	q := &scriptedQuerier{results: []queryResult{{err: errors.New("connection reset")}, succeeded}}

	artifacts, err := p.PollUntilTerminal(context.Background(), q, Target{}, domain.TaskHandle{ID: "t"}, testToken, 3, time.Second)
	if err != nil || len(artifacts) != 2 {
		t.Fatalf("expected success after transport error, got %v %v", artifacts, err)
	}
}

func TestPollClassifiedErrorStopsImmediately(t *testing.T) {
	p, _ := newRecordingPoller()
	q := &scriptedQuerier{results: []queryResult{{err: &ClassifiedError{Class: ClassUnauthorized, Code: 1004}}}}

	_, err := p.PollUntilTerminal(context.Background(), q, Target{}, domain.TaskHandle{ID: "t"}, testToken, 5, time.Second)
	var classified *ClassifiedError
	if !errors.As(err, &classified) || classified.Class != ClassUnauthorized {
		t.Fatalf("expected unauthorized, got %v", err)
	}
	if q.calls != 1 {
		t.Fatalf("expected a single query, got %d", q.calls)
	}
}

func TestPollHonoursCancellation(t *testing.T) {
	p := NewPoller(nil)
	q := &scriptedQuerier{}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := p.PollUntilTerminal(ctx, q, Target{}, domain.TaskHandle{ID: "t"}, testToken, 50, time.Hour)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if time.Since(start) > 5*time.Second {
		t.Fatalf("cancellation was not prompt")
	}
}

func TestPollRejectsNonPositiveBudget(t *testing.T) {
	p, _ := newRecordingPoller()
	if _, err := p.PollUntilTerminal(context.Background(), &scriptedQuerier{}, Target{}, domain.TaskHandle{}, testToken, 0, time.Second); err == nil {
		t.Fatalf("expected error for zero attempts")
	}
}
