package provider

import (
	"context"
	"errors"
	"fmt"
	"time"

	"scenegen/internal/domain"
	"scenegen/internal/infra"
)

// StatusQuerier performs one status query for a task.
type StatusQuerier interface {
	Status(ctx context.Context, target Target, handle domain.TaskHandle, token domain.AuthToken) (domain.TaskStatus, error)
}

// Poller drives a task to a terminal state under an attempt budget.
type Poller struct {
	logger *infra.Logger
	sleep  func(ctx context.Context, d time.Duration) error
}

// NewPoller returns a Poller that sleeps on a timer and honours ctx.
func NewPoller(logger *infra.Logger) *Poller {
	return &Poller{logger: infra.LoggerOrDiscard(logger), sleep: sleepContext}
}

// PollUntilTerminal queries the task at most maxAttempts times, waiting delay
// between attempts. It returns the artifact URLs in provider order, a
// *TaskFailedError, domain.ErrTimedOut once the budget is spent, or the
// *ClassifiedError that stopped polling. Transport failures count as pending.
func (p *Poller) PollUntilTerminal(
	ctx context.Context,
	q StatusQuerier,
	target Target,
	handle domain.TaskHandle,
	token domain.AuthToken,
	maxAttempts int,
	delay time.Duration,
) ([]string, error) {
	if maxAttempts <= 0 {
		return nil, fmt.Errorf("provider: poll: maxAttempts must be positive, got %d", maxAttempts)
	}
	log := p.logger.With().Str("task_id", handle.ID).Logger()

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		status, err := q.Status(ctx, target, handle, token)
		switch {
		case ctx.Err() != nil:
			return nil, ctx.Err()
		case err != nil:
			var classified *ClassifiedError
			if errors.As(err, &classified) {
				return nil, err
			}
			log.Warn().Err(err).Int("attempt", attempt).Msg("provider: status query failed, treating as pending")
		case status.State == domain.TaskSucceeded:
			log.Info().Int("attempt", attempt).Int("artifacts", len(status.Artifacts)).Msg("provider: task succeeded")
			return status.Artifacts, nil
		case status.State == domain.TaskFailed:
			log.Warn().Int("attempt", attempt).Str("reason", status.Message).Msg("provider: task failed")
			return nil, &TaskFailedError{TaskID: handle.ID, Message: status.Message}
		default:
			log.Debug().Int("attempt", attempt).Msg("provider: task pending")
		}

		if attempt == maxAttempts {
			break
		}
		if err := p.sleep(ctx, delay); err != nil {
			return nil, err
		}
	}

	log.Warn().Int("attempts", maxAttempts).Dur("delay", delay).Msg("provider: poll budget exhausted")
	return nil, fmt.Errorf("provider: task %s: %w", handle.ID, domain.ErrTimedOut)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
