package pipeline

import (
	"context"

	"golang.org/x/sync/errgroup"

	"scenegen/internal/domain"
	"scenegen/internal/infra"
)

// Outcome is the result of one request in a batch.
type Outcome struct {
	Request domain.GenerationRequest
	Result  *Result
	Err     error
}

// RunBatch runs independent requests concurrently, at most limit at a time.
// A failed request does not cancel the others. Outcomes keep request order.
// Requests for the same entity should be sequenced by the caller, since each
// sequence reads the record its predecessor writes.
func (p *Pipeline) RunBatch(ctx context.Context, env infra.Environment, reqs []domain.GenerationRequest, limit int) []Outcome {
	outcomes := make([]Outcome, len(reqs))
	var g errgroup.Group
	if limit > 0 {
		g.SetLimit(limit)
	}
	for i, req := range reqs {
		g.Go(func() error {
			result, err := p.Run(ctx, env, req)
			outcomes[i] = Outcome{Request: req, Result: result, Err: err}
			if err != nil {
				p.logger.Warn().Err(err).
					Int("entity_id", req.EntityID).
					Int("sequence_id", req.SequenceID).
					Msg("pipeline: batch item failed")
			}
			return nil
		})
	}
	_ = g.Wait()
	return outcomes
}
