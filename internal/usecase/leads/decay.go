package leads

import (
	"context"
	"log/slog"
	"time"

	"leadflow/internal/bootstrap/logging"
	"leadflow/internal/domain/engagement"
	"leadflow/internal/errs"
	"leadflow/internal/ports"
)

type DecayResult struct {
	Scanned int
	Decayed int
	Batches int
}

// RunDecay walks every positive-score customer across tenants in batches
// ordered by id. Each batch is its own transaction, so an interrupted run is
// resumed by running again.
//
// A customer records how many decay periods have been applied since its last
// interaction; only the periods not yet applied are charged, which makes
// reruns on the same day no-ops. Writes are guarded by the score that was
// read, so a concurrent score update wins and the customer is picked up on
// the next run.
func (s *Service) RunDecay(ctx context.Context, now time.Time) (DecayResult, error) {
	if err := s.check(ctx); err != nil {
		return DecayResult{}, err
	}
	logCtx := logging.WithComponent(ctx, "usecase.leads.decay")
	now = now.UTC()

	var (
		result DecayResult
		cursor string
	)
	for {
		if err := ctx.Err(); err != nil {
			return result, errs.Wrap(err, "decay interrupted")
		}

		var batch []ports.Customer
		decayed := 0
		if err := s.uow.WithSystemTx(ctx, func(txCtx context.Context) error {
			var err error
			batch, err = s.customers.ListDecayCandidates(txCtx, cursor, s.decayBatchSize)
			if err != nil {
				return err
			}
			for _, c := range batch {
				if c.LastInteractionAt == nil {
					continue
				}
				total := engagement.DecayPeriods(*c.LastInteractionAt, now)
				pending := total - c.DecayPeriodsApplied
				if pending <= 0 {
					continue
				}
				next := engagement.ApplyDecayPeriods(c.TotalLeadScore, pending)
				updated, err := s.customers.ApplyDecay(txCtx, c.ID, c.TotalLeadScore, next, total)
				if err != nil {
					return err
				}
				if updated {
					decayed++
				}
			}
			return nil
		}); err != nil {
			return result, errs.Wrapf(err, "decay batch after %q", cursor)
		}

		if len(batch) == 0 {
			break
		}
		result.Batches++
		result.Scanned += len(batch)
		result.Decayed += decayed
		if len(batch) < s.decayBatchSize {
			break
		}
		cursor = batch[len(batch)-1].ID
	}

	logging.Info(logCtx, "decay pass finished",
		slog.Int("scanned", result.Scanned),
		slog.Int("decayed", result.Decayed),
		slog.Int("batches", result.Batches),
	)
	return result, nil
}
