// Package sweeper implements the DlData Buffer expiration task (§4.7): a
// periodic sweep that deletes expired buffer rows and, for each row it
// actually removes, emits a synthetic expired result so the correlation is
// closed on the application side that is still waiting for one.
package sweeper

import (
	"context"
	"time"

	"github.com/sylvia-iot/broker-go/internal/broker/model"
	"github.com/sylvia-iot/broker-go/pkg/logger"
)

const defaultPeriod = 60 * time.Second
const defaultBatchSize = 256

// Correlator is the subset of downlink.Handler the sweeper drives: it
// reuses the normal result-correlation emission (data-channel envelopes and
// application dldata-result delivery) so expiry and network-terminal-result
// share one code path. It does not delete the buffer row; the sweeper
// deletes each expired row itself before calling CorrelateExpired.
type Correlator interface {
	CorrelateExpired(ctx context.Context, buf *model.DlDataBuffer)
}

// Sweeper periodically deletes expired DlData Buffer rows.
type Sweeper struct {
	store      model.Store
	correlator Correlator
	period     time.Duration
	batchSize  int
}

func New(store model.Store, correlator Correlator, period time.Duration) *Sweeper {
	if period <= 0 {
		period = defaultPeriod
	}
	return &Sweeper{store: store, correlator: correlator, period: period, batchSize: defaultBatchSize}
}

// Run blocks, sweeping on every tick until ctx is cancelled. Multiple
// processes may run this concurrently: deletes are idempotent (a row
// already removed by a peer's sweep produces no further event), so
// duplicate sweeps across a deployment are tolerated by design (§4.7).
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweepOnce(ctx)
		}
	}
}

func (s *Sweeper) sweepOnce(ctx context.Context) {
	now := time.Now()
	for {
		rows, _, err := s.store.DlDataBuffers().List(ctx, model.ListOptions{
			Limit: s.batchSize,
			Sort:  []model.Sort{{Key: "expires_at", Asc: true}},
		})
		if err != nil {
			logger.L().Error("sweeper failed to list dldata buffers", "error", err)
			return
		}
		expired := make([]*model.DlDataBuffer, 0, len(rows))
		for _, r := range rows {
			if !r.ExpiresAt.After(now) {
				expired = append(expired, r)
			}
		}
		if len(expired) == 0 {
			return
		}
		for _, r := range expired {
			// Delete first so a peer sweep that lists after this point no
			// longer sees the row and emits nothing for it (invariant 5).
			// Delete reports no error for a row that is already gone, so two
			// sweeps that both listed the row before either deleted it each
			// emit a result for it (§4.7's tolerance for duplicate sweeps).
			if err := s.store.DlDataBuffers().Delete(ctx, model.Cond{"data_id": r.DataID}); err != nil {
				logger.L().Error("sweeper failed to delete expired buffer", "data_id", r.DataID, "error", err)
				continue
			}
			s.correlator.CorrelateExpired(ctx, r)
		}
		if len(rows) < s.batchSize {
			return
		}
	}
}
