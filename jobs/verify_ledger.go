package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/hibiken/asynq"

	"github.com/beanhouse/backoffice/internal/inventory"
	jobmetrics "github.com/beanhouse/backoffice/internal/jobs"
)

// LedgerVerifier compares counters with the ledger.
type LedgerVerifier interface {
	VerifyLedger(ctx context.Context) ([]inventory.Drift, error)
}

// VerifyLedgerJob runs the ledger check on a schedule and publishes the
// drift count.
type VerifyLedgerJob struct {
	Verifier LedgerVerifier
	Logger   *slog.Logger
	Metrics  *jobmetrics.Metrics
}

// Handle processes TaskVerifyLedger tasks.
func (j *VerifyLedgerJob) Handle(ctx context.Context, t *asynq.Task) (err error) {
	if j == nil || j.Verifier == nil {
		return errors.New("verify ledger: handler not configured")
	}
	var payload VerifyLedgerPayload
	if len(t.Payload()) > 0 {
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return asynq.SkipRetry
		}
	}
	tracker := j.Metrics.Track(TaskVerifyLedger)
	defer func() { err = tracker.End(err) }()

	logger := j.Logger
	if logger == nil {
		logger = slog.Default()
	}
	drift, err := j.Verifier.VerifyLedger(ctx)
	if err != nil {
		logger.Error("ledger verification failed", slog.Any("error", err))
		return err
	}
	j.Metrics.SetLedgerDrift(len(drift))
	logger.Info("ledger verification completed",
		slog.String("trigger", payload.Trigger),
		slog.Int("drifted_items", len(drift)))
	return nil
}
