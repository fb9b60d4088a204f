package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/avast/retry-go/v4"

	"github.com/jackzampolin/scribe/internal/metrics"
	"github.com/jackzampolin/scribe/internal/pipeline"
)

// RetryConfig bounds transient stage retries.
type RetryConfig struct {
	MaxAttempts  int           // total attempts including the first (default 3)
	InitialDelay time.Duration // default 2s
	MaxDelay     time.Duration // default 30s
}

func (c RetryConfig) withDefaults() RetryConfig {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.InitialDelay <= 0 {
		c.InitialDelay = 2 * time.Second
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 30 * time.Second
	}
	return c
}

func (c RetryConfig) jitter() time.Duration {
	if j := c.InitialDelay / 2; j > 0 {
		return j
	}
	return time.Millisecond
}

func errNoResult(stage string) error {
	return fmt.Errorf("stage %s returned no result", stage)
}

// execute runs one stage with bounded retry for transient failures. The
// stage sees a private copy of the state, so a failed attempt cannot leak
// into the next one.
func (o *Orchestrator) execute(ctx context.Context, stage pipeline.Stage, st *pipeline.State, estimate float64, logger *slog.Logger) (*pipeline.Result, error) {
	var (
		result  *pipeline.Result
		attempt int
	)

	err := retry.Do(
		func() error {
			attempt++
			start := time.Now()
			res, err := stage.Execute(ctx, st.Clone())
			if err == nil && res == nil {
				err = errNoResult(stage.Name())
			}
			o.recorder.RecordAttempt(ctx, metrics.RecordOpts{
				JobID:        st.Job.ID,
				UserID:       st.Job.UserID,
				Stage:        stage.Name(),
				Attempt:      attempt,
				EstimatedUSD: estimate,
				Duration:     time.Since(start),
			}, res, err)
			if err != nil {
				return err
			}
			result = res
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(uint(o.retry.MaxAttempts)),
		retry.Delay(o.retry.InitialDelay),
		retry.MaxDelay(o.retry.MaxDelay),
		retry.DelayType(retry.CombineDelay(retry.BackOffDelay, retry.RandomDelay)),
		retry.MaxJitter(o.retry.jitter()),
		retry.RetryIf(pipeline.IsTransient),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			logger.Warn("transient stage failure, retrying",
				"stage", stage.Name(), "attempt", n+1, "max_attempts", o.retry.MaxAttempts, "error", err)
		}),
	)
	if err != nil {
		return nil, err
	}
	return result, nil
}
