package backfill

import (
	"context"
	"errors"
	"fmt"
	"time"

	"feedhub/internal/gateway/exchange"
	"feedhub/internal/logger"
	"feedhub/internal/market"
	"feedhub/internal/pipeline"

	"github.com/jpillora/backoff"
)

// progress survives retries of one job.
type progress struct {
	synced   int64
	rejected int64
	pages    int
	last     time.Time
}

// Sync runs one job to a terminal status: SUCCESS, PARTIAL when some fetched
// candles were rejected, or FAILED once retries are exhausted or the error
// is not retryable.
func (o *Orchestrator) Sync(ctx context.Context, cfg market.MarketDataConfig, log market.SyncLog) (market.SyncLog, error) {
	log.Status = market.SyncRunning
	if err := o.deps.SyncLogs.UpdateSyncLog(ctx, log); err != nil {
		logger.Warnf("[backfill] sync log %s running: %v", log.ID, err)
	}
	logger.Infof("[backfill] %s start log=%s", cfg, log.ID)

	retry := &backoff.Backoff{Min: o.opts.RetryBase, Max: o.opts.RetryCap, Factor: 2}
	var (
		prog progress
		err  error
	)
	for attempt := 0; ; attempt++ {
		err = o.syncOnce(ctx, cfg, &prog)
		if err == nil {
			break
		}
		if ctx.Err() != nil || !market.IsRetryable(err) || attempt >= o.opts.MaxRetries {
			break
		}
		delay := retry.Duration()
		logger.Warnf("[backfill] %s attempt=%d failed, retry in %s: %v", cfg, attempt+1, delay, err)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
		case <-timer.C:
		}
		if ctx.Err() != nil {
			err = ctx.Err()
			break
		}
		if fresh, ok := o.deps.Configs.Get(cfg.ID); ok {
			cfg = fresh
		}
	}

	if err != nil {
		if ctx.Err() != nil {
			// Cancel 传入的原因优先于 context.Canceled
			err = context.Cause(ctx)
		}
		logger.Errorf("[backfill] %s FAILED synced=%d: %v", cfg, prog.synced, err)
		return o.finish(log, prog.synced, market.SyncFailed, err), err
	}
	status := market.SyncSuccess
	var note error
	if prog.rejected > 0 {
		status = market.SyncPartial
		note = fmt.Errorf("%d candles rejected", prog.rejected)
	}
	logger.Infof("[backfill] %s %s synced=%d rejected=%d pages=%d", cfg, status, prog.synced, prog.rejected, prog.pages)
	return o.finish(log, prog.synced, status, note), nil
}

// syncOnce pages from the resume point to the present.
func (o *Orchestrator) syncOnce(ctx context.Context, cfg market.MarketDataConfig, prog *progress) error {
	tf, err := market.ParseTimeframe(cfg.Timeframe)
	if err != nil {
		return &market.ConfigValidationError{Field: "timeframe", Reason: err.Error()}
	}
	conn, err := o.deps.Connectors.For(ctx, cfg)
	if err != nil {
		return err
	}
	endpoint := conn.HistoricalEndpoint()
	since := o.resumeFrom(cfg, tf, prog)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if since.After(o.nowFn()) {
			return nil
		}
		if o.deps.Limiter != nil {
			if err := o.deps.Limiter.Wait(ctx, cfg.AccountName(), endpoint.Path, endpoint.Weight); err != nil {
				return err
			}
		}
		fetchCtx, cancel := context.WithTimeout(ctx, o.opts.FetchTimeout)
		page, err := conn.FetchHistorical(fetchCtx, exchange.HistoricalRequest{
			Symbol:    cfg.Instrument,
			Timeframe: tf.Key,
			Since:     since,
			Limit:     o.opts.PageLimit,
		})
		cancel()
		if err != nil {
			return err
		}
		if len(page) == 0 {
			return nil
		}

		last, err := o.writePage(ctx, cfg, page, prog)
		if err != nil {
			return err
		}
		prog.pages++
		if !last.After(prog.last) {
			// the venue did not move forward; stop instead of looping
			return nil
		}
		prog.last = last
		if _, err := o.deps.Configs.MarkSynced(ctx, cfg.ID, last); err != nil {
			return fmt.Errorf("mark synced: %w", err)
		}
		since = last.Add(tf.Duration)
	}
}

// resumeFrom is one bar past last_sync_at, or the default lookback.
func (o *Orchestrator) resumeFrom(cfg market.MarketDataConfig, tf market.Timeframe, prog *progress) time.Time {
	switch {
	case !prog.last.IsZero():
		return prog.last.Add(tf.Duration)
	case cfg.LastSyncAt != nil:
		return cfg.LastSyncAt.UTC().Add(tf.Duration)
	default:
		return tf.AlignDown(o.nowFn().Add(-o.opts.DefaultLookback))
	}
}

// writePage runs each candle through the pipeline and returns the newest
// open time in the page. Rejected candles are counted, not fatal.
func (o *Orchestrator) writePage(ctx context.Context, cfg market.MarketDataConfig, page []exchange.RawCandle, prog *progress) (time.Time, error) {
	var last time.Time
	now := o.nowFn()
	for _, raw := range page {
		if raw.OpenTime.After(last) {
			last = raw.OpenTime
		}
		env := pipeline.NewEnvelope(cfg, market.DataTypeOHLCV, raw.Payload, now)
		err := o.deps.Pipeline.Run(ctx, env)
		if err == nil {
			if env.Inserted() {
				prog.synced++
			}
			if rec := env.Record(); rec != nil && rec.At().After(last) {
				last = rec.At()
			}
			continue
		}
		var (
			rejection *market.Rejection
			badFormat *market.InvalidDataFormatError
		)
		if errors.As(err, &rejection) || errors.As(err, &badFormat) {
			prog.rejected++
			logger.Warnf("[backfill] %s dropped candle open=%s: %v", cfg, raw.OpenTime.Format(time.RFC3339), err)
			continue
		}
		return last, err
	}
	return last, nil
}
