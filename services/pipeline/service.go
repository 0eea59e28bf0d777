package pipeline

import (
	"context"
	"encoding/json"
	"time"

	"affiliate-reconcile/pkg/errutil"
	"affiliate-reconcile/pkg/task"
	"affiliate-reconcile/pkg/taskname"
	"affiliate-reconcile/services/anomaly"
	"affiliate-reconcile/services/conversion"
	"affiliate-reconcile/services/extractor"
	"affiliate-reconcile/services/identity"
	"affiliate-reconcile/services/policy"
	"affiliate-reconcile/services/reconciler"

	"github.com/bwmarrin/snowflake"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	runLockKey = "reconcile:run:lock"
	runLockTTL = 2 * time.Hour
)

// Service wires the whole batch: extract, resolve, compute, upsert,
// reconcile, detect. Stages run sequentially; per-record errors accumulate
// into the summary and only systemic failures abort.
type Service struct {
	node *snowflake.Node

	extractor   *extractor.Service
	identity    *identity.Service
	engine      *policy.Engine
	conversions *conversion.Service
	reconciler  *reconciler.Service
	anomalies   *anomaly.Service
	enqueuer    task.Enqueuer
	redis       *redis.Client
}

type ServiceParams struct {
	fx.In

	Node        *snowflake.Node
	Extractor   *extractor.Service
	Identity    *identity.Service
	Engine      *policy.Engine
	Conversions *conversion.Service
	Reconciler  *reconciler.Service
	Anomalies   *anomaly.Service
	Enqueuer    task.Enqueuer `optional:"true"`
	Redis       *redis.Client `optional:"true"`
}

func NewService(p ServiceParams) *Service {
	return &Service{
		node:        p.Node,
		extractor:   p.Extractor,
		identity:    p.Identity,
		engine:      p.Engine,
		conversions: p.Conversions,
		reconciler:  p.Reconciler,
		anomalies:   p.Anomalies,
		enqueuer:    p.Enqueuer,
		redis:       p.Redis,
	}
}

// Run executes one full pipeline pass. The summary is always returned, also
// when err != nil, so the caller can render what did happen before the run
// stopped.
func (s *Service) Run(ctx context.Context, opts Options) (*RunSummary, error) {
	span := trace.SpanFromContext(ctx)
	defer span.End()

	if opts.Mode == "" {
		opts.Mode = ModeReportOnly
	}

	summary := &RunSummary{
		BatchID:   s.node.Generate().String(),
		Mode:      opts.Mode,
		StartedAt: time.Now(),
	}
	defer func() { summary.FinishedAt = time.Now() }()

	zapLog := zap.L().With(
		zap.String("batch_id", summary.BatchID),
		zap.String("mode", string(opts.Mode)),
	)
	zapLog.Info("pipeline run started")

	// Two concurrent runs would race each other's upserts; re-running after
	// either finishes is always safe, so a lock rather than a queue.
	if s.redis != nil {
		ok, err := s.redis.SetNX(ctx, runLockKey, summary.BatchID, runLockTTL).Result()
		if err != nil {
			summary.Err = err.Error()
			return summary, err
		}
		if !ok {
			err := errutil.Conflict("another reconciliation run is in progress", nil)
			summary.Err = err.Error()
			return summary, err
		}
		defer s.redis.Del(context.WithoutCancel(ctx), runLockKey)
	}

	snapshot, err := s.identity.Snapshot(ctx)
	if err != nil {
		summary.Err = err.Error()
		return summary, err
	}

	pageFailures, err := s.extractor.FetchOrders(ctx, func(page int, orders []extractor.RawOrder) error {
		s.processPage(ctx, snapshot, orders, opts, summary)
		return nil
	})
	summary.PageFailures = pageFailures
	if err != nil {
		summary.Err = err.Error()
		return summary, err
	}

	if err := s.reconcile(ctx, opts, summary); err != nil {
		summary.Err = err.Error()
		return summary, err
	}

	findings, err := s.anomalies.Scan(ctx)
	if err != nil {
		summary.Err = err.Error()
		return summary, err
	}
	summary.Anomalies = findings

	// Corrections are never applied in the pass that found them. In
	// apply-fixes mode they go to the worker as a separate task; the
	// operator's mode choice is the confirmation.
	if opts.Mode == ModeApplyFixes && len(findings) > 0 && s.enqueuer != nil {
		b, merr := json.Marshal(anomaly.ApplyPayload{Findings: findings})
		if merr == nil {
			if _, qerr := s.enqueuer.Enqueue(asynq.NewTask(taskname.AnomalyApply, b)); qerr != nil {
				zapLog.Warn("failed to enqueue anomaly corrections", zap.Error(qerr))
			}
		}
	}

	zapLog.Info("pipeline run finished",
		zap.Int("orders_fetched", summary.OrdersFetched),
		zap.Int("orders_matched", summary.OrdersMatched),
		zap.Int("unmatched", summary.Unmatched),
		zap.Int("conversions_created", summary.ConvCreated),
		zap.Int("conversions_updated", summary.ConvUpdated),
		zap.Int("anomalies", len(summary.Anomalies)),
	)

	return summary, nil
}

func (s *Service) processPage(ctx context.Context, snapshot *identity.Snapshot, orders []extractor.RawOrder, opts Options, summary *RunSummary) {
	for _, order := range orders {
		summary.OrdersFetched++

		if !withinRange(order.CreatedAt, opts.From, opts.To) {
			summary.skip(order.OrderID, SkipFiltered)
			continue
		}

		res := snapshot.Resolve(order)
		if !res.Matched {
			summary.Unmatched++
			summary.skip(order.OrderID, SkipUnmatchedBuyer)
			continue
		}
		summary.OrdersMatched++

		txn, outcome, err := s.conversions.EnsureTransaction(ctx, order, res.BuyerID, summary.BatchID, s.engine.Version())
		if err != nil {
			zap.L().Warn("transaction write failed",
				zap.Int64("order_id", order.OrderID), zap.Error(err))
			summary.skip(order.OrderID, SkipWriteFailed)
			continue
		}
		switch outcome {
		case conversion.OutcomeCreated:
			summary.TxnCreated++
		case conversion.OutcomeUpdated:
			summary.TxnUpdated++
		}

		// Commission is only owed on completed sales.
		if txn.Status != conversion.TxnSuccess {
			summary.skip(order.OrderID, SkipNotCompleted)
			continue
		}

		if res.AffiliateID == "" {
			if order.AffiliateID != 0 {
				summary.skip(order.OrderID, SkipNoAffiliate)
			}
			continue
		}

		if opts.AffiliateID != "" && res.AffiliateID != opts.AffiliateID {
			summary.skip(order.OrderID, SkipFiltered)
			continue
		}

		commission := s.engine.Compute(order.ProductID, order.GrossAmount)
		if commission.Amount <= 0 {
			summary.skip(order.OrderID, SkipZeroCommission)
			continue
		}
		if policy.Violates(commission.Amount, order.GrossAmount) {
			// Routed through the anomaly path instead of being written.
			summary.skip(order.OrderID, SkipPolicyViolation)
			continue
		}

		_, convOutcome, err := s.conversions.Upsert(ctx, txn, res.AffiliateID, commission)
		if err != nil {
			zap.L().Warn("conversion write failed",
				zap.Int64("order_id", order.OrderID), zap.Error(err))
			summary.skip(order.OrderID, SkipWriteFailed)
			continue
		}
		switch convOutcome {
		case conversion.OutcomeCreated:
			summary.ConvCreated++
			summary.TotalCommission += commission.Amount
		case conversion.OutcomeUpdated:
			summary.ConvUpdated++
			summary.TotalCommission += commission.Amount
		case conversion.OutcomeUnchanged:
			summary.TotalCommission += commission.Amount
		}
	}
}

func (s *Service) reconcile(ctx context.Context, opts Options, summary *RunSummary) error {
	fix := opts.Mode == ModeApplyFixes

	if opts.AffiliateID != "" {
		res, err := s.reconciler.Reconcile(ctx, opts.AffiliateID, fix)
		if err != nil {
			return err
		}
		if res.State != reconciler.StateConsistent {
			summary.Drifts = append(summary.Drifts, res)
		}
		return nil
	}

	results, err := s.reconciler.ReconcileAll(ctx, fix)
	if err != nil {
		return err
	}
	for _, res := range results {
		if res.State != reconciler.StateConsistent {
			summary.Drifts = append(summary.Drifts, res)
		}
	}
	return nil
}

func (summary *RunSummary) skip(orderID int64, reason string) {
	summary.Skipped++
	summary.SkipRecords = append(summary.SkipRecords, SkipRecord{OrderID: orderID, Reason: reason})
}

func withinRange(t, from, to time.Time) bool {
	if !from.IsZero() && t.Before(from) {
		return false
	}
	if !to.IsZero() && !t.Before(to) {
		return false
	}
	return true
}
