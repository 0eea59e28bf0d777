package reconciler

import (
	"context"
	"sync"
	"time"

	"affiliate-reconcile/pkg/config"
	"affiliate-reconcile/pkg/db/option"
	"affiliate-reconcile/pkg/repository"
	"affiliate-reconcile/services/conversion"
	"affiliate-reconcile/services/identity"

	"github.com/bwmarrin/snowflake"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

type Service struct {
	db   *gorm.DB
	node *snowflake.Node
	cfg  *config.Config

	profiles repository.Repository[identity.AffiliateProfile]
	wallets  repository.Repository[Wallet]
	runs     repository.Repository[ReconcileRun]
}

type ServiceParams struct {
	fx.In
	DB     *gorm.DB
	Node   *snowflake.Node
	Config *config.Config
}

func NewService(p ServiceParams) *Service {
	return &Service{
		db:       p.DB,
		node:     p.Node,
		cfg:      p.Config,
		profiles: repository.ProvideStore[identity.AffiliateProfile](p.DB),
		wallets:  repository.ProvideStore[Wallet](p.DB),
		runs:     repository.ProvideStore[ReconcileRun](p.DB),
	}
}

// Reconcile sums conversion amounts for one affiliate and compares against
// the profile's cached totals and the wallet balance. Pure aggregation over
// the conversions table: re-running against the same set always converges to
// the same computed total. Fix mode rewrites the caches to the computed
// values; report-only never writes anything besides the run audit row.
func (s *Service) Reconcile(ctx context.Context, affiliateID string, fix bool) (*Result, error) {
	span := trace.SpanFromContext(ctx)
	defer span.End()

	mode := "report-only"
	if fix {
		mode = "apply-fixes"
	}

	run := &ReconcileRun{
		ID:          s.node.Generate().String(),
		AffiliateID: affiliateID,
		Mode:        mode,
		State:       StatePending,
	}
	if err := s.runs.Create(ctx, run); err != nil {
		return nil, err
	}

	finish := func(state RunState, res *Result) error {
		now := time.Now()
		updates := map[string]any{
			"state":       state,
			"finished_at": &now,
		}
		if res != nil {
			updates["computed_total"] = res.ComputedTotal
			updates["recorded_total"] = res.RecordedTotal
			updates["drift"] = res.Drift
		}
		return s.runs.Update(ctx, run.ID, updates)
	}

	if err := s.runs.Update(ctx, run.ID, map[string]any{"state": StateComputing}); err != nil {
		return nil, err
	}

	profile, err := s.profiles.FindOne(ctx, &identity.AffiliateProfile{ID: affiliateID})
	if err != nil {
		return nil, err
	}
	if profile == nil {
		_ = finish(StateDriftDetected, nil)
		return nil, gorm.ErrRecordNotFound
	}

	var computed struct {
		Total int64
		Count int64
	}
	if err := s.db.WithContext(ctx).
		Model(&conversion.Conversion{}).
		Where("affiliate_id = ?", affiliateID).
		Select("COALESCE(SUM(commission_amount), 0) AS total, COUNT(*) AS count").
		Scan(&computed).Error; err != nil {
		return nil, err
	}

	res := &Result{
		AffiliateID:     affiliateID,
		ComputedTotal:   computed.Total,
		RecordedTotal:   profile.TotalEarnings,
		Drift:           profile.TotalEarnings - computed.Total,
		ConversionCount: computed.Count,
	}

	wallet, err := s.wallets.FindOne(ctx, &Wallet{UserID: profile.UserID})
	if err != nil {
		return nil, err
	}
	if wallet != nil {
		res.WalletBalance = wallet.Balance
		res.WalletDrift = wallet.Balance - computed.Total
	}

	tolerance := s.cfg.Reconcile.DriftTolerance
	if abs(res.Drift) <= tolerance && profile.TotalConversions == computed.Count {
		res.State = StateConsistent
		return res, finish(StateConsistent, res)
	}

	res.State = StateDriftDetected
	zap.L().Warn("ledger drift detected",
		zap.String("affiliate_id", affiliateID),
		zap.Int64("computed_total", res.ComputedTotal),
		zap.Int64("recorded_total", res.RecordedTotal),
		zap.Int64("drift", res.Drift),
	)

	if !fix {
		return res, finish(StateDriftDetected, res)
	}

	if err := s.profiles.Update(ctx, affiliateID, map[string]any{
		"total_earnings":    computed.Total,
		"total_conversions": computed.Count,
		"updated_at":        time.Now(),
	}); err != nil {
		return nil, err
	}

	res.State = StateCorrected
	zap.L().Info("affiliate aggregates corrected",
		zap.String("affiliate_id", affiliateID),
		zap.Int64("total_earnings", computed.Total),
		zap.Int64("total_conversions", computed.Count),
	)

	return res, finish(StateCorrected, res)
}

// ReconcileAll fans out over every active affiliate with bounded parallelism.
// Safe to parallelize: each affiliate's aggregation touches disjoint rows.
func (s *Service) ReconcileAll(ctx context.Context, fix bool) ([]*Result, error) {
	profiles, err := s.profiles.Find(ctx, &identity.AffiliateProfile{IsActive: true},
		option.WithSortBy(option.QuerySortBy{SortBy: "created_at"}))
	if err != nil {
		return nil, err
	}

	concurrency := s.cfg.Reconcile.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)

	var mu sync.Mutex
	results := make([]*Result, 0, len(profiles))

	for _, profile := range profiles {
		g.Go(func() error {
			res, err := s.Reconcile(gctx, profile.ID, fix)
			if err != nil {
				return err
			}
			mu.Lock()
			results = append(results, res)
			mu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return results, err
	}

	return results, nil
}

// RecentRuns returns the audit trail since the given time, newest first.
func (s *Service) RecentRuns(ctx context.Context, since time.Time, limit int) ([]*ReconcileRun, error) {
	opts := []option.QueryOption{
		option.WithSortBy(option.QuerySortBy{SortBy: "started_at", OrderBy: "DESC", Allow: map[string]bool{"started_at": true}}),
		option.WithLimit(limit),
	}
	if !since.IsZero() {
		opts = append(opts, option.ApplyOperator(option.Condition{Field: "started_at", Operator: option.GTE, Value: since}))
	}
	return s.runs.Find(ctx, nil, opts...)
}

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
