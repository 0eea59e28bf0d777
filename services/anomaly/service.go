package anomaly

import (
	"context"
	"time"

	"affiliate-reconcile/pkg/config"
	"affiliate-reconcile/pkg/errutil"
	"affiliate-reconcile/pkg/repository"
	"affiliate-reconcile/services/conversion"
	"affiliate-reconcile/services/policy"

	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Service struct {
	db     *gorm.DB
	cfg    *config.Config
	engine *policy.Engine

	conversions repository.Repository[conversion.Conversion]
}

type ServiceParams struct {
	fx.In
	DB     *gorm.DB
	Config *config.Config
	Engine *policy.Engine
}

func NewService(p ServiceParams) *Service {
	return &Service{
		db:          p.DB,
		cfg:         p.Config,
		engine:      p.Engine,
		conversions: repository.ProvideStore[conversion.Conversion](p.DB),
	}
}

// flaggedRow is a conversion joined with its transaction for bounds checks.
type flaggedRow struct {
	ConversionID      string
	TransactionID     string
	AffiliateID       string
	ProductID         int64
	TransactionAmount int64
	CommissionAmount  int64
}

// Scan walks all conversions in bounded batches and flags the ones whose
// commission violates policy bounds against their transaction. For every
// finding, the correct amount is recomputed through the policy engine and
// attached as a proposal. Nothing is written.
func (s *Service) Scan(ctx context.Context) ([]Finding, error) {
	batchSize := s.cfg.Reconcile.BatchSize
	if batchSize <= 0 {
		batchSize = 500
	}

	var findings []Finding
	offset := 0
	for {
		var rows []flaggedRow
		if err := s.db.WithContext(ctx).
			Table("conversions").
			Select("conversions.id AS conversion_id, conversions.transaction_id, conversions.affiliate_id, conversions.commission_amount, transactions.product_id, transactions.amount AS transaction_amount").
			Joins("JOIN transactions ON transactions.id = conversions.transaction_id").
			Where("conversions.commission_amount > transactions.amount OR conversions.commission_amount < 0").
			Order("conversions.id").
			Limit(batchSize).
			Offset(offset).
			Scan(&rows).Error; err != nil {
			return nil, errutil.Internal("anomaly scan query failed", err)
		}

		for _, row := range rows {
			reason := ReasonExceedsTransaction
			if row.CommissionAmount < 0 {
				reason = ReasonNegativeCommission
			}

			proposed := s.engine.Compute(row.ProductID, row.TransactionAmount)
			findings = append(findings, Finding{
				ConversionID:      row.ConversionID,
				TransactionID:     row.TransactionID,
				AffiliateID:       row.AffiliateID,
				ProductID:         row.ProductID,
				TransactionAmount: row.TransactionAmount,
				CurrentAmount:     row.CommissionAmount,
				ProposedAmount:    proposed.Amount,
				ProposedRate:      proposed.Rate,
				Reason:            reason,
			})
		}

		if len(rows) < batchSize {
			break
		}
		offset += batchSize
	}

	if len(findings) > 0 {
		zap.L().Warn("anomalous conversions found", zap.Int("count", len(findings)))
	}

	return findings, nil
}

// Apply writes confirmed corrections. Runs separately from Scan so that a
// detection pass never mutates what it is still measuring; a correction whose
// proposal still violates bounds is refused rather than compounding the error.
func (s *Service) Apply(ctx context.Context, findings []Finding) (int, error) {
	applied := 0
	for _, f := range findings {
		if policy.Violates(f.ProposedAmount, f.TransactionAmount) {
			zap.L().Warn("refusing correction that still violates policy bounds",
				zap.String("conversion_id", f.ConversionID),
				zap.Int64("proposed_amount", f.ProposedAmount),
				zap.Int64("transaction_amount", f.TransactionAmount),
			)
			continue
		}

		if err := s.conversions.Update(ctx, f.ConversionID, map[string]any{
			"commission_amount": f.ProposedAmount,
			"commission_rate":   f.ProposedRate,
			"updated_at":        time.Now(),
		}); err != nil {
			return applied, err
		}
		applied++
	}

	zap.L().Info("anomaly corrections applied", zap.Int("applied", applied), zap.Int("proposed", len(findings)))
	return applied, nil
}
