package conversion

import (
	"context"
	"time"

	"affiliate-reconcile/pkg/repository"
	"affiliate-reconcile/services/extractor"
	"affiliate-reconcile/services/policy"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Service struct {
	node *snowflake.Node

	transactions repository.Repository[Transaction]
	conversions  repository.Repository[Conversion]
}

type ServiceParams struct {
	fx.In
	DB   *gorm.DB
	Node *snowflake.Node
}

func NewService(p ServiceParams) *Service {
	return &Service{
		node:         p.Node,
		transactions: repository.ProvideStore[Transaction](p.DB),
		conversions:  repository.ProvideStore[Conversion](p.DB),
	}
}

// EnsureTransaction materializes the internal Transaction for a matched
// order, keyed on the source order ID. Explicit check-then-decide: an
// existing row only has its status refreshed (a re-fetched order may have
// moved from pending to completed); the amount is never overwritten.
func (s *Service) EnsureTransaction(ctx context.Context, order extractor.RawOrder, buyerID, batchID, policyVersion string) (*Transaction, UpsertOutcome, error) {
	existing, err := s.transactions.FindOne(ctx, &Transaction{SourceOrderID: order.OrderID})
	if err != nil {
		return nil, OutcomeSkipped, err
	}

	status := statusFor(order.Status)

	if existing != nil {
		if existing.Status == status {
			return existing, OutcomeUnchanged, nil
		}
		if err := s.transactions.Update(ctx, existing.ID, &Transaction{Status: status}); err != nil {
			return nil, OutcomeSkipped, err
		}
		existing.Status = status
		return existing, OutcomeUpdated, nil
	}

	txn := &Transaction{
		ID:            s.node.Generate().String(),
		UserID:        buyerID,
		Amount:        order.GrossAmount,
		Status:        status,
		SourceOrderID: order.OrderID,
		ProductID:     order.ProductID,
		Metadata: ImportMeta{
			SourceOrderID:   order.OrderID,
			SourceProductID: order.ProductID,
			ImportBatchID:   batchID,
			PolicyVersion:   policyVersion,
		}.ToJSON(),
		// createdAt reflects the original sale date so time-windowed
		// reports are not skewed by the import run date.
		CreatedAt: order.CreatedAt,
	}

	if err := s.transactions.Create(ctx, txn); err != nil {
		return nil, OutcomeSkipped, err
	}

	return txn, OutcomeCreated, nil
}

// Upsert creates or updates the Conversion for a transaction. Keyed on
// TransactionID: present rows are updated in place, never duplicated. Does
// not touch AffiliateProfile aggregates; the reconciler owns those, which is
// what keeps recomputation from double-counting.
func (s *Service) Upsert(ctx context.Context, txn *Transaction, affiliateID string, commission policy.Commission) (*Conversion, UpsertOutcome, error) {
	if commission.Amount <= 0 {
		return nil, OutcomeSkipped, nil
	}

	existing, err := s.conversions.FindOne(ctx, &Conversion{TransactionID: txn.ID})
	if err != nil {
		return nil, OutcomeSkipped, err
	}

	if existing != nil {
		if existing.CommissionAmount == commission.Amount && existing.AffiliateID == affiliateID {
			return existing, OutcomeUnchanged, nil
		}
		updates := map[string]any{
			"affiliate_id":      affiliateID,
			"commission_amount": commission.Amount,
			"commission_rate":   commission.Rate,
			"updated_at":        time.Now(),
		}
		if err := s.conversions.Update(ctx, existing.ID, updates); err != nil {
			return nil, OutcomeSkipped, err
		}
		existing.AffiliateID = affiliateID
		existing.CommissionAmount = commission.Amount
		existing.CommissionRate = commission.Rate
		zap.L().Debug("conversion updated in place",
			zap.String("transaction_id", txn.ID),
			zap.Int64("commission_amount", commission.Amount),
		)
		return existing, OutcomeUpdated, nil
	}

	conv := &Conversion{
		ID:               s.node.Generate().String(),
		TransactionID:    txn.ID,
		AffiliateID:      affiliateID,
		CommissionAmount: commission.Amount,
		CommissionRate:   commission.Rate,
		Metadata:         MetaFromJSON(txn.Metadata).ToJSON(),
		// Mirror the transaction's creation time, not "now".
		CreatedAt: txn.CreatedAt,
	}

	if err := s.conversions.Create(ctx, conv); err != nil {
		return nil, OutcomeSkipped, err
	}

	return conv, OutcomeCreated, nil
}

func statusFor(status extractor.OrderStatus) TransactionStatus {
	switch status {
	case extractor.StatusCompleted:
		return TxnSuccess
	case extractor.StatusCancelled, extractor.StatusRefunded:
		return TxnFailed
	default:
		return TxnPending
	}
}
