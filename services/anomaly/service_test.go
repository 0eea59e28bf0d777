package anomaly

import (
	"context"
	"testing"

	"affiliate-reconcile/pkg/config"
	"affiliate-reconcile/pkg/repository"
	"affiliate-reconcile/services/conversion"
	"affiliate-reconcile/services/policy"
	"affiliate-reconcile/services/testutil"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

func newTestService(t *testing.T) (*Service, *gorm.DB) {
	t.Helper()
	db := testutil.NewTestDB(t, &conversion.Transaction{}, &conversion.Conversion{})
	engine := policy.NewEngineWithTables(policy.Tables{
		Version: "test",
		Brackets: []policy.Bracket{
			{From: 50_000, To: 200_000, Amount: 50_000},
			{From: 200_000, To: 450_000, Amount: 100_000},
		},
		DefaultRate: 30,
	})
	return &Service{
		db:          db,
		cfg:         &config.Config{},
		engine:      engine,
		conversions: repository.ProvideStore[conversion.Conversion](db),
	}, db
}

func seedPair(t *testing.T, db *gorm.DB, id string, orderID, productID, amount, commission int64) {
	t.Helper()
	require.NoError(t, db.Create(&conversion.Transaction{
		ID:            "txn-" + id,
		UserID:        "user-1",
		Amount:        amount,
		Status:        conversion.TxnSuccess,
		SourceOrderID: orderID,
		ProductID:     productID,
	}).Error)
	require.NoError(t, db.Create(&conversion.Conversion{
		ID:               "conv-" + id,
		TransactionID:    "txn-" + id,
		AffiliateID:      "aff-1",
		CommissionAmount: commission,
	}).Error)
}

func TestScanFlagsCommissionAboveTransaction(t *testing.T) {
	svc, db := newTestService(t)
	// A 150000 sale that was paid a 200000 bracket fee from the wrong tier.
	seedPair(t, db, "a", 1, 999, 150_000, 200_000)
	// A healthy row for contrast.
	seedPair(t, db, "b", 2, 999, 300_000, 100_000)

	findings, err := svc.Scan(context.Background())
	require.NoError(t, err)
	require.Len(t, findings, 1)

	f := findings[0]
	require.Equal(t, "conv-a", f.ConversionID)
	require.Equal(t, ReasonExceedsTransaction, f.Reason)
	require.Equal(t, int64(200_000), f.CurrentAmount)
	// The proposal is the policy engine's answer for this product and amount.
	require.Equal(t, int64(50_000), f.ProposedAmount)
}

func TestScanFlagsNegativeCommission(t *testing.T) {
	svc, db := newTestService(t)
	seedPair(t, db, "a", 1, 999, 150_000, -500)

	findings, err := svc.Scan(context.Background())
	require.NoError(t, err)
	require.Len(t, findings, 1)
	require.Equal(t, ReasonNegativeCommission, findings[0].Reason)
}

func TestScanNeverWrites(t *testing.T) {
	svc, db := newTestService(t)
	seedPair(t, db, "a", 1, 999, 150_000, 200_000)

	_, err := svc.Scan(context.Background())
	require.NoError(t, err)

	var conv conversion.Conversion
	require.NoError(t, db.First(&conv, "id = ?", "conv-a").Error)
	require.Equal(t, int64(200_000), conv.CommissionAmount)
}

func TestScanCleanLedger(t *testing.T) {
	svc, db := newTestService(t)
	seedPair(t, db, "a", 1, 999, 300_000, 100_000)

	findings, err := svc.Scan(context.Background())
	require.NoError(t, err)
	require.Empty(t, findings)
}

func TestApplyWritesCorrections(t *testing.T) {
	svc, db := newTestService(t)
	seedPair(t, db, "a", 1, 999, 150_000, 200_000)

	findings, err := svc.Scan(context.Background())
	require.NoError(t, err)

	applied, err := svc.Apply(context.Background(), findings)
	require.NoError(t, err)
	require.Equal(t, 1, applied)

	var conv conversion.Conversion
	require.NoError(t, db.First(&conv, "id = ?", "conv-a").Error)
	require.Equal(t, int64(50_000), conv.CommissionAmount)

	// The corrected ledger scans clean.
	findings, err = svc.Scan(context.Background())
	require.NoError(t, err)
	require.Empty(t, findings)
}

func TestApplyRefusesViolatingProposal(t *testing.T) {
	svc, db := newTestService(t)
	seedPair(t, db, "a", 1, 999, 150_000, 200_000)

	applied, err := svc.Apply(context.Background(), []Finding{{
		ConversionID:      "conv-a",
		TransactionID:     "txn-a",
		TransactionAmount: 150_000,
		CurrentAmount:     200_000,
		ProposedAmount:    180_000, // still exceeds the transaction
		Reason:            ReasonExceedsTransaction,
	}})
	require.NoError(t, err)
	require.Zero(t, applied)

	var conv conversion.Conversion
	require.NoError(t, db.First(&conv, "id = ?", "conv-a").Error)
	require.Equal(t, int64(200_000), conv.CommissionAmount)
}
