package reconciler

import (
	"context"
	"testing"
	"time"

	"affiliate-reconcile/pkg/config"
	"affiliate-reconcile/pkg/repository"
	"affiliate-reconcile/services/conversion"
	"affiliate-reconcile/services/identity"
	"affiliate-reconcile/services/testutil"

	"github.com/bwmarrin/snowflake"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

func newTestService(t *testing.T, cfg *config.Config) (*Service, *gorm.DB) {
	t.Helper()
	db := testutil.NewTestDB(t,
		&identity.AffiliateProfile{},
		&conversion.Conversion{},
		&Wallet{},
		&ReconcileRun{},
	)
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	if cfg == nil {
		cfg = &config.Config{}
	}
	return &Service{
		db:       db,
		node:     node,
		cfg:      cfg,
		profiles: repository.ProvideStore[identity.AffiliateProfile](db),
		wallets:  repository.ProvideStore[Wallet](db),
		runs:     repository.ProvideStore[ReconcileRun](db),
	}, db
}

var nextExternalID int64

func seedAffiliate(t *testing.T, db *gorm.DB, id string, earnings, conversions int64) {
	t.Helper()
	nextExternalID++
	require.NoError(t, db.Create(&identity.AffiliateProfile{
		ID:               id,
		UserID:           "user-" + id,
		AffiliateCode:    "code-" + id,
		ExternalID:       nextExternalID,
		TotalEarnings:    earnings,
		TotalConversions: conversions,
		IsActive:         true,
	}).Error)
}

func seedConversion(t *testing.T, db *gorm.DB, id, affiliateID string, amount int64) {
	t.Helper()
	require.NoError(t, db.Create(&conversion.Conversion{
		ID:               id,
		TransactionID:    "txn-" + id,
		AffiliateID:      affiliateID,
		CommissionAmount: amount,
	}).Error)
}

func TestReconcileConsistent(t *testing.T) {
	svc, db := newTestService(t, nil)
	seedAffiliate(t, db, "aff-1", 425_000, 2)
	seedConversion(t, db, "c1", "aff-1", 325_000)
	seedConversion(t, db, "c2", "aff-1", 100_000)

	res, err := svc.Reconcile(context.Background(), "aff-1", false)
	require.NoError(t, err)
	require.Equal(t, StateConsistent, res.State)
	require.Equal(t, int64(425_000), res.ComputedTotal)
	require.Zero(t, res.Drift)
	require.Equal(t, int64(2), res.ConversionCount)
}

func TestReconcileDetectsDriftReportOnly(t *testing.T) {
	svc, db := newTestService(t, nil)
	seedAffiliate(t, db, "aff-1", 500_000, 2)
	seedConversion(t, db, "c1", "aff-1", 325_000)
	seedConversion(t, db, "c2", "aff-1", 100_000)

	res, err := svc.Reconcile(context.Background(), "aff-1", false)
	require.NoError(t, err)
	require.Equal(t, StateDriftDetected, res.State)
	require.Equal(t, int64(75_000), res.Drift)

	// Report-only never touches the cached aggregates.
	var profile identity.AffiliateProfile
	require.NoError(t, db.First(&profile, "id = ?", "aff-1").Error)
	require.Equal(t, int64(500_000), profile.TotalEarnings)
}

func TestReconcileFixConverges(t *testing.T) {
	svc, db := newTestService(t, nil)
	seedAffiliate(t, db, "aff-1", 500_000, 5)
	seedConversion(t, db, "c1", "aff-1", 325_000)
	seedConversion(t, db, "c2", "aff-1", 100_000)

	res, err := svc.Reconcile(context.Background(), "aff-1", true)
	require.NoError(t, err)
	require.Equal(t, StateCorrected, res.State)

	var profile identity.AffiliateProfile
	require.NoError(t, db.First(&profile, "id = ?", "aff-1").Error)
	require.Equal(t, int64(425_000), profile.TotalEarnings)
	require.Equal(t, int64(2), profile.TotalConversions)

	// A second pass over the corrected ledger reports zero drift.
	res, err = svc.Reconcile(context.Background(), "aff-1", true)
	require.NoError(t, err)
	require.Equal(t, StateConsistent, res.State)
	require.Zero(t, res.Drift)
}

func TestReconcileCountMismatchIsDrift(t *testing.T) {
	// Totals agree but the cached count does not; still drift.
	svc, db := newTestService(t, nil)
	seedAffiliate(t, db, "aff-1", 425_000, 3)
	seedConversion(t, db, "c1", "aff-1", 325_000)
	seedConversion(t, db, "c2", "aff-1", 100_000)

	res, err := svc.Reconcile(context.Background(), "aff-1", false)
	require.NoError(t, err)
	require.Equal(t, StateDriftDetected, res.State)
	require.Zero(t, res.Drift)
}

func TestReconcileWithinTolerance(t *testing.T) {
	cfg := &config.Config{}
	cfg.Reconcile.DriftTolerance = 1000
	svc, db := newTestService(t, cfg)
	seedAffiliate(t, db, "aff-1", 425_500, 2)
	seedConversion(t, db, "c1", "aff-1", 325_000)
	seedConversion(t, db, "c2", "aff-1", 100_000)

	res, err := svc.Reconcile(context.Background(), "aff-1", false)
	require.NoError(t, err)
	require.Equal(t, StateConsistent, res.State)
	require.Equal(t, int64(500), res.Drift)
}

func TestReconcileWalletSecondOpinion(t *testing.T) {
	svc, db := newTestService(t, nil)
	seedAffiliate(t, db, "aff-1", 425_000, 2)
	seedConversion(t, db, "c1", "aff-1", 325_000)
	seedConversion(t, db, "c2", "aff-1", 100_000)
	require.NoError(t, db.Create(&Wallet{ID: "w1", UserID: "user-aff-1", Balance: 400_000}).Error)

	res, err := svc.Reconcile(context.Background(), "aff-1", false)
	require.NoError(t, err)
	require.Equal(t, int64(400_000), res.WalletBalance)
	require.Equal(t, int64(-25_000), res.WalletDrift)
}

func TestReconcileUnknownAffiliate(t *testing.T) {
	svc, _ := newTestService(t, nil)

	_, err := svc.Reconcile(context.Background(), "missing", false)
	require.ErrorIs(t, err, gorm.ErrRecordNotFound)
}

func TestReconcileWritesAuditRun(t *testing.T) {
	svc, db := newTestService(t, nil)
	seedAffiliate(t, db, "aff-1", 0, 0)

	_, err := svc.Reconcile(context.Background(), "aff-1", false)
	require.NoError(t, err)

	var runs []ReconcileRun
	require.NoError(t, db.Find(&runs).Error)
	require.Len(t, runs, 1)
	require.Equal(t, "aff-1", runs[0].AffiliateID)
	require.Equal(t, "report-only", runs[0].Mode)
	require.Equal(t, StateConsistent, runs[0].State)
	require.NotNil(t, runs[0].FinishedAt)
}

func TestRecentRuns(t *testing.T) {
	svc, db := newTestService(t, nil)
	seedAffiliate(t, db, "aff-1", 0, 0)

	_, err := svc.Reconcile(context.Background(), "aff-1", false)
	require.NoError(t, err)
	_, err = svc.Reconcile(context.Background(), "aff-1", false)
	require.NoError(t, err)

	runs, err := svc.RecentRuns(context.Background(), time.Time{}, 1)
	require.NoError(t, err)
	require.Len(t, runs, 1)

	runs, err = svc.RecentRuns(context.Background(), time.Now().Add(time.Hour), 10)
	require.NoError(t, err)
	require.Empty(t, runs)
}

func TestReconcileAll(t *testing.T) {
	cfg := &config.Config{}
	cfg.Reconcile.Concurrency = 2
	svc, db := newTestService(t, cfg)
	seedAffiliate(t, db, "aff-1", 325_000, 1)
	seedAffiliate(t, db, "aff-2", 999, 1)
	seedConversion(t, db, "c1", "aff-1", 325_000)
	seedConversion(t, db, "c2", "aff-2", 100_000)

	results, err := svc.ReconcileAll(context.Background(), false)
	require.NoError(t, err)
	require.Len(t, results, 2)

	byID := map[string]*Result{}
	for _, r := range results {
		byID[r.AffiliateID] = r
	}
	require.Equal(t, StateConsistent, byID["aff-1"].State)
	require.Equal(t, StateDriftDetected, byID["aff-2"].State)
}
