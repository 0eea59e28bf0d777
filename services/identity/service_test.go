package identity

import (
	"context"
	"testing"

	"affiliate-reconcile/pkg/repository"
	"affiliate-reconcile/services/extractor"
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
	db := testutil.NewTestDB(t, &User{}, &AffiliateProfile{})
	return &Service{
		users:    repository.ProvideStore[User](db),
		profiles: repository.ProvideStore[AffiliateProfile](db),
	}, db
}

func seedUser(t *testing.T, db *gorm.DB, id, email string) {
	t.Helper()
	require.NoError(t, db.Create(&User{ID: id, Email: email}).Error)
}

func seedAffiliate(t *testing.T, db *gorm.DB, id, userID string, externalID int64) {
	t.Helper()
	require.NoError(t, db.Create(&AffiliateProfile{
		ID:         id,
		UserID:     userID,
		ExternalID: externalID,
	}).Error)
}

func TestResolveMatchesBuyerAndAffiliate(t *testing.T) {
	svc, db := newTestService(t)
	seedUser(t, db, "user-1", "buyer@example.com")
	seedUser(t, db, "user-2", "partner@example.com")
	seedAffiliate(t, db, "aff-1", "user-2", 42)

	snap, err := svc.Snapshot(context.Background())
	require.NoError(t, err)

	res := snap.Resolve(extractor.RawOrder{UserEmail: "buyer@example.com", AffiliateID: 42})
	require.True(t, res.Matched)
	require.Equal(t, "user-1", res.BuyerID)
	require.Equal(t, "aff-1", res.AffiliateID)
}

func TestResolveEmailCaseInsensitive(t *testing.T) {
	svc, db := newTestService(t)
	seedUser(t, db, "user-1", "Buyer@Example.COM")

	snap, err := svc.Snapshot(context.Background())
	require.NoError(t, err)

	res := snap.Resolve(extractor.RawOrder{UserEmail: "  buyer@example.com "})
	require.True(t, res.Matched)
	require.Equal(t, "user-1", res.BuyerID)
}

func TestResolveUnmatchedBuyer(t *testing.T) {
	svc, db := newTestService(t)
	seedUser(t, db, "user-1", "known@example.com")

	snap, err := svc.Snapshot(context.Background())
	require.NoError(t, err)

	res := snap.Resolve(extractor.RawOrder{UserEmail: "ghost@example.com", AffiliateID: 42})
	require.False(t, res.Matched)
	require.Empty(t, res.BuyerID)
	require.Empty(t, res.AffiliateID)
}

func TestResolveUnresolvableAffiliate(t *testing.T) {
	svc, db := newTestService(t)
	seedUser(t, db, "user-1", "buyer@example.com")

	snap, err := svc.Snapshot(context.Background())
	require.NoError(t, err)

	// The buyer matches but nobody owns external affiliate 77. The order can
	// still become a transaction, just never a conversion.
	res := snap.Resolve(extractor.RawOrder{UserEmail: "buyer@example.com", AffiliateID: 77})
	require.True(t, res.Matched)
	require.Empty(t, res.AffiliateID)
}

func TestResolveNoAffiliateOnOrder(t *testing.T) {
	svc, db := newTestService(t)
	seedUser(t, db, "user-1", "buyer@example.com")
	seedUser(t, db, "user-2", "partner@example.com")
	seedAffiliate(t, db, "aff-1", "user-2", 42)

	snap, err := svc.Snapshot(context.Background())
	require.NoError(t, err)

	res := snap.Resolve(extractor.RawOrder{UserEmail: "buyer@example.com"})
	require.True(t, res.Matched)
	require.Empty(t, res.AffiliateID)
}
