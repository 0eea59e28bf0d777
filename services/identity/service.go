package identity

import (
	"context"
	"strings"

	"affiliate-reconcile/pkg/repository"
	"affiliate-reconcile/services/extractor"

	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Service struct {
	users    repository.Repository[User]
	profiles repository.Repository[AffiliateProfile]
}

type ServiceParams struct {
	fx.In
	DB *gorm.DB
}

func NewService(p ServiceParams) *Service {
	return &Service{
		users:    repository.ProvideStore[User](p.DB),
		profiles: repository.ProvideStore[AffiliateProfile](p.DB),
	}
}

// Snapshot is an immutable view of the user/affiliate tables taken once per
// run. Resolution against a snapshot is a pure function: the same snapshot
// and order always map to the same outcome.
type Snapshot struct {
	usersByEmail           map[string]string
	affiliatesByExternalID map[int64]string
}

func (s *Service) Snapshot(ctx context.Context) (*Snapshot, error) {
	users, err := s.users.Find(ctx, nil)
	if err != nil {
		return nil, err
	}

	profiles, err := s.profiles.Find(ctx, nil)
	if err != nil {
		return nil, err
	}

	snap := &Snapshot{
		usersByEmail:           make(map[string]string, len(users)),
		affiliatesByExternalID: make(map[int64]string, len(profiles)),
	}

	for _, u := range users {
		snap.usersByEmail[normalizeEmail(u.Email)] = u.ID
	}
	for _, p := range profiles {
		if p.ExternalID != 0 {
			snap.affiliatesByExternalID[p.ExternalID] = p.ID
		}
	}

	zap.L().Info("identity snapshot built",
		zap.Int("users", len(snap.usersByEmail)),
		zap.Int("affiliates", len(snap.affiliatesByExternalID)),
	)

	return snap, nil
}

// Resolve maps a raw order's buyer email and affiliate ID onto internal
// records. An unmatched buyer is a normal outcome for historical data gaps,
// not an error. An unresolvable affiliate leaves AffiliateID empty: the order
// can still produce a Transaction, just not a Conversion.
func (snap *Snapshot) Resolve(order extractor.RawOrder) Resolution {
	buyerID, ok := snap.usersByEmail[normalizeEmail(order.UserEmail)]
	if !ok {
		return Resolution{Matched: false}
	}

	res := Resolution{BuyerID: buyerID, Matched: true}
	if order.AffiliateID != 0 {
		if profileID, ok := snap.affiliatesByExternalID[order.AffiliateID]; ok {
			res.AffiliateID = profileID
		}
	}

	return res
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
