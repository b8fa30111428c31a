package services

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/stall/backend/internal/models"
	"github.com/stall/backend/internal/storage"
)

const (
	demoUsers          = 6
	demoSellers        = 3
	demoItemsPerSeller = 10
)

type SeedSummary struct {
	Users   int
	Sellers int
	Items   int
}

// SeedService replaces all data with a fixed demo data set.
type SeedService struct {
	store  storage.Store
	auth   Authenticator
	logger *zap.Logger
}

func NewSeedService(store storage.Store, auth Authenticator, logger *zap.Logger) *SeedService {
	return &SeedService{store: store, auth: auth, logger: logger.Named("seed")}
}

// Seed wipes every user, item and cart entry, then creates testuser1..6
// (password passN). The first three users each list ten items.
func (s *SeedService) Seed(ctx context.Context) (*SeedSummary, error) {
	if err := s.store.Reset(ctx); err != nil {
		return nil, fmt.Errorf("reset store: %w", err)
	}

	users := make([]*models.User, 0, demoUsers)
	for n := 1; n <= demoUsers; n++ {
		username := fmt.Sprintf("testuser%d", n)
		user, err := s.auth.Signup(ctx, &models.SignupRequest{
			Username: username,
			Email:    username + "@shop.aa",
			Password: fmt.Sprintf("pass%d", n),
		})
		if err != nil {
			return nil, fmt.Errorf("create %s: %w", username, err)
		}
		users = append(users, user)
	}

	summary := &SeedSummary{Users: len(users), Sellers: demoSellers}
	for sellerIdx, seller := range users[:demoSellers] {
		sellerNo := sellerIdx + 1
		for itemNo := 1; itemNo <= demoItemsPerSeller; itemNo++ {
			item := &models.Item{
				OwnerID:     seller.ID,
				Name:        fmt.Sprintf("Seller %d Item %d", sellerNo, itemNo),
				Description: fmt.Sprintf("Item %d sold by Seller %d in webshop.", itemNo, sellerNo),
				Price:       decimal.NewFromInt(int64(sellerNo*10 + itemNo)),
			}
			if err := s.store.CreateItem(ctx, item); err != nil {
				return nil, fmt.Errorf("create %q: %w", item.Name, err)
			}
			summary.Items++
		}
	}

	s.logger.Info("demo data seeded",
		zap.Int("users", summary.Users),
		zap.Int("sellers", summary.Sellers),
		zap.Int("items", summary.Items),
	)
	return summary, nil
}
