package services

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/stall/backend/internal/models"
	"github.com/stall/backend/internal/storage"
)

var (
	ErrOwnItem           = errors.New("cannot add your own item")
	ErrCartEntryNotFound = errors.New("cart item not found")
)

type CartService struct {
	store  storage.Store
	logger *zap.Logger
}

func NewCartService(store storage.Store, logger *zap.Logger) *CartService {
	return &CartService{store: store, logger: logger.Named("cart")}
}

func (s *CartService) List(ctx context.Context, caller *models.User) ([]models.CartEntry, error) {
	if caller == nil {
		return nil, ErrAuthRequired
	}
	return s.store.ListCart(ctx, caller.ID)
}

// Add puts itemID in the caller's cart. Adding an item that is already there
// returns the existing entry with created=false.
func (s *CartService) Add(ctx context.Context, caller *models.User, itemID string) (*models.CartEntry, bool, error) {
	if caller == nil {
		return nil, false, ErrAuthRequired
	}

	item, err := s.store.GetItem(ctx, itemID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, false, ErrItemNotFound
		}
		return nil, false, err
	}
	if item.OwnerID == caller.ID {
		return nil, false, ErrOwnItem
	}
	if !item.IsAvailable() {
		return nil, false, ErrItemNotAvailable
	}

	entry, created, err := s.store.AddCartEntry(ctx, caller.ID, itemID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, false, ErrItemNotFound
		}
		return nil, false, err
	}

	if created {
		s.logger.Info("added to cart", zap.String("user_id", caller.ID), zap.String("item_id", itemID))
	}
	return entry, created, nil
}

func (s *CartService) Remove(ctx context.Context, caller *models.User, entryID string) error {
	if caller == nil {
		return ErrAuthRequired
	}

	if err := s.store.DeleteCartEntry(ctx, entryID, caller.ID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return ErrCartEntryNotFound
		}
		return err
	}
	return nil
}
