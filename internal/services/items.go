package services

import (
	"context"
	"errors"
	"strings"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/stall/backend/internal/models"
	"github.com/stall/backend/internal/storage"
)

var (
	ErrItemNotFound     = errors.New("item not found")
	ErrForbidden        = errors.New("not the owner of this item")
	ErrItemNotAvailable = errors.New("item is not available")
)

// Inventory is a user's view of their own listings and purchases.
type Inventory struct {
	OnSale    []models.Item
	Sold      []models.Item
	Purchased []models.Item
}

type ItemService struct {
	store  storage.Store
	logger *zap.Logger
}

func NewItemService(store storage.Store, logger *zap.Logger) *ItemService {
	return &ItemService{store: store, logger: logger.Named("items")}
}

// List returns available items whose name contains query. With mine set it
// returns the caller's own items of any status instead.
func (s *ItemService) List(ctx context.Context, caller *models.User, query string, mine bool) ([]models.Item, error) {
	filter := models.ItemFilter{Query: strings.TrimSpace(query)}
	if mine {
		if caller == nil {
			return nil, ErrAuthRequired
		}
		filter.OwnerID = caller.ID
	} else {
		filter.Status = models.StatusAvailable
	}
	return s.store.ListItems(ctx, filter)
}

func (s *ItemService) Create(ctx context.Context, caller *models.User, title, description string, price decimal.Decimal) (*models.Item, error) {
	if caller == nil {
		return nil, ErrAuthRequired
	}

	item := &models.Item{
		OwnerID:     caller.ID,
		Name:        title,
		Description: description,
		Price:       price.Round(models.PriceDecimals),
	}
	if err := s.store.CreateItem(ctx, item); err != nil {
		return nil, err
	}

	s.logger.Info("item created",
		zap.String("item_id", item.ID),
		zap.String("owner_id", caller.ID),
		zap.String("price", models.FormatPrice(item.Price)),
	)
	return item, nil
}

// UpdatePrice changes the price of one of the caller's available items.
func (s *ItemService) UpdatePrice(ctx context.Context, caller *models.User, id string, price decimal.Decimal) (*models.Item, error) {
	current, err := s.Owned(ctx, caller, id)
	if err != nil {
		return nil, err
	}
	if !current.IsAvailable() {
		return nil, ErrItemNotAvailable
	}

	// The store re-checks availability atomically; a sale may land between
	// the ownership check above and this write.
	item, err := s.store.UpdateItemPrice(ctx, id, price.Round(models.PriceDecimals))
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrNotFound):
			return nil, ErrItemNotFound
		case errors.Is(err, storage.ErrConflict):
			return nil, ErrItemNotAvailable
		}
		return nil, err
	}

	s.logger.Info("item price updated", zap.String("item_id", id), zap.String("price", models.FormatPrice(item.Price)))
	return item, nil
}

// Delete removes one of the caller's items regardless of status.
func (s *ItemService) Delete(ctx context.Context, caller *models.User, id string) error {
	if _, err := s.Owned(ctx, caller, id); err != nil {
		return err
	}

	if err := s.store.DeleteItem(ctx, id); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return ErrItemNotFound
		}
		return err
	}

	s.logger.Info("item deleted", zap.String("item_id", id), zap.String("owner_id", caller.ID))
	return nil
}

func (s *ItemService) Inventory(ctx context.Context, caller *models.User) (*Inventory, error) {
	if caller == nil {
		return nil, ErrAuthRequired
	}

	onSale, err := s.store.ListItems(ctx, models.ItemFilter{OwnerID: caller.ID, Status: models.StatusAvailable})
	if err != nil {
		return nil, err
	}
	sold, err := s.store.ListItems(ctx, models.ItemFilter{OwnerID: caller.ID, Status: models.StatusSold})
	if err != nil {
		return nil, err
	}
	purchased, err := s.store.ListItems(ctx, models.ItemFilter{BuyerID: caller.ID})
	if err != nil {
		return nil, err
	}

	return &Inventory{OnSale: onSale, Sold: sold, Purchased: purchased}, nil
}

// Owned loads id and checks that caller owns it.
func (s *ItemService) Owned(ctx context.Context, caller *models.User, id string) (*models.Item, error) {
	if caller == nil {
		return nil, ErrAuthRequired
	}

	item, err := s.store.GetItem(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrItemNotFound
		}
		return nil, err
	}
	if item.OwnerID != caller.ID {
		return nil, ErrForbidden
	}
	return item, nil
}
