package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/stall/backend/internal/models"
	"github.com/stall/backend/internal/storage"
)

var ErrCartEmpty = errors.New("cart is empty")

// notifyTimeout bounds the seller e-mails sent after a checkout commits.
const notifyTimeout = 10 * time.Second

// CheckoutConflictError lists everything that blocked a checkout. Nothing
// was written when it is returned.
type CheckoutConflictError struct {
	PriceChanges     []models.PriceChange
	UnavailableItems []models.UnavailableItem
}

func (e *CheckoutConflictError) Error() string {
	return fmt.Sprintf("checkout needs review: %d price changes, %d unavailable items",
		len(e.PriceChanges), len(e.UnavailableItems))
}

func (e *CheckoutConflictError) empty() bool {
	return len(e.PriceChanges) == 0 && len(e.UnavailableItems) == 0
}

type CheckoutService struct {
	store    storage.Store
	notifier Notifier
	logger   *zap.Logger
}

func NewCheckoutService(store storage.Store, notifier Notifier, logger *zap.Logger) *CheckoutService {
	if notifier == nil {
		notifier = NopNotifier{}
	}
	return &CheckoutService{store: store, notifier: notifier, logger: logger.Named("checkout")}
}

// Pay buys every item in the buyer's cart, or nothing. expected maps cart
// entry ids to the price the client last saw; entries without one are not
// price-checked.
func (s *CheckoutService) Pay(ctx context.Context, buyer *models.User, expected map[string]decimal.Decimal) (*models.CheckoutResult, error) {
	if buyer == nil {
		return nil, ErrAuthRequired
	}

	var result *models.CheckoutResult
	err := s.store.RunCheckout(ctx, buyer.ID, func(ctx context.Context, tx storage.CheckoutTx) error {
		// Some backends retry fn after a transient conflict.
		result = nil

		r, err := checkout(ctx, tx, buyer, expected)
		if err != nil {
			return err
		}
		result = r
		return nil
	})
	if err != nil {
		var conflict *CheckoutConflictError
		if errors.As(err, &conflict) {
			s.logger.Info("checkout needs review",
				zap.String("buyer_id", buyer.ID),
				zap.Int("price_changes", len(conflict.PriceChanges)),
				zap.Int("unavailable_items", len(conflict.UnavailableItems)),
			)
		}
		return nil, err
	}

	s.logger.Info("checkout completed",
		zap.String("buyer_id", buyer.ID),
		zap.Int("items", len(result.Purchased)),
	)
	s.notifySellers(ctx, buyer, result.Purchased)
	return result, nil
}

func checkout(ctx context.Context, tx storage.CheckoutTx, buyer *models.User, expected map[string]decimal.Decimal) (*models.CheckoutResult, error) {
	entries, err := tx.LockCart(ctx)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, ErrCartEmpty
	}

	// Validation pass: report every problem before touching anything.
	conflict := &CheckoutConflictError{}
	for i := range entries {
		entry := &entries[i]
		if !entry.Item.IsAvailable() {
			conflict.UnavailableItems = append(conflict.UnavailableItems, unavailableItem(entry, &entry.Item))
			continue
		}
		if want, ok := expected[entry.ID]; ok && !want.Equal(entry.Item.Price) {
			conflict.PriceChanges = append(conflict.PriceChanges, models.PriceChange{
				CartItemID:    entry.ID,
				ItemID:        entry.Item.ID,
				Title:         entry.Item.Name,
				ExpectedPrice: formatExpected(want),
				CurrentPrice:  models.FormatPrice(entry.Item.Price),
			})
		}
	}
	if !conflict.empty() {
		return nil, conflict
	}

	// Commit pass. Each item is re-read under the lock before it is sold.
	result := &models.CheckoutResult{
		Purchased:          make([]models.Item, 0, len(entries)),
		ClearedCartItemIDs: make([]string, 0, len(entries)),
	}
	recheck := &CheckoutConflictError{}
	for i := range entries {
		entry := &entries[i]
		item, err := tx.Item(ctx, entry.ItemID)
		if err != nil {
			return nil, err
		}
		if !item.IsAvailable() {
			recheck.UnavailableItems = append(recheck.UnavailableItems, unavailableItem(entry, item))
			continue
		}

		if err := tx.MarkSold(ctx, item.ID, buyer); err != nil {
			return nil, err
		}
		item.Status = models.StatusSold
		item.BuyerID = buyer.ID
		item.BuyerUsername = buyer.Username

		result.Purchased = append(result.Purchased, *item)
		result.ClearedCartItemIDs = append(result.ClearedCartItemIDs, entry.ID)
	}
	if !recheck.empty() {
		return nil, recheck
	}

	if err := tx.DeleteCartEntries(ctx, result.ClearedCartItemIDs); err != nil {
		return nil, err
	}
	return result, nil
}

func unavailableItem(entry *models.CartEntry, item *models.Item) models.UnavailableItem {
	return models.UnavailableItem{
		CartItemID: entry.ID,
		ItemID:     item.ID,
		Title:      item.Name,
		Status:     string(item.Status),
	}
}

// formatExpected keeps extra digits the client sent so the mismatch is visible.
func formatExpected(d decimal.Decimal) string {
	if d.Equal(d.Round(models.PriceDecimals)) {
		return models.FormatPrice(d)
	}
	return d.String()
}

func (s *CheckoutService) notifySellers(ctx context.Context, buyer *models.User, purchased []models.Item) {
	bySeller := make(map[string][]models.Item)
	order := make([]string, 0)
	for _, item := range purchased {
		if _, seen := bySeller[item.OwnerID]; !seen {
			order = append(order, item.OwnerID)
		}
		bySeller[item.OwnerID] = append(bySeller[item.OwnerID], item)
	}

	// The purchase is committed; a slow or cancelled client must not stop the e-mails.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), notifyTimeout)
	defer cancel()

	for _, sellerID := range order {
		seller, err := s.store.GetUserByID(ctx, sellerID)
		if err != nil {
			s.logger.Warn("seller lookup failed", zap.String("seller_id", sellerID), zap.Error(err))
			continue
		}
		if err := s.notifier.NotifySale(ctx, seller, buyer, bySeller[sellerID]); err != nil {
			s.logger.Warn("sale notification failed", zap.String("seller_id", sellerID), zap.Error(err))
		}
	}
}
