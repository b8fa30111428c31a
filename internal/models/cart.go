package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// CartEntry links a user to an item they intend to buy. Item is the
// current state of the referenced listing.
type CartEntry struct {
	ID        string
	UserID    string
	ItemID    string
	CreatedAt time.Time
	Item      Item
}

type CartEntryView struct {
	ID          string `json:"id"`
	ItemID      string `json:"item_id"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Price       string `json:"price"`
	Status      string `json:"status"`
	DateAdded   string `json:"date_added"`
	Seller      string `json:"seller"`
	AddedAt     string `json:"added_at"`
}

func (e *CartEntry) View() CartEntryView {
	return CartEntryView{
		ID:          e.ID,
		ItemID:      e.Item.ID,
		Title:       e.Item.Name,
		Description: e.Item.Description,
		Price:       FormatPrice(e.Item.Price),
		Status:      string(e.Item.Status),
		DateAdded:   FormatTime(e.Item.CreatedAt),
		Seller:      e.Item.OwnerUsername,
		AddedAt:     FormatTime(e.CreatedAt),
	}
}

func CartEntryViews(entries []CartEntry) []CartEntryView {
	out := make([]CartEntryView, 0, len(entries))
	for i := range entries {
		out = append(out, entries[i].View())
	}
	return out
}

type AddToCartRequest struct {
	ItemID string `json:"item_id"`
}

type AddToCartResponse struct {
	Message  string          `json:"message"`
	CartItem CartItemSummary `json:"cart_item"`
}

type CartItemSummary struct {
	ID     string `json:"id"`
	ItemID string `json:"item_id"`
	Title  string `json:"title"`
	Price  string `json:"price"`
	Seller string `json:"seller"`
}

// CheckoutRequest carries optional expected prices keyed by cart entry.
type CheckoutRequest struct {
	Items []CheckoutLine `json:"items"`
}

type CheckoutLine struct {
	CartItemID string           `json:"cart_item_id"`
	Price      *decimal.Decimal `json:"price"`
}

// ExpectedPrices indexes the request by cart entry id. Lines without a price are skipped.
func (r *CheckoutRequest) ExpectedPrices() map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal, len(r.Items))
	for _, line := range r.Items {
		if line.CartItemID == "" || line.Price == nil {
			continue
		}
		out[line.CartItemID] = *line.Price
	}
	return out
}

func (r *CheckoutRequest) Validate() map[string]string {
	errors := make(map[string]string)
	for _, line := range r.Items {
		if line.CartItemID == "" {
			errors["items"] = "Every entry needs a cart_item_id"
			break
		}
	}
	return errors
}

// PriceChange reports a cart entry whose expected price no longer matches.
type PriceChange struct {
	CartItemID    string `json:"cart_item_id"`
	ItemID        string `json:"item_id"`
	Title         string `json:"title"`
	ExpectedPrice string `json:"expected_price"`
	CurrentPrice  string `json:"current_price"`
}

// UnavailableItem reports a cart entry whose item can no longer be bought.
type UnavailableItem struct {
	CartItemID string `json:"cart_item_id"`
	ItemID     string `json:"item_id"`
	Title      string `json:"title"`
	Status     string `json:"status"`
}

type CheckoutResult struct {
	Purchased          []Item
	ClearedCartItemIDs []string
}

type CheckoutResponse struct {
	Message            string     `json:"message"`
	Purchased          []ItemView `json:"purchased"`
	ClearedCartItemIDs []string   `json:"cleared_cart_item_ids"`
}

type CheckoutConflictResponse struct {
	Message          string            `json:"message"`
	NeedsReview      bool              `json:"needs_review"`
	PriceChanges     []PriceChange     `json:"price_changes"`
	UnavailableItems []UnavailableItem `json:"unavailable_items"`
}

type InventoryResponse struct {
	OnSale    []ItemView `json:"on_sale"`
	Sold      []ItemView `json:"sold"`
	Purchased []ItemView `json:"purchased"`
}
