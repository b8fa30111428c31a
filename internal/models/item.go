package models

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type ItemStatus string

const (
	StatusAvailable ItemStatus = "available"
	StatusSold      ItemStatus = "sold"
)

// PriceDecimals is the number of fractional digits every price is stored with.
const PriceDecimals = 2

// maxPrice mirrors a DECIMAL(10,2) column.
var maxPrice = decimal.New(1, 8)

// Item is a listing. BuyerID is set iff Status is StatusSold.
type Item struct {
	ID            string
	OwnerID       string
	OwnerUsername string
	Name          string
	Description   string
	Price         decimal.Decimal
	Status        ItemStatus
	BuyerID       string
	BuyerUsername string
	CreatedAt     time.Time
}

func (i *Item) IsAvailable() bool {
	return i.Status == StatusAvailable
}

// ItemView is the JSON shape of an item.
type ItemView struct {
	ID          string  `json:"id"`
	Title       string  `json:"title"`
	Description string  `json:"description"`
	Price       string  `json:"price"`
	DateAdded   string  `json:"date_added"`
	Owner       string  `json:"owner"`
	Status      string  `json:"status"`
	Buyer       *string `json:"buyer"`
}

func (i *Item) View() ItemView {
	v := ItemView{
		ID:          i.ID,
		Title:       i.Name,
		Description: i.Description,
		Price:       FormatPrice(i.Price),
		DateAdded:   FormatTime(i.CreatedAt),
		Owner:       i.OwnerUsername,
		Status:      string(i.Status),
	}
	if i.BuyerUsername != "" {
		buyer := i.BuyerUsername
		v.Buyer = &buyer
	}
	return v
}

func ItemViews(items []Item) []ItemView {
	out := make([]ItemView, 0, len(items))
	for i := range items {
		out = append(out, items[i].View())
	}
	return out
}

// ItemFilter narrows ListItems. Zero fields do not filter.
type ItemFilter struct {
	Status  ItemStatus
	OwnerID string
	BuyerID string
	Query   string
}

func (f ItemFilter) Matches(item *Item) bool {
	if f.Status != "" && item.Status != f.Status {
		return false
	}
	if f.OwnerID != "" && item.OwnerID != f.OwnerID {
		return false
	}
	if f.BuyerID != "" && item.BuyerID != f.BuyerID {
		return false
	}
	if f.Query != "" && !strings.Contains(strings.ToLower(item.Name), strings.ToLower(f.Query)) {
		return false
	}
	return true
}

// CreateItemRequest keeps price raw so a missing value and an unparseable value
// can be told apart.
type CreateItemRequest struct {
	Title       string          `json:"title"`
	Description string          `json:"description"`
	Price       json.RawMessage `json:"price"`
}

type UpdateItemRequest struct {
	Price json.RawMessage `json:"price"`
}

func (r *CreateItemRequest) Normalize() {
	r.Title = strings.TrimSpace(r.Title)
	r.Description = strings.TrimSpace(r.Description)
}

// Validate checks the request and returns the parsed price when it is valid.
func (r *CreateItemRequest) Validate() (decimal.Decimal, map[string]string) {
	errors := make(map[string]string)

	if r.Title == "" {
		errors["title"] = "Title is required"
	} else if len(r.Title) > 255 {
		errors["title"] = "Title must be at most 255 characters"
	}

	price, reason := ParsePrice(r.Price)
	if reason != "" {
		errors["price"] = reason
	}

	return price, errors
}

func (r *UpdateItemRequest) Validate() (decimal.Decimal, map[string]string) {
	errors := make(map[string]string)
	price, reason := ParsePrice(r.Price)
	if reason != "" {
		errors["price"] = reason
	}
	return price, errors
}

// ParsePrice accepts a JSON number or numeric string and returns the price
// rounded to PriceDecimals, or a human readable reason it was rejected.
func ParsePrice(raw json.RawMessage) (decimal.Decimal, string) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return decimal.Zero, "Price is required"
	}

	var price decimal.Decimal
	if err := price.UnmarshalJSON([]byte(trimmed)); err != nil {
		return decimal.Zero, "Price must be a number"
	}
	if price.IsNegative() {
		return decimal.Zero, "Price cannot be negative"
	}

	price = price.Round(PriceDecimals)
	if price.GreaterThanOrEqual(maxPrice) {
		return decimal.Zero, "Price is too large"
	}
	return price, ""
}

func FormatPrice(d decimal.Decimal) string {
	return d.StringFixed(PriceDecimals)
}

func FormatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
