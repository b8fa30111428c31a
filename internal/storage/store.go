// Package storage persists users, items and cart entries. Every backend
// implements Store; RunCheckout is the only operation that locks more than
// one row.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/stall/backend/internal/models"
)

var (
	ErrNotFound  = errors.New("record not found")
	ErrDuplicate = errors.New("record already exists")
	ErrConflict  = errors.New("record changed concurrently")
)

type Store interface {
	CreateUser(ctx context.Context, user *models.User) error
	GetUserByID(ctx context.Context, id string) (*models.User, error)
	GetUserByUsername(ctx context.Context, username string) (*models.User, error)
	UpdatePasswordHash(ctx context.Context, userID, hash string) error

	CreateItem(ctx context.Context, item *models.Item) error
	GetItem(ctx context.Context, id string) (*models.Item, error)
	ListItems(ctx context.Context, filter models.ItemFilter) ([]models.Item, error)
	// UpdateItemPrice only applies while the item is available; otherwise it
	// returns ErrConflict.
	UpdateItemPrice(ctx context.Context, id string, price decimal.Decimal) (*models.Item, error)
	// DeleteItem removes the item and every cart entry referencing it.
	DeleteItem(ctx context.Context, id string) error

	// AddCartEntry returns the existing entry with created=false when the
	// user already has the item in their cart.
	AddCartEntry(ctx context.Context, userID, itemID string) (entry *models.CartEntry, created bool, err error)
	ListCart(ctx context.Context, userID string) ([]models.CartEntry, error)
	GetCartEntry(ctx context.Context, id, userID string) (*models.CartEntry, error)
	DeleteCartEntry(ctx context.Context, id, userID string) error

	// RunCheckout runs fn in a single transaction holding exclusive locks on
	// every item in buyerID's cart. Any error from fn discards all writes.
	RunCheckout(ctx context.Context, buyerID string, fn CheckoutFunc) error

	// Reset removes every user, item and cart entry.
	Reset(ctx context.Context) error
	Close(ctx context.Context) error
}

type CheckoutFunc func(ctx context.Context, tx CheckoutTx) error

// CheckoutTx is the view of the store inside RunCheckout.
type CheckoutTx interface {
	// LockCart returns the buyer's cart entries with their items, newest first.
	LockCart(ctx context.Context) ([]models.CartEntry, error)
	// Item re-reads a locked item, including writes made earlier in the tx.
	Item(ctx context.Context, id string) (*models.Item, error)
	MarkSold(ctx context.Context, itemID string, buyer *models.User) error
	DeleteCartEntries(ctx context.Context, ids []string) error
}

func newID() string {
	return uuid.New().String()
}

func now() time.Time {
	return time.Now().UTC()
}
