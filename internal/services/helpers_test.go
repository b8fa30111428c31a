package services

import (
	"context"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/stall/backend/internal/models"
	"github.com/stall/backend/internal/storage"
)

type testEnv struct {
	store    *storage.MemoryStore
	auth     *SessionAuth
	items    *ItemService
	cart     *CartService
	checkout *CheckoutService
	notifier *recordingNotifier
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	logger := zap.NewNop()
	store := storage.NewMemoryStore()
	notifier := &recordingNotifier{}
	return &testEnv{
		store: store,
		auth: NewSessionAuth(store, SessionOptions{
			Secret:       "test-secret",
			PasswordCost: bcrypt.MinCost,
		}, logger),
		items:    NewItemService(store, logger),
		cart:     NewCartService(store, logger),
		checkout: NewCheckoutService(store, notifier, logger),
		notifier: notifier,
	}
}

func (e *testEnv) user(t *testing.T, username string) *models.User {
	t.Helper()
	u, err := e.auth.Signup(context.Background(), &models.SignupRequest{
		Username: username,
		Email:    username + "@shop.aa",
		Password: "pw-" + username,
	})
	require.NoError(t, err)
	return u
}

func (e *testEnv) item(t *testing.T, owner *models.User, title, price string) *models.Item {
	t.Helper()
	item, err := e.items.Create(context.Background(), owner, title, "", decimal.RequireFromString(price))
	require.NoError(t, err)
	return item
}

func (e *testEnv) addToCart(t *testing.T, buyer *models.User, item *models.Item) *models.CartEntry {
	t.Helper()
	entry, _, err := e.cart.Add(context.Background(), buyer, item.ID)
	require.NoError(t, err)
	return entry
}

type sale struct {
	seller string
	buyer  string
	items  int
}

type recordingNotifier struct {
	mu    sync.Mutex
	sales []sale
}

func (n *recordingNotifier) NotifySale(_ context.Context, seller, buyer *models.User, items []models.Item) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sales = append(n.sales, sale{seller: seller.Username, buyer: buyer.Username, items: len(items)})
	return nil
}

func (n *recordingNotifier) recorded() []sale {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]sale(nil), n.sales...)
}
