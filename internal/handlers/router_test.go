package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/stall/backend/internal/models"
	"github.com/stall/backend/internal/services"
	"github.com/stall/backend/internal/storage"
)

type testAPI struct {
	t       *testing.T
	handler http.Handler
	store   *storage.MemoryStore
}

func newTestAPI(t *testing.T, withSeed bool) *testAPI {
	t.Helper()

	logger := zap.NewNop()
	store := storage.NewMemoryStore()
	auth := services.NewSessionAuth(store, services.SessionOptions{
		Secret:       "test-secret",
		PasswordCost: bcrypt.MinCost,
	}, logger)

	deps := RouterDeps{
		Auth:     auth,
		Items:    services.NewItemService(store, logger),
		Cart:     services.NewCartService(store, logger),
		Checkout: services.NewCheckoutService(store, nil, logger),
		Logger:   logger,
	}
	if withSeed {
		deps.Seed = services.NewSeedService(store, auth, logger)
	}
	return &testAPI{t: t, handler: NewRouter(deps), store: store}
}

func (a *testAPI) do(method, path, token string, body interface{}) *httptest.ResponseRecorder {
	a.t.Helper()

	var buf bytes.Buffer
	switch b := body.(type) {
	case nil:
	case string:
		buf.WriteString(b)
	default:
		require.NoError(a.t, json.NewEncoder(&buf).Encode(b))
	}

	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	a.handler.ServeHTTP(rec, req)
	return rec
}

// signup creates username with password "pw" and returns a session token.
func (a *testAPI) signup(username string) string {
	a.t.Helper()

	rec := a.do(http.MethodPost, "/api/signup/", "", map[string]string{
		"username": username,
		"email":    username + "@shop.aa",
		"password": "pw",
	})
	require.Equal(a.t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = a.do(http.MethodPost, "/api/login/", "", map[string]string{"username": username, "password": "pw"})
	require.Equal(a.t, http.StatusOK, rec.Code, rec.Body.String())

	var resp models.AuthResponse
	decode(a.t, rec, &resp)
	require.NotEmpty(a.t, resp.Token)
	return resp.Token
}

func (a *testAPI) createItem(token, title string, price interface{}) models.ItemView {
	a.t.Helper()

	rec := a.do(http.MethodPost, "/api/items/", token, map[string]interface{}{"title": title, "price": price})
	require.Equal(a.t, http.StatusCreated, rec.Code, rec.Body.String())

	var resp models.ItemResponse
	decode(a.t, rec, &resp)
	return resp.Item
}

func (a *testAPI) addToCart(token, itemID string) string {
	a.t.Helper()

	rec := a.do(http.MethodPost, "/api/cart/", token, map[string]string{"item_id": itemID})
	require.Equal(a.t, http.StatusCreated, rec.Code, rec.Body.String())

	var resp models.AddToCartResponse
	decode(a.t, rec, &resp)
	return resp.CartItem.ID
}

func (a *testAPI) item(id string) *models.Item {
	a.t.Helper()
	item, err := a.store.GetItem(context.Background(), id)
	require.NoError(a.t, err)
	return item
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, dst interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), dst), rec.Body.String())
}

func TestAuthFlow(t *testing.T) {
	t.Parallel()

	api := newTestAPI(t, false)

	rec := api.do(http.MethodGet, "/api/me/", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"authenticated":false}`, rec.Body.String())

	token := api.signup("alice")

	rec = api.do(http.MethodPost, "/api/signup/", "", map[string]string{"username": "alice", "email": "a@b.c", "password": "x"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.JSONEq(t, `{"message":"Username already taken"}`, rec.Body.String())

	rec = api.do(http.MethodPost, "/api/login/", "", map[string]string{"username": "alice", "password": "nope"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = api.do(http.MethodGet, "/api/me/", token, nil)
	var me models.MeResponse
	decode(t, rec, &me)
	assert.True(t, me.Authenticated)
	require.NotNil(t, me.User)
	assert.Equal(t, "alice", me.User.Username)

	rec = api.do(http.MethodPost, "/api/change-password/", token, map[string]string{"old_password": "bad", "new_password": "pw2"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = api.do(http.MethodPost, "/api/change-password/", token, map[string]string{"old_password": "pw", "new_password": "pw2"})
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = api.do(http.MethodPost, "/api/logout/", token, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = api.do(http.MethodGet, "/api/me/", token, nil)
	assert.JSONEq(t, `{"authenticated":false}`, rec.Body.String())

	rec = api.do(http.MethodPost, "/api/login/", "", map[string]string{"username": "alice", "password": "pw2"})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestSignup_Validation(t *testing.T) {
	t.Parallel()

	api := newTestAPI(t, false)

	rec := api.do(http.MethodPost, "/api/signup/", "", "{not json")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.JSONEq(t, `{"message":"Invalid JSON body"}`, rec.Body.String())

	rec = api.do(http.MethodPost, "/api/signup/", "", map[string]string{"username": "bob"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	var resp models.MessageResponse
	decode(t, rec, &resp)
	assert.Equal(t, "Email is required", resp.Message)
	assert.Contains(t, resp.Errors, "password")
}

func TestItems_CreateListAndFilter(t *testing.T) {
	t.Parallel()

	api := newTestAPI(t, false)
	alice := api.signup("alice")
	bob := api.signup("bob")

	rec := api.do(http.MethodPost, "/api/items/", "", map[string]interface{}{"title": "Lamp", "price": 1})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.JSONEq(t, `{"message":"Authentication required"}`, rec.Body.String())

	rec = api.do(http.MethodPost, "/api/items/", alice, map[string]interface{}{"title": "Lamp", "price": "cheap"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	lamp := api.createItem(alice, "Red Lamp", "12.5")
	assert.Equal(t, "12.50", lamp.Price)
	assert.Equal(t, "alice", lamp.Owner)
	assert.Equal(t, "available", lamp.Status)
	assert.Nil(t, lamp.Buyer)
	api.createItem(bob, "Chair", 5)

	var items []models.ItemView
	decode(t, api.do(http.MethodGet, "/api/items/", "", nil), &items)
	assert.Len(t, items, 2)

	decode(t, api.do(http.MethodGet, "/api/items/?q=lamp", "", nil), &items)
	require.Len(t, items, 1)
	assert.Equal(t, lamp.ID, items[0].ID)

	decode(t, api.do(http.MethodGet, "/api/items/?mine=1", bob, nil), &items)
	require.Len(t, items, 1)
	assert.Equal(t, "Chair", items[0].Title)

	rec = api.do(http.MethodGet, "/api/items/?mine=1", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// Only 1, true and yes select the caller's own items.
	decode(t, api.do(http.MethodGet, "/api/items/?mine=0", bob, nil), &items)
	assert.Len(t, items, 2)
	decode(t, api.do(http.MethodGet, "/api/items/?mine=false", "", nil), &items)
	assert.Len(t, items, 2)

	rec = api.do(http.MethodGet, "/api/items", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestItems_UpdatePrice(t *testing.T) {
	t.Parallel()

	api := newTestAPI(t, false)
	alice := api.signup("alice")
	bob := api.signup("bob")
	lamp := api.createItem(alice, "Lamp", "10.00")

	rec := api.do(http.MethodPatch, "/api/items/"+lamp.ID+"/", bob, map[string]string{"price": "1.00"})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "10.00", models.FormatPrice(api.item(lamp.ID).Price))

	rec = api.do(http.MethodPatch, "/api/items/"+lamp.ID+"/", bob, map[string]string{"price": "cheap"})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	rec = api.do(http.MethodPatch, "/api/items/"+lamp.ID+"/", bob, "{not json")
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = api.do(http.MethodPatch, "/api/items/missing/", alice, map[string]string{"price": "1.00"})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = api.do(http.MethodPatch, "/api/items/"+lamp.ID+"/", alice, map[string]string{"price": "-3"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = api.do(http.MethodPut, "/api/items/"+lamp.ID+"/", alice, map[string]string{"price": "11"})
	require.Equal(t, http.StatusOK, rec.Code)
	var updated models.ItemResponse
	decode(t, rec, &updated)
	assert.Equal(t, "11.00", updated.Item.Price)

	api.addToCart(bob, lamp.ID)
	rec = api.do(http.MethodPost, "/api/cart/pay/", bob, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = api.do(http.MethodPatch, "/api/items/"+lamp.ID+"/", alice, map[string]string{"price": "99"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "11.00", models.FormatPrice(api.item(lamp.ID).Price))
}

func TestItems_Delete(t *testing.T) {
	t.Parallel()

	api := newTestAPI(t, false)
	alice := api.signup("alice")
	bob := api.signup("bob")
	lamp := api.createItem(alice, "Lamp", "10")
	api.addToCart(bob, lamp.ID)

	rec := api.do(http.MethodDelete, "/api/items/"+lamp.ID+"/", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = api.do(http.MethodDelete, "/api/items/"+lamp.ID+"/", bob, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = api.do(http.MethodDelete, "/api/items/"+lamp.ID+"/", alice, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"message":"Item deleted"}`, rec.Body.String())

	rec = api.do(http.MethodDelete, "/api/items/"+lamp.ID+"/", alice, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	var cart []models.CartEntryView
	decode(t, api.do(http.MethodGet, "/api/cart/", bob, nil), &cart)
	assert.Empty(t, cart)
}

func TestCart_AddRemove(t *testing.T) {
	t.Parallel()

	api := newTestAPI(t, false)
	alice := api.signup("alice")
	bob := api.signup("bob")
	carol := api.signup("carol")
	lamp := api.createItem(alice, "Lamp", "10")

	rec := api.do(http.MethodPost, "/api/cart/", alice, map[string]string{"item_id": lamp.ID})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.JSONEq(t, `{"message":"Cannot add your own item"}`, rec.Body.String())

	rec = api.do(http.MethodPost, "/api/cart/", bob, map[string]string{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.JSONEq(t, `{"message":"item_id is required"}`, rec.Body.String())

	rec = api.do(http.MethodPost, "/api/cart/", bob, map[string]string{"item_id": "missing"})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	entryID := api.addToCart(bob, lamp.ID)

	rec = api.do(http.MethodPost, "/api/cart/", bob, map[string]string{"item_id": lamp.ID})
	assert.Equal(t, http.StatusOK, rec.Code)
	var again models.AddToCartResponse
	decode(t, rec, &again)
	assert.Equal(t, "Already in cart", again.Message)
	assert.Equal(t, entryID, again.CartItem.ID)

	var cart []models.CartEntryView
	decode(t, api.do(http.MethodGet, "/api/cart/", bob, nil), &cart)
	require.Len(t, cart, 1)
	assert.Equal(t, "alice", cart[0].Seller)
	assert.Equal(t, "10.00", cart[0].Price)

	rec = api.do(http.MethodDelete, "/api/cart/"+entryID+"/", carol, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = api.do(http.MethodDelete, "/api/cart/"+entryID+"/", bob, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = api.do(http.MethodGet, "/api/cart/", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestPay_Success(t *testing.T) {
	t.Parallel()

	api := newTestAPI(t, false)
	alice := api.signup("alice")
	bob := api.signup("bob")
	x := api.createItem(alice, "X", "10.00")
	y := api.createItem(alice, "Y", "5.00")
	xEntry := api.addToCart(bob, x.ID)
	yEntry := api.addToCart(bob, y.ID)

	rec := api.do(http.MethodPost, "/api/cart/pay/", bob, map[string]interface{}{
		"items": []map[string]string{
			{"cart_item_id": xEntry, "price": "10.00"},
			{"cart_item_id": yEntry, "price": "5"},
		},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp models.CheckoutResponse
	decode(t, rec, &resp)
	assert.Len(t, resp.Purchased, 2)
	assert.ElementsMatch(t, []string{xEntry, yEntry}, resp.ClearedCartItemIDs)
	for _, item := range resp.Purchased {
		assert.Equal(t, "sold", item.Status)
		require.NotNil(t, item.Buyer)
		assert.Equal(t, "bob", *item.Buyer)
	}

	var cart []models.CartEntryView
	decode(t, api.do(http.MethodGet, "/api/cart/", bob, nil), &cart)
	assert.Empty(t, cart)

	var inv models.InventoryResponse
	decode(t, api.do(http.MethodGet, "/api/inventory/", alice, nil), &inv)
	assert.Empty(t, inv.OnSale)
	assert.Len(t, inv.Sold, 2)
	decode(t, api.do(http.MethodGet, "/api/inventory/", bob, nil), &inv)
	assert.Len(t, inv.Purchased, 2)
}

func TestPay_EmptyCartAndBadBody(t *testing.T) {
	t.Parallel()

	api := newTestAPI(t, false)
	bob := api.signup("bob")

	rec := api.do(http.MethodPost, "/api/cart/pay/", bob, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.JSONEq(t, `{"message":"Cart is empty"}`, rec.Body.String())

	rec = api.do(http.MethodPost, "/api/cart/pay/", bob, "{oops")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.JSONEq(t, `{"message":"Invalid JSON body"}`, rec.Body.String())

	rec = api.do(http.MethodPost, "/api/cart/pay/", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestPay_StalePriceReturnsConflict(t *testing.T) {
	t.Parallel()

	api := newTestAPI(t, false)
	alice := api.signup("alice")
	bob := api.signup("bob")
	x := api.createItem(alice, "X", "10.00")
	y := api.createItem(alice, "Y", "5.00")
	xEntry := api.addToCart(bob, x.ID)
	yEntry := api.addToCart(bob, y.ID)

	rec := api.do(http.MethodPost, "/api/cart/pay/", bob, map[string]interface{}{
		"items": []map[string]string{
			{"cart_item_id": xEntry, "price": "10.00"},
			{"cart_item_id": yEntry, "price": "6.00"},
		},
	})
	require.Equal(t, http.StatusConflict, rec.Code, rec.Body.String())

	var conflict models.CheckoutConflictResponse
	decode(t, rec, &conflict)
	assert.True(t, conflict.NeedsReview)
	assert.Empty(t, conflict.UnavailableItems)
	require.Len(t, conflict.PriceChanges, 1)
	assert.Equal(t, yEntry, conflict.PriceChanges[0].CartItemID)
	assert.Equal(t, "6.00", conflict.PriceChanges[0].ExpectedPrice)
	assert.Equal(t, "5.00", conflict.PriceChanges[0].CurrentPrice)
	assert.Contains(t, rec.Body.String(), `"unavailable_items":[]`)

	assert.Equal(t, models.StatusAvailable, api.item(x.ID).Status)
	assert.Equal(t, models.StatusAvailable, api.item(y.ID).Status)

	var cart []models.CartEntryView
	decode(t, api.do(http.MethodGet, "/api/cart/", bob, nil), &cart)
	assert.Len(t, cart, 2)
}

func TestPay_ConcurrentBuyers(t *testing.T) {
	t.Parallel()

	api := newTestAPI(t, false)
	seller := api.signup("seller")
	a := api.signup("a")
	b := api.signup("b")
	x := api.createItem(seller, "X", "10.00")
	api.addToCart(a, x.ID)
	api.addToCart(b, x.ID)

	tokens := []string{a, b}
	codes := make([]int, len(tokens))
	bodies := make([]string, len(tokens))
	var wg sync.WaitGroup
	for i, token := range tokens {
		wg.Add(1)
		go func(i int, token string) {
			defer wg.Done()
			req := httptest.NewRequest(http.MethodPost, "/api/cart/pay/", nil)
			req.Header.Set("Authorization", "Bearer "+token)
			rec := httptest.NewRecorder()
			api.handler.ServeHTTP(rec, req)
			codes[i] = rec.Code
			bodies[i] = rec.Body.String()
		}(i, token)
	}
	wg.Wait()

	assert.ElementsMatch(t, []int{http.StatusOK, http.StatusConflict}, codes)
	for i, code := range codes {
		if code != http.StatusConflict {
			continue
		}
		var conflict models.CheckoutConflictResponse
		require.NoError(t, json.Unmarshal([]byte(bodies[i]), &conflict))
		require.Len(t, conflict.UnavailableItems, 1)
		assert.Equal(t, x.ID, conflict.UnavailableItems[0].ItemID)
	}

	sold := api.item(x.ID)
	assert.Equal(t, models.StatusSold, sold.Status)
	assert.NotEmpty(t, sold.BuyerID)
}

func TestPreflightAndRoutingErrors(t *testing.T) {
	t.Parallel()

	api := newTestAPI(t, false)

	req := httptest.NewRequest(http.MethodOptions, "/api/cart/pay/", nil)
	req.Header.Set("Origin", "https://shop.example")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec := httptest.NewRecorder()
	api.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Empty(t, rec.Body.String())
	assert.Equal(t, "https://shop.example", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "true", rec.Header().Get("Access-Control-Allow-Credentials"))

	rec = api.do(http.MethodDelete, "/api/me/", "", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	assert.JSONEq(t, `{"message":"Method not allowed"}`, rec.Body.String())

	rec = api.do(http.MethodGet, "/api/nope/", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = api.do(http.MethodPost, "/api/seed-demo/", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = api.do(http.MethodGet, "/", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Stall backend is running.", rec.Body.String())

	rec = api.do(http.MethodGet, "/api/", "", nil)
	assert.JSONEq(t, `{"status":"ok","message":"API placeholder"}`, rec.Body.String())
}

func TestSeedDemo(t *testing.T) {
	t.Parallel()

	api := newTestAPI(t, true)

	rec := api.do(http.MethodPost, "/api/seed-demo/", "", nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.JSONEq(t, `{
		"message": "Database populated with 6 users (3 sellers) and 30 items.",
		"users_created": 6,
		"sellers_with_items": 3,
		"items_created": 30
	}`, rec.Body.String())

	rec = api.do(http.MethodPost, "/api/login/", "", map[string]string{"username": "testuser4", "password": "pass4"})
	assert.Equal(t, http.StatusOK, rec.Code)

	var items []models.ItemView
	decode(t, api.do(http.MethodGet, "/api/items/", "", nil), &items)
	assert.Len(t, items, 30)
}
