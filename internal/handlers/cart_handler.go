package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/stall/backend/internal/middleware"
	"github.com/stall/backend/internal/models"
	"github.com/stall/backend/internal/services"
)

type CartHandler struct {
	cart     *services.CartService
	checkout *services.CheckoutService
	logger   *zap.Logger
}

func NewCartHandler(cart *services.CartService, checkout *services.CheckoutService, logger *zap.Logger) *CartHandler {
	return &CartHandler{cart: cart, checkout: checkout, logger: logger}
}

func (h *CartHandler) ListCart(w http.ResponseWriter, r *http.Request) {
	user := middleware.GetUser(r.Context())

	entries, err := h.cart.List(r.Context(), user)
	if err != nil {
		h.logger.Error("list cart failed", zap.String("user_id", user.ID), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, models.NewErrorResponse("Failed to load cart"))
		return
	}

	writeJSON(w, http.StatusOK, models.CartEntryViews(entries))
}

func (h *CartHandler) AddToCart(w http.ResponseWriter, r *http.Request) {
	user := middleware.GetUser(r.Context())

	var req models.AddToCartRequest
	if err := decodeJSON(w, r, &req); err != nil {
		invalidJSON(w)
		return
	}
	itemID := strings.TrimSpace(req.ItemID)
	if itemID == "" {
		writeJSON(w, http.StatusBadRequest, models.NewErrorResponse("item_id is required"))
		return
	}

	entry, created, err := h.cart.Add(r.Context(), user, itemID)
	if err != nil {
		switch {
		case errors.Is(err, services.ErrItemNotFound):
			writeJSON(w, http.StatusNotFound, models.NewErrorResponse("Item not found"))
		case errors.Is(err, services.ErrOwnItem):
			writeJSON(w, http.StatusBadRequest, models.NewErrorResponse("Cannot add your own item"))
		case errors.Is(err, services.ErrItemNotAvailable):
			writeJSON(w, http.StatusBadRequest, models.NewErrorResponse("Item is no longer available"))
		default:
			h.logger.Error("add to cart failed", zap.String("user_id", user.ID), zap.String("item_id", itemID), zap.Error(err))
			writeJSON(w, http.StatusInternalServerError, models.NewErrorResponse("Failed to add to cart"))
		}
		return
	}

	resp := models.AddToCartResponse{
		Message: "Added to cart",
		CartItem: models.CartItemSummary{
			ID:     entry.ID,
			ItemID: entry.Item.ID,
			Title:  entry.Item.Name,
			Price:  models.FormatPrice(entry.Item.Price),
			Seller: entry.Item.OwnerUsername,
		},
	}
	status := http.StatusCreated
	if !created {
		resp.Message = "Already in cart"
		status = http.StatusOK
	}
	writeJSON(w, status, resp)
}

func (h *CartHandler) RemoveFromCart(w http.ResponseWriter, r *http.Request) {
	user := middleware.GetUser(r.Context())
	entryID := chi.URLParam(r, "entryID")

	if err := h.cart.Remove(r.Context(), user, entryID); err != nil {
		if errors.Is(err, services.ErrCartEntryNotFound) {
			writeJSON(w, http.StatusNotFound, models.NewErrorResponse("Not found"))
			return
		}
		h.logger.Error("remove from cart failed", zap.String("entry_id", entryID), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, models.NewErrorResponse("Failed to remove from cart"))
		return
	}

	writeMessage(w, http.StatusOK, "Removed from cart")
}

// Pay checks out the whole cart. A 409 carries the price changes and
// unavailable items the client must review before retrying.
func (h *CartHandler) Pay(w http.ResponseWriter, r *http.Request) {
	user := middleware.GetUser(r.Context())

	var req models.CheckoutRequest
	if err := decodeOptionalJSON(w, r, &req); err != nil {
		invalidJSON(w)
		return
	}
	if errs := req.Validate(); len(errs) > 0 {
		writeJSON(w, http.StatusBadRequest, models.NewValidationErrorResponse(errs))
		return
	}

	result, err := h.checkout.Pay(r.Context(), user, req.ExpectedPrices())
	if err != nil {
		var conflict *services.CheckoutConflictError
		switch {
		case errors.As(err, &conflict):
			writeJSON(w, http.StatusConflict, conflictResponse(conflict))
		case errors.Is(err, services.ErrCartEmpty):
			writeJSON(w, http.StatusBadRequest, models.NewErrorResponse("Cart is empty"))
		default:
			h.logger.Error("checkout failed", zap.String("user_id", user.ID), zap.Error(err))
			writeJSON(w, http.StatusInternalServerError, models.NewErrorResponse("Checkout failed"))
		}
		return
	}

	writeJSON(w, http.StatusOK, models.CheckoutResponse{
		Message:            "Purchase complete",
		Purchased:          models.ItemViews(result.Purchased),
		ClearedCartItemIDs: result.ClearedCartItemIDs,
	})
}

func conflictResponse(c *services.CheckoutConflictError) models.CheckoutConflictResponse {
	resp := models.CheckoutConflictResponse{
		Message:          "Some items in your cart changed. Review your cart and try again.",
		NeedsReview:      true,
		PriceChanges:     c.PriceChanges,
		UnavailableItems: c.UnavailableItems,
	}
	if resp.PriceChanges == nil {
		resp.PriceChanges = []models.PriceChange{}
	}
	if resp.UnavailableItems == nil {
		resp.UnavailableItems = []models.UnavailableItem{}
	}
	return resp
}
