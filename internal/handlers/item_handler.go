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

type ItemHandler struct {
	items  *services.ItemService
	logger *zap.Logger
}

func NewItemHandler(items *services.ItemService, logger *zap.Logger) *ItemHandler {
	return &ItemHandler{items: items, logger: logger}
}

func (h *ItemHandler) ListItems(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	mine := isTruthy(query.Get("mine"))

	items, err := h.items.List(r.Context(), middleware.GetUser(r.Context()), query.Get("q"), mine)
	if err != nil {
		if errors.Is(err, services.ErrAuthRequired) {
			writeJSON(w, http.StatusUnauthorized, models.NewErrorResponse("Authentication required"))
			return
		}
		h.logger.Error("list items failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, models.NewErrorResponse("Failed to list items"))
		return
	}

	writeJSON(w, http.StatusOK, models.ItemViews(items))
}

func (h *ItemHandler) CreateItem(w http.ResponseWriter, r *http.Request) {
	user := middleware.GetUser(r.Context())

	var req models.CreateItemRequest
	if err := decodeJSON(w, r, &req); err != nil {
		invalidJSON(w)
		return
	}

	req.Normalize()
	price, errs := req.Validate()
	if len(errs) > 0 {
		writeJSON(w, http.StatusBadRequest, models.NewValidationErrorResponse(errs))
		return
	}

	item, err := h.items.Create(r.Context(), user, req.Title, req.Description, price)
	if err != nil {
		h.logger.Error("create item failed", zap.String("user_id", user.ID), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, models.NewErrorResponse("Failed to create item"))
		return
	}

	writeJSON(w, http.StatusCreated, models.ItemResponse{Message: "Item created", Item: item.View()})
}

func (h *ItemHandler) UpdateItem(w http.ResponseWriter, r *http.Request) {
	user := middleware.GetUser(r.Context())
	itemID := chi.URLParam(r, "itemID")

	// Ownership is settled before the body is looked at.
	if _, err := h.items.Owned(r.Context(), user, itemID); err != nil {
		h.updateFailed(w, itemID, err)
		return
	}

	var req models.UpdateItemRequest
	if err := decodeJSON(w, r, &req); err != nil {
		invalidJSON(w)
		return
	}

	price, errs := req.Validate()
	if len(errs) > 0 {
		writeJSON(w, http.StatusBadRequest, models.NewValidationErrorResponse(errs))
		return
	}

	item, err := h.items.UpdatePrice(r.Context(), user, itemID, price)
	if err != nil {
		h.updateFailed(w, itemID, err)
		return
	}

	writeJSON(w, http.StatusOK, models.ItemResponse{Message: "Price updated", Item: item.View()})
}

func (h *ItemHandler) updateFailed(w http.ResponseWriter, itemID string, err error) {
	switch {
	case errors.Is(err, services.ErrItemNotFound):
		writeJSON(w, http.StatusNotFound, models.NewErrorResponse("Item not found"))
	case errors.Is(err, services.ErrForbidden):
		writeJSON(w, http.StatusForbidden, models.NewErrorResponse("Forbidden"))
	case errors.Is(err, services.ErrItemNotAvailable):
		writeJSON(w, http.StatusBadRequest, models.NewErrorResponse("Only available items can be edited"))
	default:
		h.logger.Error("update item failed", zap.String("item_id", itemID), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, models.NewErrorResponse("Failed to update item"))
	}
}

func (h *ItemHandler) DeleteItem(w http.ResponseWriter, r *http.Request) {
	user := middleware.GetUser(r.Context())
	itemID := chi.URLParam(r, "itemID")

	if err := h.items.Delete(r.Context(), user, itemID); err != nil {
		switch {
		case errors.Is(err, services.ErrItemNotFound):
			writeJSON(w, http.StatusNotFound, models.NewErrorResponse("Not found"))
		case errors.Is(err, services.ErrForbidden):
			writeJSON(w, http.StatusForbidden, models.NewErrorResponse("Forbidden"))
		default:
			h.logger.Error("delete item failed", zap.String("item_id", itemID), zap.Error(err))
			writeJSON(w, http.StatusInternalServerError, models.NewErrorResponse("Failed to delete item"))
		}
		return
	}

	writeMessage(w, http.StatusOK, "Item deleted")
}

func (h *ItemHandler) Inventory(w http.ResponseWriter, r *http.Request) {
	user := middleware.GetUser(r.Context())

	inv, err := h.items.Inventory(r.Context(), user)
	if err != nil {
		h.logger.Error("inventory failed", zap.String("user_id", user.ID), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, models.NewErrorResponse("Failed to load inventory"))
		return
	}

	writeJSON(w, http.StatusOK, models.InventoryResponse{
		OnSale:    models.ItemViews(inv.OnSale),
		Sold:      models.ItemViews(inv.Sold),
		Purchased: models.ItemViews(inv.Purchased),
	})
}

func isTruthy(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes":
		return true
	}
	return false
}
