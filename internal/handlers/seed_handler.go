package handlers

import (
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/stall/backend/internal/models"
	"github.com/stall/backend/internal/services"
)

type SeedHandler struct {
	seed   *services.SeedService
	logger *zap.Logger
}

func NewSeedHandler(seed *services.SeedService, logger *zap.Logger) *SeedHandler {
	return &SeedHandler{seed: seed, logger: logger}
}

func (h *SeedHandler) SeedDemo(w http.ResponseWriter, r *http.Request) {
	summary, err := h.seed.Seed(r.Context())
	if err != nil {
		h.logger.Error("seed demo data failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, models.NewErrorResponse("Failed to populate demo data"))
		return
	}

	writeJSON(w, http.StatusCreated, models.SeedResponse{
		Message: fmt.Sprintf("Database populated with %d users (%d sellers) and %d items.",
			summary.Users, summary.Sellers, summary.Items),
		UsersCreated:     summary.Users,
		SellersWithItems: summary.Sellers,
		ItemsCreated:     summary.Items,
	})
}

func landing(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("Stall backend is running."))
}

func apiIndex(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, models.StatusResponse{Status: "ok", Message: "API placeholder"})
}

func health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}
