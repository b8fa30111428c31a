package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/stall/backend/internal/middleware"
	"github.com/stall/backend/internal/services"
)

type RouterDeps struct {
	Auth     services.Authenticator
	Items    *services.ItemService
	Cart     *services.CartService
	Checkout *services.CheckoutService
	// Seed is nil when demo seeding is disabled.
	Seed   *services.SeedService
	Logger *zap.Logger
}

// NewRouter builds the HTTP API. Paths match with or without a trailing slash.
func NewRouter(d RouterDeps) http.Handler {
	logger := d.Logger
	authHandler := NewAuthHandler(d.Auth, logger.Named("auth_handler"))
	itemHandler := NewItemHandler(d.Items, logger.Named("item_handler"))
	cartHandler := NewCartHandler(d.Cart, d.Checkout, logger.Named("cart_handler"))

	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(middleware.RequestLogger(logger.Named("http")))
	r.Use(chimw.Recoverer)
	r.Use(middleware.CORS())
	r.Use(middleware.Preflight)
	r.Use(chimw.StripSlashes)

	r.NotFound(notFound)
	r.MethodNotAllowed(methodNotAllowed)

	r.Get("/", landing)
	r.Get("/health", health)

	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.Authenticate(d.Auth, logger.Named("session")))

		r.Get("/", apiIndex)
		if d.Seed != nil {
			seedHandler := NewSeedHandler(d.Seed, logger.Named("seed_handler"))
			r.Post("/seed-demo", seedHandler.SeedDemo)
		}

		r.Post("/signup", authHandler.Signup)
		r.Post("/login", authHandler.Login)
		r.Get("/me", authHandler.Me)
		r.Post("/logout", authHandler.Logout)

		r.Get("/items", itemHandler.ListItems)

		// Protected routes
		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireAuth)

			r.Post("/change-password", authHandler.ChangePassword)

			r.Post("/items", itemHandler.CreateItem)
			r.Patch("/items/{itemID}", itemHandler.UpdateItem)
			r.Put("/items/{itemID}", itemHandler.UpdateItem)
			r.Delete("/items/{itemID}", itemHandler.DeleteItem)
			r.Get("/inventory", itemHandler.Inventory)

			r.Get("/cart", cartHandler.ListCart)
			r.Post("/cart", cartHandler.AddToCart)
			r.Post("/cart/pay", cartHandler.Pay)
			r.Delete("/cart/{entryID}", cartHandler.RemoveFromCart)
		})
	})

	return r
}
