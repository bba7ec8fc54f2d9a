package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/jonboulle/clockwork"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/sharedtimer/relay-backend/internal/registry"
	"github.com/sharedtimer/relay-backend/internal/ws"
)

func SetupRoutes(reg *registry.Registry, clock clockwork.Clock, log *zap.Logger, allowedOrigins []string) http.Handler {
	r := chi.NewRouter()

	r.Get("/lobbies", ListLobbies(reg))
	r.Get("/health", Health)
	r.Get("/ws", ws.Handler(reg, clock, log))

	c := cors.New(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{http.MethodGet},
	})
	return c.Handler(r)
}
