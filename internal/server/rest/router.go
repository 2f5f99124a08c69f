package rest

import (
	"crypto/rsa"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// NewRouter returns a configured chi.Router for the SkyMirror API.
//
// Route layout:
//
//	GET /healthz                      – liveness probe (no authentication)
//	GET /allsky/                      – service banner (no authentication)
//	GET /allsky/api/image/status      – file snapshot (key + client admission)
//	GET /allsky/api/image/data        – raw file bytes (key + client admission)
//	GET /allsky/api/admin/sessions    – live claims (JWT required)
//	GET /allsky/api/admin/changes     – content-change history (JWT required)
//	GET /allsky/api/admin/claims      – admission-decision history (JWT required)
//
// adminKey is the RSA public key used to verify RS256 bearer tokens on the
// admin routes. Pass nil to disable admin authentication (useful in tests
// and dev deployments).
func NewRouter(srv *Server, adminKey *rsa.PublicKey) http.Handler {
	r := chi.NewRouter()

	// Built-in chi middleware for observability and hygiene.
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	// Health check – no authentication.
	r.Get("/healthz", srv.handleHealthz)

	r.Route("/allsky", func(r chi.Router) {
		r.Get("/", srv.handleRoot)

		// Mirror-client endpoints gated by session admission.
		r.Route("/api/image", func(r chi.Router) {
			r.Use(srv.admission)
			r.Get("/status", srv.handleStatus)
			r.Get("/data", srv.handleData)
		})

		// Operator endpoints.
		r.Route("/api/admin", func(r chi.Router) {
			if adminKey != nil {
				r.Use(adminAuth(adminKey, srv.logger))
			}
			r.Get("/sessions", srv.handleGetSessions)
			r.Get("/changes", srv.handleGetChanges)
			r.Get("/claims", srv.handleGetClaims)
		})
	})

	return r
}
