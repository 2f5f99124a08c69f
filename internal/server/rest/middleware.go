// Admission and operator-authentication middleware.
//
// # Image endpoints
//
// Every request to the image endpoints must carry two headers:
//
//	X-Api-Key:    one of the configured access keys
//	X-Client-Id:  the client's stable opaque identity
//
// The admission middleware passes the (key, client, source address) tuple to
// the session guard and maps its verdict onto HTTP status codes:
//
//	unknown or missing key            → 403
//	missing client identity           → 400
//	key held by a different live client → 409 (with a Retry-After hint)
//
// # Operator endpoints
//
// The admin routes require an RS256 bearer token verified against the
// configured RSA public key:
//
//	Authorization: Bearer <compact-JWT>
package rest

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/skywatch/skymirror/internal/history"
	"github.com/skywatch/skymirror/internal/session"
)

// Header names consumed by the admission middleware.
const (
	HeaderAPIKey   = "X-Api-Key"
	HeaderClientID = "X-Client-Id"
)

// admission returns middleware that gates the image endpoints through the
// session guard. Noteworthy verdicts (first claims, takeovers, conflicts)
// are recorded to the history store when one is configured; routine
// refreshes from the incumbent holder are not.
func (s *Server) admission(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get(HeaderAPIKey)
		clientID := r.Header.Get(HeaderClientID)
		source := sourceAddr(r)
		now := s.now()

		outcome, err := s.guard.Admit(key, clientID, source, now)
		if err == nil {
			if outcome != session.OutcomeRefreshed {
				s.logger.Info("session: admitted",
					slog.String("outcome", string(outcome)),
					slog.String("client_id", clientID),
					slog.String("source", source),
				)
				s.recordClaim(r, history.ClaimRecord{
					OccurredAt: now.UTC(),
					KeyPrefix:  session.TruncateKey(key),
					HolderID:   clientID,
					SourceAddr: source,
					Outcome:    string(outcome),
				})
			}
			next.ServeHTTP(w, r)
			return
		}

		var conflict *session.ConflictError
		switch {
		case errors.Is(err, session.ErrUnknownKey):
			s.logger.Warn("session: rejected unknown key",
				slog.String("source", source),
			)
			writeJSONError(w, http.StatusForbidden, "invalid or missing API key")

		case errors.Is(err, session.ErrMissingHolder):
			writeJSONError(w, http.StatusBadRequest, "missing X-Client-Id header")

		case errors.As(err, &conflict):
			s.logger.Warn("session: conflict",
				slog.String("client_id", clientID),
				slog.String("holder", conflict.HolderPrefix),
				slog.String("source", source),
			)
			s.recordClaim(r, history.ClaimRecord{
				OccurredAt: now.UTC(),
				KeyPrefix:  session.TruncateKey(key),
				HolderID:   clientID,
				SourceAddr: source,
				Outcome:    string(session.OutcomeDenied),
			})
			retrySeconds := int(conflict.RetryAfter.Seconds())
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Retry-After", fmt.Sprint(retrySeconds))
			w.WriteHeader(http.StatusConflict)
			_ = writeConflictBody(w, conflict, retrySeconds)

		default:
			s.logger.Error("session: admission failed", slog.Any("error", err))
			writeJSONError(w, http.StatusInternalServerError, "admission failure")
		}
	})
}

// conflictResponse is the 409 body: enough for a client to report who holds
// the key and when to retry.
type conflictResponse struct {
	Error             string `json:"error"`
	Holder            string `json:"holder"`
	Source            string `json:"source"`
	RetryAfterSeconds int    `json:"retry_after_seconds"`
}

func writeConflictBody(w http.ResponseWriter, conflict *session.ConflictError, retrySeconds int) error {
	body := conflictResponse{
		Error: fmt.Sprintf("API key is in use by another client (ID: %s…, source: %s)",
			conflict.HolderPrefix, conflict.SourceAddr),
		Holder:            conflict.HolderPrefix,
		Source:            conflict.SourceAddr,
		RetryAfterSeconds: retrySeconds,
	}
	return json.NewEncoder(w).Encode(body)
}

// recordClaim persists rec when a history store is configured. Recording
// failures are logged, never surfaced: history is an audit, not a gate.
func (s *Server) recordClaim(r *http.Request, rec history.ClaimRecord) {
	if s.history == nil {
		return
	}
	if err := s.history.RecordClaim(r.Context(), rec); err != nil {
		s.logger.Warn("rest: record claim history", slog.Any("error", err))
	}
}

// sourceAddr extracts the client's address from the request. The chi RealIP
// middleware has already rewritten RemoteAddr when the request came through
// a proxy; the port, when present, is stripped.
func sourceAddr(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

// adminAuth returns middleware that enforces RS256 bearer-token
// authentication on the operator endpoints. On failure the response is HTTP
// 401 with a JSON error body; next is never called.
func adminAuth(pubKey *rsa.PublicKey, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := r.Header.Get("Authorization")
			if !strings.HasPrefix(raw, "Bearer ") {
				writeJSONError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
			tokenStr := strings.TrimPrefix(raw, "Bearer ")

			token, err := jwt.Parse(tokenStr,
				func(t *jwt.Token) (any, error) {
					if _, ok := t.Method.(*jwt.SigningMethodRSA); !ok {
						return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
					}
					return pubKey, nil
				},
				jwt.WithValidMethods([]string{"RS256"}),
			)
			if err != nil || !token.Valid {
				logger.Warn("admin: authentication failed",
					slog.String("path", r.URL.Path),
					slog.String("remote_addr", r.RemoteAddr),
					slog.Any("error", err),
				)
				writeJSONError(w, http.StatusUnauthorized, "unauthorized")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// ParseRSAPublicKey decodes a PEM block and parses an RSA public key. It
// accepts both PKCS#1 ("RSA PUBLIC KEY") and PKIX ("PUBLIC KEY") encodings.
func ParseRSAPublicKey(pemData []byte) (*rsa.PublicKey, error) {
	block, _ := pem.Decode(pemData)
	if block == nil {
		return nil, errors.New("jwt: no PEM block found in public key data")
	}
	switch block.Type {
	case "RSA PUBLIC KEY":
		key, err := x509.ParsePKCS1PublicKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("jwt: PKCS#1 parse error: %w", err)
		}
		return key, nil
	case "PUBLIC KEY":
		key, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("jwt: PKIX parse error: %w", err)
		}
		rsaKey, ok := key.(*rsa.PublicKey)
		if !ok {
			return nil, errors.New("jwt: public key is not an RSA key")
		}
		return rsaKey, nil
	default:
		return nil, fmt.Errorf("jwt: unsupported PEM type %q", block.Type)
	}
}

// writeJSONError writes an HTTP error response with a JSON body.
func writeJSONError(w http.ResponseWriter, code int, detail string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	body := fmt.Sprintf(`{"error":%q}`, detail)
	_, _ = w.Write([]byte(body))
}
