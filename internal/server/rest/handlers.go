// Package rest provides the HTTP API for the SkyMirror server: the
// key-authenticated image endpoints polled by mirror clients, and the
// JWT-guarded operator endpoints for sessions and observation history.
package rest

import (
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"log/slog"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/skywatch/skymirror/internal/history"
	"github.com/skywatch/skymirror/internal/session"
	"github.com/skywatch/skymirror/internal/tracker"
)

// StatusSource yields the latest committed file snapshot. Implemented by
// *tracker.Tracker; an interface so handlers are testable without a
// background refresh loop.
type StatusSource interface {
	Snapshot() tracker.Snapshot
}

// Admitter arbitrates key admission. Implemented by *session.Guard.
type Admitter interface {
	Admit(key, holderID, sourceAddr string, now time.Time) (session.Outcome, error)
	Active(now time.Time) []session.ClaimInfo
}

// History is the subset of history.Store used by the REST layer. A nil
// History disables recording and the history query endpoints.
type History interface {
	RecordClaim(ctx context.Context, rec history.ClaimRecord) error
	QueryChanges(ctx context.Context, from, to time.Time, limit int) ([]history.ChangeRecord, error)
	QueryClaims(ctx context.Context, from, to time.Time, limit int) ([]history.ClaimRecord, error)
}

// Server holds the dependencies needed by the REST handlers.
type Server struct {
	status    StatusSource
	guard     Admitter
	history   History // nil disables history recording and queries
	imagePath string
	logger    *slog.Logger

	// now is the request clock; replaced in tests.
	now func() time.Time
}

// NewServer creates a Server. hist may be nil.
func NewServer(status StatusSource, guard Admitter, hist History, imagePath string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		status:    status,
		guard:     guard,
		history:   hist,
		imagePath: imagePath,
		logger:    logger,
		now:       time.Now,
	}
}

// statusResponse is the wire shape of GET /allsky/api/image/status.
// last_modified and md5 are null while the file does not exist.
type statusResponse struct {
	Exists       bool    `json:"exists"`
	LastModified *string `json:"last_modified"`
	Size         int64   `json:"size"`
	MD5          *string `json:"md5"`
}

// handleHealthz responds to GET /healthz. No authentication; returns HTTP
// 200 with a simple JSON body so orchestrators can verify liveness.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleRoot responds to GET /allsky/ with a service banner.
func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"message": "SkyMirror API is running"})
}

// handleStatus responds to GET /allsky/api/image/status.
//
// last_modified is the instant the server detected a content change, not a
// filesystem timestamp; it survives deletion of the file and is null only
// when the file has never been observed.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	snap := s.status.Snapshot()

	resp := statusResponse{
		Exists: snap.Exists,
		Size:   snap.Size,
	}
	if snap.Exists {
		md5 := snap.MD5
		resp.MD5 = &md5
	}
	if !snap.LastChanged.IsZero() {
		ts := snap.LastChanged.UTC().Format(time.RFC3339Nano)
		resp.LastModified = &ts
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleData responds to GET /allsky/api/image/data with the raw file bytes.
// The Content-Type is derived from the file extension. Returns 404 when the
// file is absent at serve time; callers should re-poll status first.
func (s *Server) handleData(w http.ResponseWriter, r *http.Request) {
	data, err := os.ReadFile(s.imagePath)
	if errors.Is(err, fs.ErrNotExist) {
		writeJSONError(w, http.StatusNotFound, "image file does not exist")
		return
	}
	if err != nil {
		s.logger.Error("rest: read image file",
			slog.String("path", s.imagePath),
			slog.Any("error", err),
		)
		writeJSONError(w, http.StatusInternalServerError, "failed to read image file")
		return
	}

	contentType := mime.TypeByExtension(filepath.Ext(s.imagePath))
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// handleGetSessions responds to GET /allsky/api/admin/sessions with the
// claims whose holders are still within the liveness timeout.
func (s *Server) handleGetSessions(w http.ResponseWriter, r *http.Request) {
	live := s.guard.Active(s.now())
	if live == nil {
		live = []session.ClaimInfo{}
	}
	writeJSON(w, http.StatusOK, live)
}

// handleGetChanges responds to GET /allsky/api/admin/changes.
//
// Supported query parameters:
//
//	from  – RFC3339 start of the observed_at window (required)
//	to    – RFC3339 end of the observed_at window (required)
//	limit – maximum number of results (default 100, max 1000)
//
// Returns HTTP 400 on missing or malformed parameters and HTTP 503 when no
// history store is configured.
func (s *Server) handleGetChanges(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeJSONError(w, http.StatusServiceUnavailable, "history store not configured")
		return
	}
	from, to, limit, ok := parseWindow(w, r)
	if !ok {
		return
	}

	recs, err := s.history.QueryChanges(r.Context(), from, to, limit)
	if err != nil {
		s.logger.Error("rest: query change history", slog.Any("error", err))
		writeJSONError(w, http.StatusInternalServerError, "failed to query change history")
		return
	}
	if recs == nil {
		recs = []history.ChangeRecord{}
	}
	writeJSON(w, http.StatusOK, recs)
}

// handleGetClaims responds to GET /allsky/api/admin/claims with recorded
// admission decisions. Query parameters match handleGetChanges.
func (s *Server) handleGetClaims(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeJSONError(w, http.StatusServiceUnavailable, "history store not configured")
		return
	}
	from, to, limit, ok := parseWindow(w, r)
	if !ok {
		return
	}

	recs, err := s.history.QueryClaims(r.Context(), from, to, limit)
	if err != nil {
		s.logger.Error("rest: query claim history", slog.Any("error", err))
		writeJSONError(w, http.StatusInternalServerError, "failed to query claim history")
		return
	}
	if recs == nil {
		recs = []history.ClaimRecord{}
	}
	writeJSON(w, http.StatusOK, recs)
}

// parseWindow extracts and validates the from/to/limit query parameters
// shared by the history endpoints. On failure it writes the 400 response and
// returns ok=false.
func parseWindow(w http.ResponseWriter, r *http.Request) (from, to time.Time, limit int, ok bool) {
	q := r.URL.Query()

	fromStr := q.Get("from")
	toStr := q.Get("to")
	if fromStr == "" || toStr == "" {
		writeJSONError(w, http.StatusBadRequest, "query parameters 'from' and 'to' are required (RFC3339)")
		return
	}

	var err error
	from, err = time.Parse(time.RFC3339, fromStr)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "'from' must be a valid RFC3339 timestamp")
		return
	}
	to, err = time.Parse(time.RFC3339, toStr)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "'to' must be a valid RFC3339 timestamp")
		return
	}
	if !to.After(from) {
		writeJSONError(w, http.StatusBadRequest, "'to' must be after 'from'")
		return
	}

	if limitStr := q.Get("limit"); limitStr != "" {
		limit, err = strconv.Atoi(limitStr)
		if err != nil || limit <= 0 {
			writeJSONError(w, http.StatusBadRequest, "'limit' must be a positive integer")
			return
		}
	}

	ok = true
	return
}

// writeJSON writes v as the JSON response body with the given status code.
func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
