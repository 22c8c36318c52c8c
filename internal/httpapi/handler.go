package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"regexp"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/arkiv/chain-event-relay/internal/record"
	"github.com/arkiv/chain-event-relay/internal/store"
)

// Backend is what the handlers need from the store.
type Backend interface {
	store.Reader
	Ping(ctx context.Context) error
}

type handlers struct {
	backend   Backend
	log       *slog.Logger
	opTimeout time.Duration
}

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// collectionName is what a collection may be called. Names that match but were never
// written to read as empty.
var collectionName = regexp.MustCompile(`^[a-z0-9_]{1,64}$`)

// listEntries serves GET /api/{collection}-entries.
func (h *handlers) listEntries(w http.ResponseWriter, r *http.Request) {
	collection := chi.URLParam(r, "collection")
	if !collectionName.MatchString(collection) {
		writeError(w, http.StatusNotFound, "invalid_collection", "malformed collection name")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.opTimeout)
	defer cancel()

	recs, err := h.backend.ListAll(ctx, collection)
	if err != nil {
		code := "query_failed"
		var qe *store.QueryError
		if errors.As(err, &qe) && qe.Kind == store.Timeout {
			code = "query_timeout"
		}
		h.log.ErrorContext(r.Context(), "list_entries_failed",
			"collection", collection, "error", err, "request_id", RequestID(r.Context()))
		writeError(w, http.StatusInternalServerError, code, "could not read "+collection)
		return
	}
	if recs == nil {
		recs = []record.Record{}
	}
	writeJSON(w, http.StatusOK, recs)
}

func (h *handlers) healthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (h *handlers) readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.opTimeout)
	defer cancel()
	if err := h.backend.Ping(ctx); err != nil {
		h.log.WarnContext(r.Context(), "readiness_failed", "error", err)
		writeError(w, http.StatusServiceUnavailable, "store_unavailable", "store is not reachable")
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		slog.Error("encode response", "err", err)
		writeError(w, http.StatusInternalServerError, "encode_failed", "internal error")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	body, _ := json.Marshal(errorBody{Error: errorDetail{Code: code, Message: msg}})
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}
