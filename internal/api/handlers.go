package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"collabedit/internal/audit"
	"collabedit/internal/hub"
	"collabedit/internal/store"
)

// Handler serves the metadata API: create document (POST), read document
// (GET by id, creating lazily if absent), read stats (GET via engine), and
// the (ADDED) audit trail (GET via the audit Logger, when configured).
type Handler struct {
	Store     store.Store
	Hub       *hub.Hub
	AuditRead AuditReader
	Log       *zap.Logger
}

// AuditReader is implemented by *audit.PostgresLogger; it is absent (nil)
// when AUDIT_DATABASE_URL is unset.
type AuditReader interface {
	Entries(ctx context.Context, documentID string, limit int) ([]audit.Record, error)
}

type createDocumentRequest struct {
	Title   string `json:"title"`
	Content string `json:"content"`
	UserID  string `json:"userId"`
}

func (h *Handler) CreateDocument(w http.ResponseWriter, r *http.Request) {
	var req createDocumentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	doc, err := h.Store.Create(r.Context(), req.Title, req.UserID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if req.Content != "" {
		doc.Content = req.Content
		if err := h.Store.Save(r.Context(), doc); err != nil {
			h.Log.Warn("failed to persist initial content", zap.String("documentId", doc.ID), zap.Error(err))
		}
	}
	writeJSON(w, http.StatusCreated, doc)
}

// GetDocument reads a document by id, creating it lazily if absent.
func (h *Handler) GetDocument(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	doc, err := h.Store.Load(r.Context(), id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if doc == nil {
		doc = store.NewEmpty(id, "", "", time.Now())
		if err := h.Store.Save(r.Context(), doc); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
	}
	writeJSON(w, http.StatusOK, doc)
}

func (h *Handler) GetStats(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	stats, err := h.Hub.Stats(r.Context(), id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// GetAudit serves the (ADDED) operation audit trail. Returns 404 when no
// audit backend is configured rather than silently returning an empty
// list, so callers can distinguish "no audit configured" from "no ops
// applied yet".
func (h *Handler) GetAudit(w http.ResponseWriter, r *http.Request) {
	if h.AuditRead == nil {
		http.Error(w, "audit log not configured", http.StatusNotFound)
		return
	}
	id := mux.Vars(r)["id"]
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	entries, err := h.AuditRead.Entries(r.Context(), id, limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
