package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/opensource-finance/fraudscope/internal/alert"
	"github.com/opensource-finance/fraudscope/internal/analyzer"
	"github.com/opensource-finance/fraudscope/internal/cache"
	"github.com/opensource-finance/fraudscope/internal/domain"
	"github.com/opensource-finance/fraudscope/internal/worker"
)

// Handler holds dependencies for API handlers.
type Handler struct {
	store       domain.GraphStore
	kv          domain.Cache
	stream      domain.Stream
	scorer      *worker.Scorer
	pool        *worker.Pool
	batch       *analyzer.Analyzer
	snapshots   *analyzer.Cache
	broadcaster *alert.Broadcaster
	streamCfg   domain.StreamConfig

	validate  *validator.Validate
	version   string
	startedAt time.Time
}

// NewHandler creates a new API handler.
func NewHandler(store domain.GraphStore, kv domain.Cache, stream domain.Stream,
	scorer *worker.Scorer, pool *worker.Pool, batch *analyzer.Analyzer,
	snapshots *analyzer.Cache, broadcaster *alert.Broadcaster,
	streamCfg domain.StreamConfig, version string) *Handler {
	return &Handler{
		store:       store,
		kv:          kv,
		stream:      stream,
		scorer:      scorer,
		pool:        pool,
		batch:       batch,
		snapshots:   snapshots,
		broadcaster: broadcaster,
		streamCfg:   streamCfg,
		validate:    validator.New(),
		version:     version,
		startedAt:   time.Now().UTC(),
	}
}

// scoreRequest is the POST /transaction payload. It mirrors the stream
// record; unknown keys are accepted and ignored.
type scoreRequest struct {
	TxID       string  `json:"tx_id" validate:"required"`
	SenderID   string  `json:"sender_id" validate:"required"`
	ReceiverID string  `json:"receiver_id" validate:"required"`
	Amount     float64 `json:"amount" validate:"gte=0"`
	Timestamp  int64   `json:"timestamp"`

	DeviceHash string `json:"device_hash,omitempty"`
	DeviceOS   string `json:"device_os,omitempty"`
	IPAddress  string `json:"ip_address,omitempty" validate:"omitempty,ip4_addr"`

	SenderLat *float64 `json:"sender_lat,omitempty" validate:"omitempty,latitude"`
	SenderLon *float64 `json:"sender_lon,omitempty" validate:"omitempty,longitude"`

	Channel        string `json:"channel,omitempty"`
	CredentialType string `json:"credential_type,omitempty"`

	UPIIDSender   string `json:"upi_id_sender,omitempty"`
	UPIIDReceiver string `json:"upi_id_receiver,omitempty"`
}

func (r *scoreRequest) toStreamRecord() *domain.StreamRecord {
	return &domain.StreamRecord{
		TxID:           r.TxID,
		SenderID:       r.SenderID,
		ReceiverID:     r.ReceiverID,
		Amount:         r.Amount,
		Timestamp:      r.Timestamp,
		DeviceHash:     r.DeviceHash,
		DeviceOS:       r.DeviceOS,
		IPAddress:      r.IPAddress,
		SenderLat:      r.SenderLat,
		SenderLon:      r.SenderLon,
		Channel:        r.Channel,
		CredentialType: r.CredentialType,
		UPIIDSender:    r.UPIIDSender,
		UPIIDReceiver:  r.UPIIDReceiver,
	}
}

// ScoreTransaction handles POST /transaction: synchronous scoring with
// semantics identical to the worker path minus the stream
// acknowledgment. With ?async=true the record is appended to the stream
// instead and scored by the worker pool.
func (h *Handler) ScoreTransaction(w http.ResponseWriter, r *http.Request) {
	var req scoreRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid JSON payload: "+err.Error())
		return
	}
	if err := h.validate.Struct(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "validation failed: "+err.Error())
		return
	}

	rec := req.toStreamRecord()

	if r.URL.Query().Get("async") == "true" {
		payload, err := json.Marshal(rec)
		if err != nil {
			h.respondError(w, http.StatusInternalServerError, "encode record: "+err.Error())
			return
		}
		id, err := h.stream.Append(r.Context(), h.streamCfg.Key, payload)
		if err != nil {
			h.respondError(w, http.StatusServiceUnavailable, "enqueue failed: "+err.Error())
			return
		}
		h.respondJSON(w, http.StatusAccepted, map[string]string{
			"tx_id":     rec.TxID,
			"stream_id": id,
			"status":    "queued",
		})
		return
	}

	scored, err := h.scorer.Score(r.Context(), rec.ToTransaction())
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, domain.ErrInvalidInput) {
			status = http.StatusBadRequest
		} else if errors.Is(err, domain.ErrTransientStore) {
			status = http.StatusServiceUnavailable
		}
		h.respondError(w, status, "scoring failed: "+err.Error())
		return
	}

	go h.broadcaster.Broadcast(r.Context(), scored)
	if err := cache.PutScored(r.Context(), h.kv, scored); err != nil {
		slog.Debug("scored-record cache write failed", "tx_id", scored.TxID, "error", err)
	}

	h.respondJSON(w, http.StatusOK, scored)
}

// GetTransaction handles GET /transactions/{id}: returns the scored
// record for a recently processed transaction.
func (h *Handler) GetTransaction(w http.ResponseWriter, r *http.Request) {
	txID := chi.URLParam(r, "id")
	if txID == "" {
		h.respondError(w, http.StatusBadRequest, "transaction id is required")
		return
	}

	rec, err := cache.GetScored(r.Context(), h.kv, txID)
	if err != nil {
		h.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if rec == nil {
		h.respondError(w, http.StatusNotFound, "transaction not found or not yet scored")
		return
	}
	h.respondJSON(w, http.StatusOK, rec)
}

// DashboardStats handles GET /dashboard/stats: aggregate counters from
// the worker pool, broadcaster, analyzer and stream.
func (h *Handler) DashboardStats(w http.ResponseWriter, r *http.Request) {
	pending, err := h.stream.PendingCount(r.Context(), h.streamCfg.Key, h.streamCfg.Group)
	if err != nil {
		slog.Warn("pending count unavailable", "error", err)
	}

	h.respondJSON(w, http.StatusOK, map[string]any{
		"workers":  h.pool.GetStats(),
		"alerts":   h.broadcaster.GetStats(),
		"analyzer": h.batch.Stats(),
		"stream": map[string]any{
			"key":     h.streamCfg.Key,
			"group":   h.streamCfg.Group,
			"pending": pending,
		},
		"uptime_seconds": int64(time.Since(h.startedAt).Seconds()),
	})
}

// FraudNetwork handles GET /viz/fraud-network: the flagged-account
// subgraph from the current collusion snapshot.
func (h *Handler) FraudNetwork(w http.ResponseWriter, r *http.Request) {
	snap := h.snapshots.Current()
	if snap == nil {
		h.respondJSON(w, http.StatusOK, map[string]any{
			"generation": 0,
			"nodes":      []any{},
			"edges":      []any{},
		})
		return
	}

	type node struct {
		AccountID string   `json:"account_id"`
		ClusterID string   `json:"cluster_id,omitempty"`
		Patterns  []string `json:"patterns"`
	}
	nodes := make([]node, 0, len(snap.Patterns))
	for id, patterns := range snap.Patterns {
		nodes = append(nodes, node{
			AccountID: id,
			ClusterID: snap.AccountCluster[id],
			Patterns:  patterns,
		})
	}

	h.respondJSON(w, http.StatusOK, map[string]any{
		"generation":  snap.Generation,
		"computed_at": snap.ComputedAt,
		"nodes":       nodes,
		"edges":       snap.FlaggedEdges,
		"clusters":    snap.Clusters,
	})
}

// DeviceSharing handles GET /viz/device-sharing: devices used by two or
// more accounts, from the current snapshot.
func (h *Handler) DeviceSharing(w http.ResponseWriter, r *http.Request) {
	snap := h.snapshots.Current()
	if snap == nil {
		h.respondJSON(w, http.StatusOK, map[string]any{
			"generation": 0,
			"devices":    []any{},
		})
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]any{
		"generation":  snap.Generation,
		"computed_at": snap.ComputedAt,
		"devices":     snap.DeviceSharing,
	})
}

// AnalyticsStatus handles GET /analytics/status.
func (h *Handler) AnalyticsStatus(w http.ResponseWriter, r *http.Request) {
	h.respondJSON(w, http.StatusOK, h.batch.Stats())
}

// DBCounts handles GET /db/counts.
func (h *Handler) DBCounts(w http.ResponseWriter, r *http.Request) {
	counts, err := h.store.Counts(r.Context())
	if err != nil {
		h.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.respondJSON(w, http.StatusOK, counts)
}

// Health handles GET /health.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	h.respondJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": h.version,
		"uptime":  time.Since(h.startedAt).String(),
	})
}

// Ready handles GET /ready: verifies the cache and stream are reachable.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	if err := h.kv.Ping(r.Context()); err != nil {
		h.respondError(w, http.StatusServiceUnavailable, "cache unavailable: "+err.Error())
		return
	}
	if _, err := h.stream.PendingCount(r.Context(), h.streamCfg.Key, h.streamCfg.Group); err != nil {
		h.respondError(w, http.StatusServiceUnavailable, "stream unavailable: "+err.Error())
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (h *Handler) respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		slog.Error("response encode failed", "error", err)
	}
}

func (h *Handler) respondError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	fmt.Fprintf(w, `{"error":%q}`, message)
}
