package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/rs/zerolog/hlog"

	"github.com/zoff-tech/go-webhooks/pkg/delivery"
	"github.com/zoff-tech/go-webhooks/pkg/store"
	"github.com/zoff-tech/go-webhooks/schema"
)

const (
	defaultDeliveryLimit = 50
	maxDeliveryLimit     = 500
	maxPingBody          = 500
)

// Pinger sends a test.ping to an endpoint.
type Pinger interface {
	Ping(ctx context.Context, endpoint schema.WebhookEndpoint) (delivery.Result, error)
}

// WorkerStatus reports whether the delivery loop is running.
type WorkerStatus interface {
	Running() bool
}

type Handler struct {
	repo   store.WebhookRepository
	pinger Pinger
	worker WorkerStatus
	now    func() time.Time
}

func NewHandler(repo store.WebhookRepository, pinger Pinger, worker WorkerStatus) *Handler {
	return &Handler{repo: repo, pinger: pinger, worker: worker, now: time.Now}
}

type healthResponse struct {
	Status    string            `json:"status"`
	Timestamp int64             `json:"timestamp"`
	Checks    map[string]string `json:"checks"`
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	checks := map[string]string{"worker": "running"}
	status, code := "healthy", http.StatusOK
	if h.worker != nil && !h.worker.Running() {
		checks["worker"] = "stopped"
		status, code = "degraded", http.StatusServiceUnavailable
	}

	writeJSON(w, code, healthResponse{
		Status:    status,
		Timestamp: h.now().Unix(),
		Checks:    checks,
	})
}

type deliveriesResponse struct {
	Deliveries []schema.WebhookDeliveryLog `json:"deliveries"`
	Count      int                         `json:"count"`
}

func (h *Handler) RecentDeliveries(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	limit := defaultDeliveryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > maxDeliveryLimit {
			WriteError(w, http.StatusBadRequest, ErrCodeInvalidInput, "limit must be an integer between 1 and 500")
			return
		}
		limit = n
	}

	logs, err := h.repo.GetRecentWebhookDeliveries(r.Context(), limit)
	if err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("Failed to load recent deliveries")
		WriteError(w, http.StatusInternalServerError, ErrCodeInternal, "failed to load deliveries")
		return
	}
	if logs == nil {
		logs = []schema.WebhookDeliveryLog{}
	}

	writeJSON(w, http.StatusOK, deliveriesResponse{Deliveries: logs, Count: len(logs)})
}

type pingResponse struct {
	Success      bool   `json:"success"`
	StatusCode   int    `json:"statusCode,omitempty"`
	ResponseBody string `json:"responseBody,omitempty"`
	DurationMs   int64  `json:"durationMs"`
}

func (h *Handler) TestEndpoint(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	id := ps.ByName("id")

	endpoint, err := h.repo.GetWebhookEndpoint(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		WriteError(w, http.StatusNotFound, ErrCodeNotFound, "webhook endpoint not found")
		return
	}
	if err != nil {
		hlog.FromRequest(r).Error().Err(err).Str("endpoint_id", id).Msg("Failed to load webhook endpoint")
		WriteError(w, http.StatusInternalServerError, ErrCodeInternal, "failed to load webhook endpoint")
		return
	}

	result, err := h.pinger.Ping(r.Context(), *endpoint)
	if err != nil {
		hlog.FromRequest(r).Error().Err(err).Str("endpoint_id", id).Msg("Failed to send test webhook")
		WriteError(w, http.StatusInternalServerError, ErrCodeInternal, "failed to send test webhook")
		return
	}

	writeJSON(w, http.StatusOK, pingResponse{
		Success:      result.Success,
		StatusCode:   result.StatusCode,
		ResponseBody: delivery.Truncate(result.Error, maxPingBody),
		DurationMs:   result.Duration.Milliseconds(),
	})
}
