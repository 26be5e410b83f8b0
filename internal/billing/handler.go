package billing

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/sync/singleflight"

	"github.com/beacon-ops/beacon-ops/internal/platform/httpx"
)

// Handler exposes the billing run over HTTP.
type Handler struct {
	logger    *slog.Logger
	scheduler *Scheduler
	now       func() time.Time
	group     singleflight.Group
}

// NewHandler builds Handler instance. now may be nil to use the wall clock.
func NewHandler(logger *slog.Logger, scheduler *Scheduler, now func() time.Time) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	if now == nil {
		now = time.Now
	}
	return &Handler{logger: logger, scheduler: scheduler, now: now}
}

// MountRoutes registers billing routes.
func (h *Handler) MountRoutes(r chi.Router) {
	// Any method triggers a run; cron services differ in what they send.
	r.HandleFunc("/run", h.run)
	r.HandleFunc("/repair", h.repair)
	r.Get("/payments/{paymentID}", h.payment)
}

type runResponse struct {
	Status  string     `json:"status"`
	Message string     `json:"message"`
	Results *RunReport `json:"results,omitempty"`
}

type runErrorResponse struct {
	Status string `json:"status"`
	Error  string `json:"error"`
}

type runRequest struct {
	AsOf string `json:"as_of"`
}

// run executes one billing batch. today defaults to the injected clock's date
// and can be overridden with ?as_of=YYYY-MM-DD (or the same field in a JSON
// body) for replays and testing.
func (h *Handler) run(w http.ResponseWriter, r *http.Request) {
	today := h.now().UTC()
	asOf := r.URL.Query().Get("as_of")
	if asOf == "" && r.ContentLength > 0 {
		var req runRequest
		if err := httpx.DecodeJSON(r, &req); err == nil {
			asOf = req.AsOf
		}
	}
	if asOf != "" {
		parsed, err := time.Parse(time.DateOnly, asOf)
		if err != nil {
			httpx.JSON(w, http.StatusBadRequest, runErrorResponse{
				Status: "error",
				Error:  "invalid as_of date, expected YYYY-MM-DD",
			})
			return
		}
		today = parsed
	}

	// Overlapping triggers share a single execution instead of racing the
	// idempotency checks.
	key := today.Format(time.DateOnly)
	result, err, shared := h.group.Do(key, func() (any, error) {
		report, err := h.scheduler.RunOnce(r.Context(), today)
		if err != nil {
			return nil, err
		}
		return report, nil
	})
	if err != nil {
		h.logger.Error("billing run", slog.Any("error", err))
		httpx.JSON(w, http.StatusInternalServerError, runErrorResponse{
			Status: "error",
			Error:  err.Error(),
		})
		return
	}

	report := result.(RunReport)
	message := "billing run completed"
	if shared {
		message = "billing run completed (shared with concurrent trigger)"
	}
	httpx.JSON(w, http.StatusOK, runResponse{
		Status:  "success",
		Message: message,
		Results: &report,
	})
}

type paymentResponse struct {
	Payment   *Payment          `json:"payment"`
	LineItems []PaymentLineItem `json:"line_items"`
}

func (h *Handler) payment(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "paymentID"), 10, 64)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Payment ID", "payment id must be an integer")
		return
	}

	payment, items, err := h.scheduler.Payment(r.Context(), id)
	if errors.Is(err, ErrNotFound) {
		httpx.RespondError(w, httpx.ErrNotFound)
		return
	}
	if err != nil {
		h.logger.Error("load payment", slog.Int64("payment_id", id), slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, paymentResponse{Payment: payment, LineItems: items})
}

func (h *Handler) repair(w http.ResponseWriter, r *http.Request) {
	report, err := h.scheduler.RepairLineItems(r.Context())
	if err != nil {
		h.logger.Error("billing repair", slog.Any("error", err))
		httpx.JSON(w, http.StatusInternalServerError, runErrorResponse{
			Status: "error",
			Error:  err.Error(),
		})
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{
		"status":  "success",
		"message": "line item repair completed",
		"results": report,
	})
}
