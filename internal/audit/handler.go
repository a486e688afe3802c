package audit

import (
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"

	"github.com/ledgerlane/ledgerlane-auth/internal/platform/httpx"
	"github.com/ledgerlane/ledgerlane-auth/internal/shared"
)

const (
	defaultDateRange = 7 * 24 * time.Hour
	maxExportRange   = 90 * 24 * time.Hour
	exportRateLimit  = 10
	exportRateWindow = time.Minute
)

// Handler serves the audit timeline API.
type Handler struct {
	logger  *slog.Logger
	service *Service
	now     func() time.Time
}

// NewHandler constructs a Handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service, now: time.Now}
}

// MountRoutes registers the timeline and export endpoints. Exports are
// rate-limited per authenticated user since they scan without paging.
func (h *Handler) MountRoutes(r chi.Router) {
	limiter := httprate.Limit(exportRateLimit, exportRateWindow,
		httprate.WithKeyFuncs(rateLimitKey),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			httpx.RespondError(w, shared.ErrTooManyRequests)
		}),
	)
	r.Get("/", h.handleTimeline)
	r.Group(func(gr chi.Router) {
		gr.Use(limiter)
		gr.Get("/export.csv", h.handleExport)
	})
}

func rateLimitKey(r *http.Request) (string, error) {
	if principal := shared.PrincipalFromContext(r.Context()); principal != nil {
		return "user:" + strconv.FormatInt(principal.UserID, 10), nil
	}
	key, err := httprate.KeyByIP(r)
	if err != nil {
		return "", err
	}
	return "ip:" + key, nil
}

func (h *Handler) handleTimeline(w http.ResponseWriter, r *http.Request) {
	filters, err := h.parseFilters(r, false)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	result, err := h.service.Timeline(r.Context(), filters)
	if err != nil {
		h.logger.Error("load audit timeline", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, result)
}

func (h *Handler) handleExport(w http.ResponseWriter, r *http.Request) {
	filters, err := h.parseFilters(r, true)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	rows, err := h.service.Export(r.Context(), filters)
	if err != nil {
		h.logger.Error("export audit timeline", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	payload, err := WriteCSV(rows)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	filename := "audit-" + h.now().UTC().Format("20060102-150405") + ".csv"
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="`+filename+`"`)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(payload)
}

// parseFilters reads query parameters. Without an explicit window the view
// defaults to the last seven days; exports are capped to a bounded range.
func (h *Handler) parseFilters(r *http.Request, export bool) (TimelineFilters, error) {
	q := r.URL.Query()
	var filters TimelineFilters

	from, err := parseTimeParam(q.Get("from"))
	if err != nil {
		return filters, fmt.Errorf("invalid from: %w", shared.ErrBadRequest)
	}
	to, err := parseTimeParam(q.Get("to"))
	if err != nil {
		return filters, fmt.Errorf("invalid to: %w", shared.ErrBadRequest)
	}
	if from.IsZero() && to.IsZero() {
		to = h.now().UTC()
		from = to.Add(-defaultDateRange)
	}
	if !from.IsZero() && !to.IsZero() {
		if to.Before(from) {
			return filters, fmt.Errorf("window ends before it starts: %w", shared.ErrBadRequest)
		}
		if export && to.Sub(from) > maxExportRange {
			return filters, fmt.Errorf("export window too wide: %w", shared.ErrBadRequest)
		}
	}
	filters.From = from
	filters.To = to

	if raw := strings.TrimSpace(q.Get("actor_id")); raw != "" {
		actorID, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return filters, fmt.Errorf("invalid actor_id: %w", shared.ErrBadRequest)
		}
		filters.ActorID = actorID
	}
	filters.Entity = strings.TrimSpace(q.Get("entity"))
	filters.Action = strings.TrimSpace(q.Get("action"))
	filters.Page, _ = strconv.Atoi(q.Get("page"))
	filters.PerPage, _ = strconv.Atoi(q.Get("per_page"))
	return filters, nil
}

func parseTimeParam(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse("2006-01-02", raw)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}
