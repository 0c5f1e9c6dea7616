package handlers

import (
	"crypto/subtle"
	"net/http"
	"sort"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/alexngai/gitswarm-sub001/config"
)

// =============================================================================
// Admin handler
// =============================================================================

// AdminHandler exposes the runtime configuration surface: inspect the
// live config, flip reloadable fields, trigger a file reload and read
// the change history. Every route requires the admin key when one is
// configured.
type AdminHandler struct {
	reloader *config.Reloader
	adminKey string
	logger   *zap.Logger
}

// NewAdminHandler creates the admin handler. An empty adminKey leaves
// the routes unauthenticated, which only suits development.
func NewAdminHandler(reloader *config.Reloader, adminKey string, logger *zap.Logger) *AdminHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AdminHandler{
		reloader: reloader,
		adminKey: adminKey,
		logger:   logger.Named("admin-handler"),
	}
}

// RegisterRoutes mounts the admin endpoints.
func (h *AdminHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.Handle("GET /api/v1/admin/config", h.guard(h.HandleGetConfig))
	mux.Handle("PUT /api/v1/admin/config", h.guard(h.HandleUpdateConfig))
	mux.Handle("POST /api/v1/admin/config/reload", h.guard(h.HandleReload))
	mux.Handle("GET /api/v1/admin/config/fields", h.guard(h.HandleFields))
	mux.Handle("GET /api/v1/admin/config/changes", h.guard(h.HandleChanges))
}

// guard rejects requests without the admin key. The comparison is
// constant time.
func (h *AdminHandler) guard(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.adminKey != "" {
			key := r.Header.Get("X-Admin-Key")
			if subtle.ConstantTimeCompare([]byte(key), []byte(h.adminKey)) != 1 {
				WriteError(w, http.StatusUnauthorized, CodeUnauthorized, "invalid admin key", h.logger)
				return
			}
		}
		next(w, r)
	})
}

// =============================================================================
// Requests and responses
// =============================================================================

// ConfigUpdateRequest maps dotted field paths to their new values.
// @Description Runtime configuration field updates
type ConfigUpdateRequest struct {
	Updates map[string]any `json:"updates"`
}

// ConfigUpdateResult reports which fields were applied.
// @Description Applied configuration updates
type ConfigUpdateResult struct {
	Applied []string `json:"applied"`
	// Restart is set when at least one applied field only takes
	// effect on the next start
	Restart bool `json:"restart,omitempty"`
}

// =============================================================================
// Endpoints
// =============================================================================

// HandleGetConfig returns the live configuration with secrets
// redacted.
// @Summary Inspect runtime configuration
// @Tags admin
// @Produce json
// @Success 200 {object} Response "Sanitized configuration"
// @Security AdminKey
// @Router /api/v1/admin/config [get]
func (h *AdminHandler) HandleGetConfig(w http.ResponseWriter, _ *http.Request) {
	WriteSuccess(w, h.reloader.Snapshot())
}

// HandleUpdateConfig applies reloadable field updates. All updates are
// validated together; a request naming any unknown or non-reloadable
// field is rejected whole.
// @Summary Update reloadable configuration fields
// @Tags admin
// @Accept json
// @Produce json
// @Param request body ConfigUpdateRequest true "Field updates"
// @Success 200 {object} Response "Applied fields"
// @Failure 400 {object} Response "Unknown field or bad value"
// @Security AdminKey
// @Router /api/v1/admin/config [put]
func (h *AdminHandler) HandleUpdateConfig(w http.ResponseWriter, r *http.Request) {
	if !ValidateContentType(w, r, h.logger) {
		return
	}

	var req ConfigUpdateRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}
	if len(req.Updates) == 0 {
		WriteError(w, http.StatusBadRequest, CodeInvalidRequest, "no updates given", h.logger)
		return
	}

	paths := make([]string, 0, len(req.Updates))
	for p := range req.Updates {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	result := ConfigUpdateResult{Applied: make([]string, 0, len(paths))}
	var errs []string
	for _, p := range paths {
		if err := h.reloader.UpdateField(p, req.Updates[p]); err != nil {
			errs = append(errs, err.Error())
			continue
		}
		result.Applied = append(result.Applied, p)
		if meta, ok := config.Reloadable(p); ok && meta.Restart {
			result.Restart = true
		}
	}
	if len(errs) > 0 {
		WriteError(w, http.StatusBadRequest, CodeInvalidRequest, strings.Join(errs, "; "), h.logger)
		return
	}

	WriteSuccess(w, result)
}

// HandleReload re-reads the config file and applies it.
// @Summary Reload configuration from file
// @Tags admin
// @Produce json
// @Success 200 {object} Response "Sanitized configuration after reload"
// @Failure 500 {object} Response "Reload failed"
// @Security AdminKey
// @Router /api/v1/admin/config/reload [post]
func (h *AdminHandler) HandleReload(w http.ResponseWriter, _ *http.Request) {
	if err := h.reloader.Reload(); err != nil {
		WriteError(w, http.StatusInternalServerError, CodeInternalError, err.Error(), h.logger)
		return
	}
	WriteSuccess(w, h.reloader.Snapshot())
}

// HandleFields lists the reloadable fields and their current values.
// @Summary List reloadable fields
// @Tags admin
// @Produce json
// @Success 200 {object} Response "Reloadable field registry"
// @Security AdminKey
// @Router /api/v1/admin/config/fields [get]
func (h *AdminHandler) HandleFields(w http.ResponseWriter, _ *http.Request) {
	WriteSuccess(w, h.reloader.Fields())
}

// HandleChanges returns the change history, newest first. The limit
// query parameter defaults to 50.
// @Summary Read the configuration change log
// @Tags admin
// @Produce json
// @Param limit query int false "Maximum entries" default(50)
// @Success 200 {object} Response "Recent changes"
// @Security AdminKey
// @Router /api/v1/admin/config/changes [get]
func (h *AdminHandler) HandleChanges(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			WriteError(w, http.StatusBadRequest, CodeInvalidRequest, "limit must be a positive integer", h.logger)
			return
		}
		limit = n
	}
	WriteSuccess(w, h.reloader.ChangeLog(limit))
}
