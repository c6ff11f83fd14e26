// handler.go — основной обработчик API Identity Module.
// Объединяет доменные обработчики и делегирует запросы в сервисный слой.
package handlers

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/bigkaa/studyhub/identity-module/internal/domain/model"
	"github.com/bigkaa/studyhub/identity-module/internal/service"
)

// APIHandler — основной обработчик API Identity Module.
type APIHandler struct {
	health   *HealthHandler
	users    *service.UserService
	requests *service.RoleRequestService
	idp      *service.IDPService
	logger   *slog.Logger
}

// NewAPIHandler создаёт основной обработчик API.
func NewAPIHandler(
	health *HealthHandler,
	users *service.UserService,
	requests *service.RoleRequestService,
	idp *service.IDPService,
	logger *slog.Logger,
) *APIHandler {
	return &APIHandler{
		health:   health,
		users:    users,
		requests: requests,
		idp:      idp,
		logger:   logger.With(slog.String("component", "api_handler")),
	}
}

// HealthLive — liveness probe (делегируется в HealthHandler).
func (h *APIHandler) HealthLive(w http.ResponseWriter, r *http.Request) {
	h.health.HealthLive(w, r)
}

// HealthReady — readiness probe (делегируется в HealthHandler).
func (h *APIHandler) HealthReady(w http.ResponseWriter, r *http.Request) {
	h.health.HealthReady(w, r)
}

// GetMetrics — Prometheus метрики (делегируется в HealthHandler).
func (h *APIHandler) GetMetrics(w http.ResponseWriter, r *http.Request) {
	h.health.GetMetrics(w, r)
}

// --- Вспомогательные функции ---

// writeJSON записывает JSON-ответ с указанным статусом.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// paginationFromQuery читает limit/offset из query string
// и нормализует их к допустимым значениям.
func paginationFromQuery(r *http.Request) (int, int) {
	limit := 100
	offset := 0

	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			offset = n
		}
	}

	if limit < 1 {
		limit = 1
	}
	if limit > 1000 {
		limit = 1000
	}
	if offset < 0 {
		offset = 0
	}

	return limit, offset
}

// --- Маппинг domain → API ---

// userResponse — представление пользователя в API.
type userResponse struct {
	ID            string     `json:"id"`
	SubjectID     string     `json:"subject_id"`
	Email         *string    `json:"email,omitempty"`
	Name          string     `json:"name"`
	Picture       *string    `json:"picture,omitempty"`
	Role          *string    `json:"role"`
	EmailVerified bool       `json:"email_verified"`
	IsActive      bool       `json:"is_active"`
	LastLogin     *time.Time `json:"last_login,omitempty"`
	LastSyncedAt  *time.Time `json:"last_synced_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

func mapUser(u *model.User) userResponse {
	return userResponse{
		ID:            u.ID,
		SubjectID:     u.SubjectID,
		Email:         u.Email,
		Name:          u.Name,
		Picture:       u.Picture,
		Role:          u.Role,
		EmailVerified: u.EmailVerified,
		IsActive:      u.IsActive,
		LastLogin:     u.LastLogin,
		LastSyncedAt:  u.LastSyncedAt,
		CreatedAt:     u.CreatedAt,
		UpdatedAt:     u.UpdatedAt,
	}
}

// roleRequestResponse — представление заявки на роль в API.
type roleRequestResponse struct {
	ID            string    `json:"id"`
	UserID        string    `json:"user_id"`
	UserName      string    `json:"user_name"`
	UserEmail     *string   `json:"user_email,omitempty"`
	UserRole      *string   `json:"user_role"`
	RequestedRole string    `json:"requested_role"`
	Reason        *string   `json:"reason,omitempty"`
	Status        string    `json:"status"`
	ReviewedBy    *string   `json:"reviewed_by,omitempty"`
	ReviewNote    *string   `json:"review_note,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`

	// Warning — непустое при approve, если push роли в IdP не удался.
	Warning string `json:"warning,omitempty"`
}

func mapRoleRequest(req *model.RoleRequest) roleRequestResponse {
	return roleRequestResponse{
		ID:            req.ID,
		UserID:        req.UserID,
		UserName:      req.UserName,
		UserEmail:     req.UserEmail,
		UserRole:      req.UserRole,
		RequestedRole: req.RequestedRole,
		Reason:        req.Reason,
		Status:        req.Status,
		ReviewedBy:    req.ReviewedBy,
		ReviewNote:    req.ReviewNote,
		CreatedAt:     req.CreatedAt,
		UpdatedAt:     req.UpdatedAt,
	}
}

func mapRoleRequests(reqs []*model.RoleRequest) []roleRequestResponse {
	result := make([]roleRequestResponse, 0, len(reqs))
	for _, req := range reqs {
		result = append(result, mapRoleRequest(req))
	}
	return result
}

// syncResultResponse — итог цикла синхронизации каталога в API.
type syncResultResponse struct {
	TotalRemote int       `json:"total_remote"`
	Created     int       `json:"created"`
	Updated     int       `json:"updated"`
	Unchanged   int       `json:"unchanged"`
	Relinked    int       `json:"relinked"`
	Deleted     int       `json:"deleted"`
	Skipped     int       `json:"skipped"`
	SyncedAt    time.Time `json:"synced_at"`
}

func mapSyncResult(result *model.DirectorySyncResult) syncResultResponse {
	return syncResultResponse{
		TotalRemote: result.TotalRemote,
		Created:     result.Created,
		Updated:     result.Updated,
		Unchanged:   result.Unchanged,
		Relinked:    result.Relinked,
		Deleted:     result.Deleted,
		Skipped:     result.Skipped,
		SyncedAt:    result.SyncedAt,
	}
}
