// role_requests.go — обработчики /api/v1/role-requests endpoints.
// Заявки на роли: подача, просмотр, одобрение/отклонение администратором.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	apierrors "github.com/bigkaa/studyhub/identity-module/internal/api/errors"
	"github.com/bigkaa/studyhub/identity-module/internal/api/middleware"
	"github.com/bigkaa/studyhub/identity-module/internal/domain/model"
	"github.com/bigkaa/studyhub/identity-module/internal/service"
)

// createRoleRequestBody — тело запроса подачи заявки.
type createRoleRequestBody struct {
	Role   string  `json:"role"`
	Reason *string `json:"reason,omitempty"`
}

// CreateRoleRequest — POST /api/v1/role-requests.
// Подача заявки на роль. Предыдущая pending-заявка вытесняется.
// Доступ: любой аутентифицированный пользователь.
func (h *APIHandler) CreateRoleRequest(w http.ResponseWriter, r *http.Request) {
	subject := middleware.SubjectFromContext(r.Context())
	if subject == "" {
		apierrors.Unauthorized(w, "Отсутствует identity в контексте")
		return
	}

	var body createRoleRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		apierrors.ValidationError(w, "Некорректное тело запроса: "+err.Error())
		return
	}

	req, err := h.requests.Submit(r.Context(), subject, body.Role, body.Reason)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrInvalidRole):
			apierrors.ValidationError(w, "Недопустимая роль: "+body.Role)
		case errors.Is(err, service.ErrValidation):
			apierrors.ValidationError(w, err.Error())
		case errors.Is(err, service.ErrNotFound):
			// Запись пользователя ещё не создана — сначала /users/sync
			apierrors.NotFound(w, "Пользователь не найден в локальном каталоге")
		case errors.Is(err, service.ErrConflict):
			apierrors.Conflict(w, "У пользователя уже есть нерассмотренная заявка")
		default:
			h.logger.Error("Ошибка создания заявки", "error", err)
			apierrors.InternalError(w, "Ошибка создания заявки")
		}
		return
	}

	writeJSON(w, http.StatusCreated, mapRoleRequest(req))
}

// ListRoleRequests — GET /api/v1/role-requests?status=&limit=&offset=.
// Список заявок с фильтром по статусу.
// Доступ: admin (guard на роутере).
func (h *APIHandler) ListRoleRequests(w http.ResponseWriter, r *http.Request) {
	limit, offset := paginationFromQuery(r)
	status := r.URL.Query().Get("status")

	reqs, err := h.requests.List(r.Context(), status, limit, offset)
	if err != nil {
		if errors.Is(err, service.ErrValidation) {
			apierrors.ValidationError(w, err.Error())
			return
		}
		h.logger.Error("Ошибка получения списка заявок", "error", err)
		apierrors.InternalError(w, "Ошибка получения списка заявок")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"items":  mapRoleRequests(reqs),
		"limit":  limit,
		"offset": offset,
	})
}

// ListMyRoleRequests — GET /api/v1/role-requests/my.
// Заявки вызывающего, новые первыми.
// Доступ: любой аутентифицированный пользователь.
func (h *APIHandler) ListMyRoleRequests(w http.ResponseWriter, r *http.Request) {
	subject := middleware.SubjectFromContext(r.Context())
	if subject == "" {
		apierrors.Unauthorized(w, "Отсутствует identity в контексте")
		return
	}

	reqs, err := h.requests.ListMy(r.Context(), subject)
	if err != nil {
		h.logger.Error("Ошибка получения заявок пользователя", "error", err)
		apierrors.InternalError(w, "Ошибка получения заявок")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"items": mapRoleRequests(reqs),
	})
}

// ApproveRoleRequest — POST /api/v1/role-requests/{id}/approve.
// Одобрение заявки: роль назначается локально и пушится в IdP.
// Доступ: admin (guard на роутере).
func (h *APIHandler) ApproveRoleRequest(w http.ResponseWriter, r *http.Request) {
	h.reviewRoleRequest(w, r, true)
}

// RejectRoleRequest — POST /api/v1/role-requests/{id}/reject.
// Отклонение заявки с опциональной пометкой.
// Доступ: admin (guard на роутере).
func (h *APIHandler) RejectRoleRequest(w http.ResponseWriter, r *http.Request) {
	h.reviewRoleRequest(w, r, false)
}

// reviewRequestBody — тело запроса рассмотрения заявки.
type reviewRequestBody struct {
	Note *string `json:"note,omitempty"`
}

func (h *APIHandler) reviewRoleRequest(w http.ResponseWriter, r *http.Request, approve bool) {
	reviewer := middleware.SubjectFromContext(r.Context())
	if reviewer == "" {
		apierrors.Unauthorized(w, "Отсутствует identity в контексте")
		return
	}

	id := chi.URLParam(r, "id")
	if id == "" {
		apierrors.ValidationError(w, "Отсутствует id заявки")
		return
	}

	// Тело опционально (note для reject)
	var body reviewRequestBody
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&body)
	}

	var req *model.RoleRequest
	var warning string
	var err error
	if approve {
		req, warning, err = h.requests.Approve(r.Context(), id, reviewer)
	} else {
		req, err = h.requests.Reject(r.Context(), id, reviewer, body.Note)
	}
	if err != nil {
		switch {
		case errors.Is(err, service.ErrNotFound):
			apierrors.NotFound(w, "Заявка не найдена")
		case errors.Is(err, service.ErrRequestState):
			apierrors.RequestStateError(w, "Заявка уже рассмотрена")
		default:
			h.logger.Error("Ошибка рассмотрения заявки", "error", err,
				"request_id", id)
			apierrors.InternalError(w, "Ошибка рассмотрения заявки")
		}
		return
	}

	resp := mapRoleRequest(req)
	resp.Warning = warning
	writeJSON(w, http.StatusOK, resp)
}
