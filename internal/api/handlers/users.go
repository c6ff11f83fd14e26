// users.go — обработчики /api/v1/users endpoints.
// Профиль вызывающего, синхронизация при входе, статистика каталога.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	apierrors "github.com/bigkaa/studyhub/identity-module/internal/api/errors"
	"github.com/bigkaa/studyhub/identity-module/internal/api/middleware"
	"github.com/bigkaa/studyhub/identity-module/internal/service"
)

// callerProfile строит профиль вызывающего из identity в контексте.
func callerProfile(identity *middleware.CallerIdentity) *service.CallerProfile {
	return &service.CallerProfile{
		SubjectID:     identity.SubjectID,
		Email:         identity.Email,
		Name:          identity.Name,
		Picture:       identity.Picture,
		EmailVerified: identity.EmailVerified,
		TokenRoles:    identity.TokenRoles,
		RawToken:      identity.RawToken,
	}
}

// SyncCurrentUser — POST /api/v1/users/sync.
// Ленивый upsert вызывающего в локальный каталог: вызывается фронтендом
// после входа. Роль определяется цепочкой resolver'а.
// Доступ: любой аутентифицированный пользователь.
func (h *APIHandler) SyncCurrentUser(w http.ResponseWriter, r *http.Request) {
	identity := middleware.IdentityFromContext(r.Context())
	if identity == nil {
		apierrors.Unauthorized(w, "Отсутствует identity в контексте")
		return
	}

	u, err := h.users.SyncCaller(r.Context(), callerProfile(identity))
	if err != nil {
		if errors.Is(err, service.ErrConflict) {
			apierrors.Conflict(w, "Email уже привязан к другому subject id")
			return
		}
		h.logger.Error("Ошибка синхронизации пользователя", "error", err)
		apierrors.InternalError(w, "Ошибка синхронизации пользователя")
		return
	}

	writeJSON(w, http.StatusOK, mapUser(u))
}

// GetCurrentUser — GET /api/v1/users/me.
// Профиль вызывающего из локального каталога. Если записи ещё нет,
// она создаётся на лету (эквивалент sync).
// Доступ: любой аутентифицированный пользователь.
func (h *APIHandler) GetCurrentUser(w http.ResponseWriter, r *http.Request) {
	identity := middleware.IdentityFromContext(r.Context())
	if identity == nil {
		apierrors.Unauthorized(w, "Отсутствует identity в контексте")
		return
	}

	u, err := h.users.GetMe(r.Context(), callerProfile(identity))
	if err != nil {
		h.logger.Error("Ошибка получения профиля", "error", err)
		apierrors.InternalError(w, "Ошибка получения профиля")
		return
	}

	writeJSON(w, http.StatusOK, mapUser(u))
}

// updateProfileRequest — тело запроса обновления профиля.
type updateProfileRequest struct {
	Name     *string        `json:"name,omitempty"`
	Picture  *string        `json:"picture,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// UpdateCurrentUserProfile — PUT /api/v1/users/profile.
// Обновление профиля вызывающего: локально и push в IdP (best effort).
// Доступ: любой аутентифицированный пользователь.
func (h *APIHandler) UpdateCurrentUserProfile(w http.ResponseWriter, r *http.Request) {
	identity := middleware.IdentityFromContext(r.Context())
	if identity == nil {
		apierrors.Unauthorized(w, "Отсутствует identity в контексте")
		return
	}

	var req updateProfileRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apierrors.ValidationError(w, "Некорректное тело запроса: "+err.Error())
		return
	}

	update := &service.ProfileUpdate{
		Name:     req.Name,
		Picture:  req.Picture,
		Metadata: req.Metadata,
	}

	u, err := h.users.UpdateProfile(r.Context(), callerProfile(identity), update)
	if err != nil {
		if errors.Is(err, service.ErrValidation) {
			apierrors.ValidationError(w, err.Error())
			return
		}
		h.logger.Error("Ошибка обновления профиля", "error", err)
		apierrors.InternalError(w, "Ошибка обновления профиля")
		return
	}

	writeJSON(w, http.StatusOK, mapUser(u))
}

// userStatsResponse — статистика каталога пользователей.
type userStatsResponse struct {
	Total           int            `json:"total"`
	ByRole          map[string]int `json:"by_role"`
	PendingRequests int            `json:"pending_requests"`
}

// GetUserStats — GET /api/v1/users/stats.
// Статистика каталога: всего пользователей, разбивка по ролям,
// количество нерассмотренных заявок.
// Доступ: admin или permission read:stats (guard на роутере).
func (h *APIHandler) GetUserStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.users.Stats(r.Context())
	if err != nil {
		h.logger.Error("Ошибка получения статистики", "error", err)
		apierrors.InternalError(w, "Ошибка получения статистики")
		return
	}

	writeJSON(w, http.StatusOK, userStatsResponse{
		Total:           stats.Total,
		ByRole:          stats.ByRole,
		PendingRequests: stats.PendingRequests,
	})
}
