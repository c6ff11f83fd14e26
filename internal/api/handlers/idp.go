// idp.go — обработчики /api/v1/idp endpoints.
// Статус Identity Provider, принудительная синхронизация каталога.
package handlers

import (
	"errors"
	"net/http"

	apierrors "github.com/bigkaa/studyhub/identity-module/internal/api/errors"
	"github.com/bigkaa/studyhub/identity-module/internal/service"
)

// GetIDPStatus — GET /api/v1/idp/status.
// Сводка подключения к IdP: доступность, локальные и удалённые счётчики,
// время последней синхронизации.
// Доступ: admin (guard на роутере).
func (h *APIHandler) GetIDPStatus(w http.ResponseWriter, r *http.Request) {
	status, err := h.idp.GetStatus(r.Context())
	if err != nil {
		h.logger.Error("Ошибка получения статуса IdP", "error", err)
		apierrors.InternalError(w, "Ошибка получения статуса IdP")
		return
	}

	writeJSON(w, http.StatusOK, status)
}

// SyncDirectory — POST /api/v1/idp/sync.
// Принудительная полная синхронизация каталога пользователей с IdP.
// Доступ: admin (guard на роутере).
func (h *APIHandler) SyncDirectory(w http.ResponseWriter, r *http.Request) {
	result, err := h.idp.SyncUsers(r.Context())
	if err != nil {
		switch {
		case errors.Is(err, service.ErrSyncInProgress):
			apierrors.Conflict(w, "Синхронизация уже выполняется")
		case errors.Is(err, service.ErrIDPUnavailable):
			apierrors.IDPUnavailable(w, err.Error())
		default:
			h.logger.Error("Ошибка синхронизации каталога", "error", err)
			apierrors.InternalError(w, "Ошибка синхронизации каталога с IdP")
		}
		return
	}

	writeJSON(w, http.StatusOK, mapSyncResult(result))
}
