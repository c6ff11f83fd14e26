// idp.go — сервис статуса подключения к IdP и ручного запуска синхронизации.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/bigkaa/studyhub/identity-module/internal/domain/model"
	"github.com/bigkaa/studyhub/identity-module/internal/idp"
)

// IDPDirectory — операции IdP, нужные статусному сервису.
// Реализуется idp.Client.
type IDPDirectory interface {
	// ListUsers возвращает страницу каталога и общее количество.
	ListUsers(ctx context.Context, page, perPage int) ([]idp.DirectoryUser, int, error)
	// CheckReady проверяет доступность IdP. Возвращает статус и сообщение.
	CheckReady() (string, string)
}

// IDPStatus — сводка состояния подключения к IdP.
type IDPStatus struct {
	// Connected — IdP отвечает
	Connected bool `json:"connected"`
	// Domain — домен IdP-тенанта
	Domain string `json:"domain"`
	// Message — человекочитаемое состояние
	Message string `json:"message"`
	// LocalUsers — количество пользователей в локальном каталоге
	LocalUsers int `json:"local_users"`
	// RemoteUsers — количество пользователей в IdP (-1 = недоступно)
	RemoteUsers int `json:"remote_users"`
	// LastUserSyncAt — время последней полной синхронизации каталога
	LastUserSyncAt *time.Time `json:"last_user_sync_at,omitempty"`
}

// IDPService — статус IdP и ручной запуск синхронизации каталога.
type IDPService struct {
	directory IDPDirectory
	users     UserCounter
	syncState SyncStateReader
	sync      *UserSyncService
	domain    string
	logger    *slog.Logger
}

// UserCounter — подсчёт пользователей локального каталога.
type UserCounter interface {
	Count(ctx context.Context) (int, error)
}

// SyncStateReader — чтение состояния синхронизации.
type SyncStateReader interface {
	Get(ctx context.Context) (*model.SyncState, error)
}

// NewIDPService создаёт сервис статуса IdP.
func NewIDPService(
	directory IDPDirectory,
	users UserCounter,
	syncState SyncStateReader,
	sync *UserSyncService,
	domain string,
	logger *slog.Logger,
) *IDPService {
	return &IDPService{
		directory: directory,
		users:     users,
		syncState: syncState,
		sync:      sync,
		domain:    domain,
		logger:    logger.With(slog.String("component", "idp_service")),
	}
}

// GetStatus возвращает сводку подключения к IdP.
// Недоступность IdP — не ошибка: возвращается Connected=false,
// локальные счётчики заполняются в любом случае.
func (s *IDPService) GetStatus(ctx context.Context) (*IDPStatus, error) {
	status := &IDPStatus{
		Domain:      s.domain,
		RemoteUsers: -1,
	}

	localCount, err := s.users.Count(ctx)
	if err != nil {
		return nil, fmt.Errorf("подсчёт локальных пользователей: %w", err)
	}
	status.LocalUsers = localCount

	if state, err := s.syncState.Get(ctx); err != nil {
		s.logger.Warn("Не удалось прочитать состояние синхронизации",
			slog.String("error", err.Error()))
	} else {
		status.LastUserSyncAt = state.LastUserSyncAt
	}

	check, message := s.directory.CheckReady()
	status.Connected = check == "ok"
	status.Message = message

	if status.Connected {
		// include_totals с минимальной страницей — только ради total
		if _, total, err := s.directory.ListUsers(ctx, 0, 1); err != nil {
			s.logger.Warn("Management API недоступен при доступном JWKS",
				slog.String("error", err.Error()))
			status.Connected = false
			status.Message = fmt.Sprintf("Management API недоступен: %v", err)
		} else {
			status.RemoteUsers = total
		}
	}

	return status, nil
}

// SyncUsers запускает немедленную синхронизацию каталога.
// Возвращает ErrSyncInProgress, если цикл уже работает.
func (s *IDPService) SyncUsers(ctx context.Context) (*model.DirectorySyncResult, error) {
	return s.sync.SyncNow(ctx)
}
