package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/bigkaa/studyhub/identity-module/internal/domain/model"
)

// SyncStateRepository — интерфейс доступа к состоянию синхронизации каталога.
type SyncStateRepository interface {
	// Get возвращает запись состояния (singleton, id = 1).
	Get(ctx context.Context) (*model.SyncState, error)
	// UpdateUserSyncAt фиксирует время последней успешной синхронизации.
	UpdateUserSyncAt(ctx context.Context, t time.Time) error
}

type syncStateRepo struct {
	db DBTX
}

// NewSyncStateRepository создаёт репозиторий состояния синхронизации.
func NewSyncStateRepository(db DBTX) SyncStateRepository {
	return &syncStateRepo{db: db}
}

func (r *syncStateRepo) Get(ctx context.Context) (*model.SyncState, error) {
	s := &model.SyncState{}
	err := r.db.QueryRow(ctx,
		`SELECT id, last_user_sync_at, updated_at FROM sync_state WHERE id = 1`).
		Scan(&s.ID, &s.LastUserSyncAt, &s.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения состояния синхронизации: %w", err)
	}
	return s, nil
}

func (r *syncStateRepo) UpdateUserSyncAt(ctx context.Context, t time.Time) error {
	_, err := r.db.Exec(ctx,
		`UPDATE sync_state SET last_user_sync_at = $1 WHERE id = 1`, t)
	if err != nil {
		return fmt.Errorf("ошибка обновления состояния синхронизации: %w", err)
	}
	return nil
}
