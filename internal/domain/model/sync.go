package model

import "time"

// SyncState — состояние синхронизации (одна строка в БД).
// Хранится в таблице sync_state (id = 1, всегда одна запись).
type SyncState struct {
	// ID — всегда 1
	ID int
	// LastUserSyncAt — время последней полной синхронизации каталога с IdP
	LastUserSyncAt *time.Time
	// CreatedAt — время создания записи
	CreatedAt time.Time
	// UpdatedAt — время последнего обновления
	UpdatedAt time.Time
}

// DirectorySyncResult — итог одного цикла синхронизации каталога пользователей.
type DirectorySyncResult struct {
	// TotalRemote — количество пользователей, выгруженных из IdP
	TotalRemote int
	// Created — новых записей создано локально
	Created int
	// Updated — записей обновлено (расхождение полей)
	Updated int
	// Unchanged — записей без изменений (пропущено без записи в БД)
	Unchanged int
	// Relinked — записей перепривязано по email к новому subject id
	Relinked int
	// Deleted — tombstone: записей удалено (subject id исчез из IdP)
	Deleted int
	// Skipped — некорректных удалённых записей пропущено
	Skipped int
	// SyncedAt — время синхронизации
	SyncedAt time.Time
}
