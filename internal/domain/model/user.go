// Пакет model — доменные модели Identity Module.
package model

import "time"

// User — запись каталога пользователей (локальный кэш identity-записей IdP).
// Хранится в таблице users. Единственный владелец записи — подсистема
// reconciliation; остальные модули платформы читают только ID, SubjectID и Role.
type User struct {
	// ID — UUID записи в локальной БД
	ID string
	// SubjectID — стабильный идентификатор пользователя в IdP (JWT sub)
	SubjectID string
	// Email — адрес электронной почты (уникален, если задан)
	Email *string
	// Name — отображаемое имя
	Name string
	// Picture — URL аватара из IdP
	Picture *string
	// Role — роль (student, lecturer, admin); nil = pending, доступа нет
	Role *string
	// EmailVerified — подтверждён ли email в IdP
	EmailVerified bool
	// IsActive — активен ли аккаунт (false = заблокирован в IdP)
	IsActive bool
	// LastLogin — время последнего входа (из IdP или локального sync-профиля)
	LastLogin *time.Time
	// LastSyncedAt — время последней записи каталоговой синхронизацией
	LastSyncedAt *time.Time
	// Metadata — непрозрачный bag метаданных провайдера (app_metadata)
	Metadata map[string]any
	// CreatedAt — время создания записи
	CreatedAt time.Time
	// UpdatedAt — время последнего обновления
	UpdatedAt time.Time
}

// HasRole проверяет, совпадает ли роль пользователя с указанной.
// Для pending-пользователя (Role == nil) всегда false.
func (u *User) HasRole(role string) bool {
	return u.Role != nil && *u.Role == role
}

// RoleOrEmpty возвращает роль или пустую строку для pending.
func (u *User) RoleOrEmpty() string {
	if u.Role == nil {
		return ""
	}
	return *u.Role
}
