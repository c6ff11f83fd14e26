package model

import "time"

// Статусы заявки на роль.
const (
	RequestStatusPending  = "pending"
	RequestStatusApproved = "approved"
	RequestStatusRejected = "rejected"
)

// NoteSuperseded — авто-примечание при вытеснении старой pending-заявки новой.
const NoteSuperseded = "Superseded by a newer request"

// RoleRequest — заявка пользователя на получение роли.
// Инвариант: у пользователя не более одной pending-заявки; новая заявка
// переводит предыдущую pending в rejected с примечанием NoteSuperseded.
// Терминальные статусы (approved, rejected) неизменяемы.
type RoleRequest struct {
	// ID — UUID заявки
	ID string
	// UserID — UUID записи пользователя (users.id)
	UserID string
	// RequestedRole — запрашиваемая роль (student, lecturer, admin)
	RequestedRole string
	// Reason — обоснование заявителя
	Reason *string
	// Status — pending, approved, rejected
	Status string
	// ReviewedBy — UUID рассмотревшего администратора
	ReviewedBy *string
	// ReviewNote — примечание ревьюера (или авто-сгенерированное)
	ReviewNote *string
	// CreatedAt — время создания заявки
	CreatedAt time.Time
	// UpdatedAt — время последнего изменения статуса
	UpdatedAt time.Time

	// --- Заполняется join-ом при выборке, в БД не хранится ---

	// UserName — имя пользователя
	UserName string
	// UserEmail — email пользователя
	UserEmail *string
	// UserRole — текущая роль пользователя
	UserRole *string
}

// IsPending — заявка ещё не рассмотрена.
func (r *RoleRequest) IsPending() bool {
	return r.Status == RequestStatusPending
}
