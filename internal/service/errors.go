// errors.go — ошибки бизнес-логики сервисного слоя.
package service

import "errors"

var (
	// ErrNotFound — ресурс не найден.
	ErrNotFound = errors.New("ресурс не найден")
	// ErrConflict — конфликт (дублирующийся ресурс).
	ErrConflict = errors.New("конфликт — ресурс уже существует")
	// ErrInvalidRole — некорректная роль.
	ErrInvalidRole = errors.New("некорректная роль: допустимые значения — student, lecturer, admin")
	// ErrRequestState — заявка уже рассмотрена или вытеснена.
	ErrRequestState = errors.New("заявка уже рассмотрена")
	// ErrIDPUnavailable — identity-провайдер недоступен.
	ErrIDPUnavailable = errors.New("identity-провайдер недоступен")
	// ErrValidation — ошибка валидации входных данных.
	ErrValidation = errors.New("ошибка валидации")
)
