// users.go — сервис каталога пользователей.
//
// SyncCaller — ленивое создание/обновление записи при входе: профиль
// берётся из claims токена, роль — через RoleResolver (management →
// delegated → claim токена). UpdateProfile — обновление профиля локально
// с push в IdP (ошибка push не откатывает локальное изменение).
package service

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/bigkaa/studyhub/identity-module/internal/domain/model"
	"github.com/bigkaa/studyhub/identity-module/internal/repository"
)

// CallerProfile — данные вызывающего из валидированного токена.
type CallerProfile struct {
	SubjectID     string
	Email         string
	Name          string
	Picture       string
	EmailVerified bool
	TokenRoles    []string
	RawToken      string
}

// ProfileDirectory — запись профиля в IdP. Реализуется idp.Client.
type ProfileDirectory interface {
	// UpdateUserProfile обновляет профиль пользователя в IdP.
	UpdateUserProfile(ctx context.Context, subjectID, name, picture string, metadata map[string]any) error
}

// UserStats — агрегированная статистика каталога.
type UserStats struct {
	Total           int
	ByRole          map[string]int
	PendingRequests int
}

// UserService — сервис каталога пользователей.
type UserService struct {
	userRepo    repository.UserRepository
	requestRepo repository.RoleRequestRepository
	resolver    *RoleResolver
	profiles    ProfileDirectory
	logger      *slog.Logger
}

// NewUserService создаёт сервис каталога.
func NewUserService(
	userRepo repository.UserRepository,
	requestRepo repository.RoleRequestRepository,
	resolver *RoleResolver,
	profiles ProfileDirectory,
	logger *slog.Logger,
) *UserService {
	return &UserService{
		userRepo:    userRepo,
		requestRepo: requestRepo,
		resolver:    resolver,
		profiles:    profiles,
		logger:      logger.With(slog.String("component", "user_service")),
	}
}

// SyncCaller создаёт или обновляет запись вызывающего по данным токена.
// Роль разрешается цепочкой источников; пустой результат разрешения
// не затирает уже назначенную роль (COALESCE на уровне БД).
func (s *UserService) SyncCaller(ctx context.Context, caller *CallerProfile) (*model.User, error) {
	role, source := s.resolver.Resolve(ctx, caller.SubjectID, caller.RawToken, caller.TokenRoles)

	now := time.Now().UTC()
	u := &model.User{
		SubjectID:     caller.SubjectID,
		Name:          caller.Name,
		EmailVerified: caller.EmailVerified,
		IsActive:      true,
		LastLogin:     &now,
	}
	if caller.Email != "" {
		u.Email = &caller.Email
	}
	if caller.Picture != "" {
		u.Picture = &caller.Picture
	}
	if role != "" {
		u.Role = &role
	}

	if err := s.userRepo.Upsert(ctx, u); err != nil {
		if err == repository.ErrConflict {
			return nil, ErrConflict
		}
		return nil, fmt.Errorf("синхронизация вызывающего: %w", err)
	}

	s.logger.Debug("Запись пользователя синхронизирована",
		slog.String("subject_id", caller.SubjectID),
		slog.String("resolved_role", role),
		slog.String("role_source", source),
	)

	return u, nil
}

// GetMe возвращает запись вызывающего, лениво создавая её при первом входе.
func (s *UserService) GetMe(ctx context.Context, caller *CallerProfile) (*model.User, error) {
	u, err := s.userRepo.GetBySubjectID(ctx, caller.SubjectID)
	if err == repository.ErrNotFound {
		return s.SyncCaller(ctx, caller)
	}
	if err != nil {
		return nil, fmt.Errorf("получение записи вызывающего: %w", err)
	}

	if err := s.userRepo.TouchLastLogin(ctx, caller.SubjectID, time.Now().UTC()); err != nil {
		s.logger.Warn("Ошибка обновления last_login",
			slog.String("subject_id", caller.SubjectID),
			slog.String("error", err.Error()),
		)
	}

	return u, nil
}

// ProfileUpdate — изменяемые поля профиля.
type ProfileUpdate struct {
	Name     *string
	Picture  *string
	Metadata map[string]any
}

// UpdateProfile обновляет профиль вызывающего локально и в IdP.
// Ошибка push в IdP логируется, локальное изменение сохраняется:
// следующий цикл синхронизации каталога выровняет расхождение.
func (s *UserService) UpdateProfile(ctx context.Context, caller *CallerProfile, update *ProfileUpdate) (*model.User, error) {
	if update.Name != nil && strings.TrimSpace(*update.Name) == "" {
		return nil, fmt.Errorf("%w: имя не может быть пустым", ErrValidation)
	}

	u, err := s.GetMe(ctx, caller)
	if err != nil {
		return nil, err
	}

	if update.Name != nil {
		u.Name = strings.TrimSpace(*update.Name)
	}
	if update.Picture != nil {
		u.Picture = update.Picture
	}
	if update.Metadata != nil {
		u.Metadata = update.Metadata
	}

	if err := s.userRepo.Upsert(ctx, u); err != nil {
		return nil, fmt.Errorf("обновление профиля: %w", err)
	}

	picture := ""
	if u.Picture != nil {
		picture = *u.Picture
	}
	if err := s.profiles.UpdateUserProfile(ctx, u.SubjectID, u.Name, picture, u.Metadata); err != nil {
		s.logger.Warn("Профиль обновлён локально, но push в IdP не удался",
			slog.String("subject_id", u.SubjectID),
			slog.String("error", err.Error()),
		)
	}

	return u, nil
}

// Stats возвращает агрегированную статистику каталога.
func (s *UserService) Stats(ctx context.Context) (*UserStats, error) {
	total, err := s.userRepo.Count(ctx)
	if err != nil {
		return nil, fmt.Errorf("подсчёт пользователей: %w", err)
	}

	byRole, err := s.userRepo.CountByRole(ctx)
	if err != nil {
		return nil, fmt.Errorf("распределение по ролям: %w", err)
	}

	pending, err := s.requestRepo.CountPending(ctx)
	if err != nil {
		return nil, fmt.Errorf("подсчёт pending-заявок: %w", err)
	}

	return &UserStats{
		Total:           total,
		ByRole:          byRole,
		PendingRequests: pending,
	}, nil
}
