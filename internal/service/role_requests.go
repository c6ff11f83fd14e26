// role_requests.go — сервис заявок на смену роли.
//
// Жизненный цикл заявки: pending → approved | rejected.
// Новая заявка вытесняет предыдущую pending-заявку пользователя
// (авто-отклонение с пометкой). Одобрение назначает роль локально
// и пушит её в IdP; недоступность IdP не откатывает локальное
// назначение — расхождение выравнивает синхронизация каталога.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/bigkaa/studyhub/identity-module/internal/domain/model"
	"github.com/bigkaa/studyhub/identity-module/internal/domain/rbac"
	"github.com/bigkaa/studyhub/identity-module/internal/idp"
	"github.com/bigkaa/studyhub/identity-module/internal/repository"
)

// RoleReplacer — назначение роли в IdP. Реализуется idp.Client.
type RoleReplacer interface {
	// ReplaceUserRoles снимает текущие роли пользователя и назначает новую.
	ReplaceUserRoles(ctx context.Context, subjectID, role string) error
	// GetUser возвращает пользователя из каталога IdP.
	GetUser(ctx context.Context, subjectID string) (*idp.DirectoryUser, error)
}

// RoleRequestService — сервис заявок на роли.
type RoleRequestService struct {
	requestRepo repository.RoleRequestRepository
	userRepo    repository.UserRepository
	roles       RoleReplacer
	resolver    *RoleResolver
	logger      *slog.Logger
}

// NewRoleRequestService создаёт сервис заявок.
func NewRoleRequestService(
	requestRepo repository.RoleRequestRepository,
	userRepo repository.UserRepository,
	roles RoleReplacer,
	resolver *RoleResolver,
	logger *slog.Logger,
) *RoleRequestService {
	return &RoleRequestService{
		requestRepo: requestRepo,
		userRepo:    userRepo,
		roles:       roles,
		resolver:    resolver,
		logger:      logger.With(slog.String("component", "role_request_service")),
	}
}

// Submit создаёт заявку вызывающего на указанную роль.
// Существующая pending-заявка автоматически отклоняется с пометкой
// о вытеснении — у пользователя не более одной активной заявки.
func (s *RoleRequestService) Submit(ctx context.Context, subjectID, requestedRole string, reason *string) (*model.RoleRequest, error) {
	if !rbac.IsValidRole(requestedRole) {
		return nil, ErrInvalidRole
	}

	u, err := s.userRepo.GetBySubjectID(ctx, subjectID)
	if err != nil {
		if err == repository.ErrNotFound {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("получение пользователя: %w", err)
	}

	if u.RoleOrEmpty() == requestedRole {
		return nil, fmt.Errorf("%w: роль %s уже назначена", ErrValidation, requestedRole)
	}

	req := &model.RoleRequest{
		UserID:        u.ID,
		RequestedRole: requestedRole,
		Reason:        reason,
	}
	// Вытеснение и создание — одна транзакция: при сбое создания
	// предыдущая заявка остаётся pending.
	superseded, err := s.requestRepo.CreateSuperseding(ctx, req, u.ID)
	if err != nil {
		if err == repository.ErrConflict {
			return nil, ErrConflict
		}
		return nil, fmt.Errorf("создание заявки: %w", err)
	}
	if superseded > 0 {
		s.logger.Info("Предыдущая заявка вытеснена новой",
			slog.String("user_id", u.ID),
			slog.Int("superseded", superseded),
		)
	}

	req.UserName = u.Name
	if u.Email != nil {
		req.UserEmail = u.Email
	}
	req.UserRole = u.Role

	s.logger.Info("Заявка на роль создана",
		slog.String("request_id", req.ID),
		slog.String("subject_id", subjectID),
		slog.String("requested_role", requestedRole),
	)

	return req, nil
}

// List возвращает заявки с фильтром по статусу (пустой = все).
func (s *RoleRequestService) List(ctx context.Context, status string, limit, offset int) ([]*model.RoleRequest, error) {
	if status != "" &&
		status != model.RequestStatusPending &&
		status != model.RequestStatusApproved &&
		status != model.RequestStatusRejected {
		return nil, fmt.Errorf("%w: недопустимый статус %q", ErrValidation, status)
	}
	return s.requestRepo.ListByStatus(ctx, status, limit, offset)
}

// ListMy возвращает заявки вызывающего, новые первыми.
func (s *RoleRequestService) ListMy(ctx context.Context, subjectID string) ([]*model.RoleRequest, error) {
	u, err := s.userRepo.GetBySubjectID(ctx, subjectID)
	if err != nil {
		if err == repository.ErrNotFound {
			// Нет записи — нет и заявок
			return []*model.RoleRequest{}, nil
		}
		return nil, fmt.Errorf("получение пользователя: %w", err)
	}
	return s.requestRepo.ListByUser(ctx, u.ID)
}

// Get возвращает заявку по id.
func (s *RoleRequestService) Get(ctx context.Context, id string) (*model.RoleRequest, error) {
	req, err := s.requestRepo.GetByID(ctx, id)
	if err != nil {
		if err == repository.ErrNotFound {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("получение заявки: %w", err)
	}
	return req, nil
}

// WarnIDPPushFailed — предупреждение в ответе approve: роль назначена
// локально, но не передана в IdP.
const WarnIDPPushFailed = "Роль назначена локально, но не передана в IdP; расхождение выровняет синхронизация каталога"

// WarnIDPAccountGone — предупреждение в ответе approve: аккаунт пользователя
// исчез из каталога IdP; локальная запись будет удалена очисткой при
// следующей синхронизации.
const WarnIDPAccountGone = "Роль назначена локально, но аккаунт не найден в IdP; запись будет удалена следующей синхронизацией каталога"

// Approve одобряет заявку: статус и локальная роль меняются в одной
// транзакции, push в IdP — best effort. При неудаче push возвращается
// warning, локальное назначение не откатывается.
// reviewerSubjectID — subject id администратора-ревьюера.
func (s *RoleRequestService) Approve(ctx context.Context, requestID, reviewerSubjectID string) (*model.RoleRequest, string, error) {
	reviewer, err := s.userRepo.GetBySubjectID(ctx, reviewerSubjectID)
	if err != nil {
		if err == repository.ErrNotFound {
			return nil, "", ErrNotFound
		}
		return nil, "", fmt.Errorf("получение ревьюера: %w", err)
	}

	req, err := s.Get(ctx, requestID)
	if err != nil {
		return nil, "", err
	}

	// Локальное назначение роли — источник истины для авторизации модуля.
	// Одобрение и назначение атомарны: заявка не может стать approved
	// с неназначенной ролью.
	if err := s.requestRepo.ApproveAndAssignRole(ctx, requestID, reviewer.ID, req.RequestedRole); err != nil {
		switch err {
		case repository.ErrNotFound:
			return nil, "", ErrNotFound
		case repository.ErrConflict:
			return nil, "", ErrRequestState
		}
		return nil, "", fmt.Errorf("одобрение заявки: %w", err)
	}

	user, err := s.userRepo.GetByID(ctx, req.UserID)
	if err != nil {
		return nil, "", fmt.Errorf("получение пользователя заявки: %w", err)
	}

	// Push в IdP. Неудача не откатывает локальную роль: синхронизация
	// каталога выровняет расхождение при следующем цикле. Если аккаунт
	// исчез из IdP — уточняем warning: запись удалит очистка каталога.
	warning := ""
	if err := s.roles.ReplaceUserRoles(ctx, user.SubjectID, req.RequestedRole); err != nil {
		warning = WarnIDPPushFailed
		s.logger.Warn("Роль назначена локально, но push в IdP не удался",
			slog.String("request_id", requestID),
			slog.String("subject_id", user.SubjectID),
			slog.String("role", req.RequestedRole),
			slog.String("error", err.Error()),
		)
		if _, lookupErr := s.roles.GetUser(ctx, user.SubjectID); errors.Is(lookupErr, idp.ErrRemoteNotFound) {
			warning = WarnIDPAccountGone
			s.logger.Warn("Аккаунт пользователя не найден в IdP",
				slog.String("request_id", requestID),
				slog.String("subject_id", user.SubjectID),
			)
		}
	}

	// Сбрасываем кэш resolver'а — новая роль видна сразу
	s.resolver.Invalidate(user.SubjectID)

	s.logger.Info("Заявка одобрена",
		slog.String("request_id", requestID),
		slog.String("subject_id", user.SubjectID),
		slog.String("role", req.RequestedRole),
		slog.String("reviewed_by", reviewer.ID),
	)

	updated, err := s.Get(ctx, requestID)
	if err != nil {
		return nil, "", err
	}
	return updated, warning, nil
}

// Reject отклоняет заявку с опциональной пометкой ревьюера.
func (s *RoleRequestService) Reject(ctx context.Context, requestID, reviewerSubjectID string, note *string) (*model.RoleRequest, error) {
	reviewer, err := s.userRepo.GetBySubjectID(ctx, reviewerSubjectID)
	if err != nil {
		if err == repository.ErrNotFound {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("получение ревьюера: %w", err)
	}

	if err := s.requestRepo.SetStatus(ctx, requestID, model.RequestStatusRejected, reviewer.ID, note); err != nil {
		switch err {
		case repository.ErrNotFound:
			return nil, ErrNotFound
		case repository.ErrConflict:
			return nil, ErrRequestState
		}
		return nil, fmt.Errorf("отклонение заявки: %w", err)
	}

	s.logger.Info("Заявка отклонена",
		slog.String("request_id", requestID),
		slog.String("reviewed_by", reviewer.ID),
	)

	return s.Get(ctx, requestID)
}
