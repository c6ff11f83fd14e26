// user_sync.go — сервис периодической синхронизации каталога пользователей с IdP.
//
// UserSyncService запускает фоновую горутину с ticker (IM_USER_SYNC_INTERVAL),
// которая выполняет reconciliation пользователей между IdP и локальной БД.
//
// Reconciliation:
//  1. Постранично выгрузить всех пользователей из Management API
//  2. Для каждого: найти локальную запись по subject_id, затем по email
//     (смена identity-провайдера → перепривязка subject_id с сохранением роли)
//  3. Без изменений → пропустить запись целиком (идемпотентность)
//  4. Роль из app_metadata; пустая роль не затирает существующую
//  5. После ПОЛНОЙ выгрузки — tombstone: удалить локальные записи,
//     отсутствующие в IdP. Ошибка любой страницы прерывает цикл ДО
//     удаления, чтобы частичная выгрузка не снесла живых пользователей.
//
// Prometheus-метрики:
//   - im_user_sync_duration_seconds — длительность синхронизации каталога
package service

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bigkaa/studyhub/identity-module/internal/domain/model"
	"github.com/bigkaa/studyhub/identity-module/internal/domain/rbac"
	"github.com/bigkaa/studyhub/identity-module/internal/idp"
	"github.com/bigkaa/studyhub/identity-module/internal/repository"
)

// Prometheus-метрики для синхронизации каталога.
var userSyncDuration = promauto.NewHistogram(prometheus.HistogramOpts{
	Name:    "im_user_sync_duration_seconds",
	Help:    "Длительность синхронизации каталога пользователей с IdP",
	Buckets: prometheus.ExponentialBuckets(0.1, 2, 10), // 0.1s … ~51s
})

// ErrSyncInProgress — синхронизация уже выполняется.
var ErrSyncInProgress = fmt.Errorf("синхронизация каталога уже выполняется")

// UserDirectory — постраничный источник каталога пользователей.
// Реализуется idp.Client.
type UserDirectory interface {
	// ListUsers возвращает страницу каталога и общее количество.
	ListUsers(ctx context.Context, page, perPage int) ([]idp.DirectoryUser, int, error)
}

// UserSyncService — фоновый сервис синхронизации каталога с IdP.
type UserSyncService struct {
	directory     UserDirectory
	userRepo      repository.UserRepository
	syncStateRepo repository.SyncStateRepository
	pageSize      int
	interval      time.Duration
	logger        *slog.Logger

	// running — защита от параллельных циклов (ticker + ручной вызов).
	running atomic.Bool

	cancel context.CancelFunc
	done   chan struct{}
}

// NewUserSyncService создаёт сервис синхронизации каталога.
func NewUserSyncService(
	directory UserDirectory,
	userRepo repository.UserRepository,
	syncStateRepo repository.SyncStateRepository,
	pageSize int,
	interval time.Duration,
	logger *slog.Logger,
) *UserSyncService {
	return &UserSyncService{
		directory:     directory,
		userRepo:      userRepo,
		syncStateRepo: syncStateRepo,
		pageSize:      pageSize,
		interval:      interval,
		logger:        logger.With(slog.String("component", "user_sync")),
	}
}

// Start запускает фоновую горутину с периодической синхронизацией.
func (s *UserSyncService) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go func() {
		defer close(s.done)

		s.logger.Info("Периодическая синхронизация каталога запущена",
			slog.String("interval", s.interval.String()),
			slog.Int("page_size", s.pageSize),
		)

		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				s.logger.Info("Периодическая синхронизация каталога остановлена")
				return
			case <-ticker.C:
				s.logger.Info("Запуск периодической синхронизации каталога")
				result, err := s.SyncNow(ctx)
				if err != nil {
					s.logger.Error("Ошибка периодической синхронизации каталога",
						slog.String("error", err.Error()),
					)
				} else {
					s.logger.Info("Периодическая синхронизация каталога завершена",
						slog.Int("total_remote", result.TotalRemote),
						slog.Int("created", result.Created),
						slog.Int("updated", result.Updated),
						slog.Int("unchanged", result.Unchanged),
						slog.Int("relinked", result.Relinked),
						slog.Int("deleted", result.Deleted),
						slog.Int("skipped", result.Skipped),
					)
				}
			}
		}
	}()
}

// Stop останавливает фоновую горутину и ждёт завершения.
func (s *UserSyncService) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	if s.done != nil {
		<-s.done
	}
}

// SyncNow выполняет немедленную полную синхронизацию каталога.
// Повторный вызов во время работающего цикла возвращает ErrSyncInProgress.
func (s *UserSyncService) SyncNow(ctx context.Context) (*model.DirectorySyncResult, error) {
	if !s.running.CompareAndSwap(false, true) {
		return nil, ErrSyncInProgress
	}
	defer s.running.Store(false)

	startedAt := time.Now().UTC()
	result := &model.DirectorySyncResult{}

	// 1. Постраничная выгрузка всего каталога.
	// Любая ошибка страницы прерывает цикл: tombstone по частичной
	// выгрузке удалил бы пользователей, которых IdP просто не успел отдать.
	var remoteSubjects []string
	for page := 0; ; page++ {
		users, total, err := s.directory.ListUsers(ctx, page, s.pageSize)
		if err != nil {
			return nil, fmt.Errorf("выгрузка страницы %d каталога (%v): %w", page, err, ErrIDPUnavailable)
		}
		result.TotalRemote = total

		for i := range users {
			subjectID, outcome := s.syncUser(ctx, &users[i], startedAt)
			switch outcome {
			case syncCreated:
				result.Created++
			case syncUpdated:
				result.Updated++
			case syncUnchanged:
				result.Unchanged++
			case syncRelinked:
				result.Relinked++
			case syncSkipped:
				result.Skipped++
			}
			if subjectID != "" {
				remoteSubjects = append(remoteSubjects, subjectID)
			}
		}

		if len(users) < s.pageSize {
			break
		}
	}

	// 2. Tombstone — только после полной выгрузки.
	// Пустой каталог — аномалия (IdP без единого пользователя недостижим
	// через валидный токен): не удаляем никого, только предупреждаем.
	if len(remoteSubjects) == 0 {
		s.logger.Warn("IdP вернул пустой каталог, tombstone пропущен")
	} else {
		deleted, err := s.userRepo.DeleteSubjectsNotIn(ctx, remoteSubjects)
		if err != nil {
			return nil, fmt.Errorf("tombstone-удаление: %w", err)
		}
		result.Deleted = deleted
		if deleted > 0 {
			s.logger.Info("Пользователи, удалённые из IdP, удалены локально",
				slog.Int("deleted", deleted),
			)
		}
	}

	// 3. Фиксируем время синхронизации
	if err := s.syncStateRepo.UpdateUserSyncAt(ctx, startedAt); err != nil {
		s.logger.Warn("Ошибка обновления last_user_sync_at", slog.String("error", err.Error()))
	}

	result.SyncedAt = startedAt
	userSyncDuration.Observe(time.Since(startedAt).Seconds())

	return result, nil
}

// Исход синхронизации одной записи.
type syncOutcome int

const (
	syncCreated syncOutcome = iota
	syncUpdated
	syncUnchanged
	syncRelinked
	syncSkipped
)

// syncUser синхронизирует одну запись каталога.
// Возвращает subject_id (пустой для пропущенных записей) и исход.
func (s *UserSyncService) syncUser(ctx context.Context, remote *idp.DirectoryUser, now time.Time) (string, syncOutcome) {
	if remote.UserID == "" {
		s.logger.Warn("Запись каталога без user_id пропущена",
			slog.String("email", remote.Email),
		)
		return "", syncSkipped
	}

	// Сопоставление: сначала по subject_id, затем по email.
	existing, err := s.userRepo.GetBySubjectID(ctx, remote.UserID)
	relinked := false
	if err == repository.ErrNotFound && remote.Email != "" {
		byEmail, emailErr := s.userRepo.GetByEmail(ctx, remote.Email)
		if emailErr == nil && byEmail.SubjectID != remote.UserID {
			// Тот же человек зашёл через другой identity-провайдер:
			// перепривязываем запись, роль и история сохраняются.
			s.logger.Warn("Смена subject id пользователя, запись перепривязана",
				slog.String("email", remote.Email),
				slog.String("old_subject_id", byEmail.SubjectID),
				slog.String("new_subject_id", remote.UserID),
			)
			if relinkErr := s.userRepo.UpdateSubjectID(ctx, byEmail.ID, remote.UserID); relinkErr != nil {
				s.logger.Warn("Ошибка перепривязки subject id",
					slog.String("email", remote.Email),
					slog.String("error", relinkErr.Error()),
				)
				return "", syncSkipped
			}
			byEmail.SubjectID = remote.UserID
			existing, err = byEmail, nil
			relinked = true
		}
	}
	if err != nil && err != repository.ErrNotFound {
		s.logger.Warn("Ошибка чтения пользователя при синхронизации",
			slog.String("subject_id", remote.UserID),
			slog.String("error", err.Error()),
		)
		return "", syncSkipped
	}

	incoming := s.userFromDirectory(remote, now)

	// Без изменений — не трогаем запись вовсе (идемпотентность).
	if existing != nil && !relinked && !userChanged(existing, incoming) {
		return remote.UserID, syncUnchanged
	}

	if err := s.userRepo.Upsert(ctx, incoming); err != nil {
		s.logger.Warn("Ошибка upsert пользователя при синхронизации",
			slog.String("subject_id", remote.UserID),
			slog.String("error", err.Error()),
		)
		return "", syncSkipped
	}

	switch {
	case relinked:
		return remote.UserID, syncRelinked
	case existing == nil:
		return remote.UserID, syncCreated
	default:
		return remote.UserID, syncUpdated
	}
}

// userFromDirectory строит локальную запись из записи каталога.
// Роль берётся из app_metadata; невалидная роль приравнивается к отсутствию.
func (s *UserSyncService) userFromDirectory(remote *idp.DirectoryUser, now time.Time) *model.User {
	u := &model.User{
		SubjectID:     remote.UserID,
		Name:          remote.Name,
		EmailVerified: remote.EmailVerified,
		IsActive:      !remote.Blocked,
		LastLogin:     remote.LastLogin,
		LastSyncedAt:  &now,
		Metadata:      remote.UserMetadata,
	}
	if remote.Email != "" {
		u.Email = &remote.Email
	}
	if remote.Picture != "" {
		u.Picture = &remote.Picture
	}
	if role := remote.MetadataRole(); rbac.IsValidRole(role) {
		u.Role = &role
	}
	return u
}

// userChanged сравнивает локальную запись с входящей.
// last_synced_at не учитывается: сам по себе он не повод
// переписывать запись. Профиль, metadata и время входа сравниваются:
// их источник истины — IdP.
func userChanged(existing, incoming *model.User) bool {
	if !strPtrEqual(existing.Email, incoming.Email) {
		return true
	}
	if existing.Name != incoming.Name {
		return true
	}
	if !strPtrEqual(existing.Picture, incoming.Picture) {
		return true
	}
	if existing.EmailVerified != incoming.EmailVerified {
		return true
	}
	if existing.IsActive != incoming.IsActive {
		return true
	}
	// Пустая входящая роль не считается изменением (правило
	// "роль не затирается"), непустая сравнивается.
	if incoming.Role != nil && (existing.Role == nil || *existing.Role != *incoming.Role) {
		return true
	}
	// Новое время входа пишется насквозь; отсутствующее у IdP
	// не затирает локальное (COALESCE при upsert).
	if incoming.LastLogin != nil &&
		(existing.LastLogin == nil || !existing.LastLogin.Equal(*incoming.LastLogin)) {
		return true
	}
	if !metadataEqual(existing.Metadata, incoming.Metadata) {
		return true
	}
	return false
}

// metadataEqual сравнивает metadata-наборы; nil и пустая map эквивалентны.
func metadataEqual(a, b map[string]any) bool {
	if len(a) == 0 && len(b) == 0 {
		return true
	}
	return reflect.DeepEqual(a, b)
}

func strPtrEqual(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
