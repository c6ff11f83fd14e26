package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/bigkaa/studyhub/identity-module/internal/domain/model"
)

// UserRepository — интерфейс доступа к каталогу пользователей.
// Все записи идемпотентны и выполняются по ключу subject_id; правило
// "роль не затирается пустым значением" реализовано на уровне SQL
// (COALESCE при upsert), чтобы гонка sync-цикла и lazy-разрешения
// не могла отменить только что назначенную роль.
type UserRepository interface {
	// Create создаёт запись пользователя.
	Create(ctx context.Context, u *model.User) error
	// Upsert создаёт или обновляет запись по subject_id.
	// NULL-роль во входных данных не затирает существующую роль.
	Upsert(ctx context.Context, u *model.User) error
	// GetByID возвращает пользователя по UUID записи.
	GetByID(ctx context.Context, id string) (*model.User, error)
	// GetBySubjectID возвращает пользователя по subject id IdP.
	GetBySubjectID(ctx context.Context, subjectID string) (*model.User, error)
	// GetByEmail возвращает пользователя по email.
	GetByEmail(ctx context.Context, email string) (*model.User, error)
	// UpdateSubjectID перепривязывает запись к новому subject id (relink аккаунта).
	UpdateSubjectID(ctx context.Context, id, subjectID string) error
	// UpdateRole устанавливает роль пользователя (role всегда непустая).
	UpdateRole(ctx context.Context, id, role string) error
	// TouchLastLogin обновляет время последнего входа.
	TouchLastLogin(ctx context.Context, subjectID string, t time.Time) error
	// DeleteSubjectsNotIn удаляет записи, чей subject_id отсутствует в наборе.
	// Возвращает количество удалённых (tombstone после полной выгрузки IdP).
	DeleteSubjectsNotIn(ctx context.Context, subjectIDs []string) (int, error)
	// List возвращает пользователей (с пагинацией).
	List(ctx context.Context, limit, offset int) ([]*model.User, error)
	// Count возвращает количество пользователей.
	Count(ctx context.Context) (int, error)
	// CountByRole возвращает распределение пользователей по ролям.
	// Роль NULL учитывается под ключом "pending".
	CountByRole(ctx context.Context) (map[string]int, error)
}

// userRepo — реализация UserRepository.
type userRepo struct {
	db DBTX
}

// NewUserRepository создаёт репозиторий каталога пользователей.
func NewUserRepository(db DBTX) UserRepository {
	return &userRepo{db: db}
}

const userColumns = `id, subject_id, email, name, picture, role, email_verified,
	is_active, last_login, last_synced_at, metadata, created_at, updated_at`

// scanUser сканирует одну строку в model.User.
func scanUser(row pgx.Row) (*model.User, error) {
	u := &model.User{}
	err := row.Scan(
		&u.ID, &u.SubjectID, &u.Email, &u.Name, &u.Picture, &u.Role,
		&u.EmailVerified, &u.IsActive, &u.LastLogin, &u.LastSyncedAt,
		&u.Metadata, &u.CreatedAt, &u.UpdatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return u, nil
}

func (r *userRepo) Create(ctx context.Context, u *model.User) error {
	query := `
		INSERT INTO users (subject_id, email, name, picture, role, email_verified,
			is_active, last_login, last_synced_at, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id, created_at, updated_at`

	err := r.db.QueryRow(ctx, query,
		u.SubjectID, u.Email, u.Name, u.Picture, u.Role, u.EmailVerified,
		u.IsActive, u.LastLogin, u.LastSyncedAt, metadataOrEmpty(u.Metadata),
	).Scan(&u.ID, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("ошибка создания пользователя: %w", err)
	}
	return nil
}

func (r *userRepo) Upsert(ctx context.Context, u *model.User) error {
	// COALESCE(EXCLUDED.role, users.role): пустой результат разрешения роли
	// никогда не понижает запись до pending.
	query := `
		INSERT INTO users (subject_id, email, name, picture, role, email_verified,
			is_active, last_login, last_synced_at, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (subject_id) DO UPDATE SET
			email = EXCLUDED.email,
			name = EXCLUDED.name,
			picture = EXCLUDED.picture,
			role = COALESCE(EXCLUDED.role, users.role),
			email_verified = EXCLUDED.email_verified,
			is_active = EXCLUDED.is_active,
			last_login = COALESCE(EXCLUDED.last_login, users.last_login),
			last_synced_at = COALESCE(EXCLUDED.last_synced_at, users.last_synced_at),
			metadata = EXCLUDED.metadata
		RETURNING id, role, created_at, updated_at`

	err := r.db.QueryRow(ctx, query,
		u.SubjectID, u.Email, u.Name, u.Picture, u.Role, u.EmailVerified,
		u.IsActive, u.LastLogin, u.LastSyncedAt, metadataOrEmpty(u.Metadata),
	).Scan(&u.ID, &u.Role, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			// Уникальность email: та же почта уже привязана к другому subject_id
			return ErrConflict
		}
		return fmt.Errorf("ошибка upsert пользователя: %w", err)
	}
	return nil
}

func (r *userRepo) GetByID(ctx context.Context, id string) (*model.User, error) {
	query := fmt.Sprintf(`SELECT %s FROM users WHERE id = $1`, userColumns)
	u, err := scanUser(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if err == ErrNotFound {
			return nil, err
		}
		return nil, fmt.Errorf("ошибка получения пользователя: %w", err)
	}
	return u, nil
}

func (r *userRepo) GetBySubjectID(ctx context.Context, subjectID string) (*model.User, error) {
	query := fmt.Sprintf(`SELECT %s FROM users WHERE subject_id = $1`, userColumns)
	u, err := scanUser(r.db.QueryRow(ctx, query, subjectID))
	if err != nil {
		if err == ErrNotFound {
			return nil, err
		}
		return nil, fmt.Errorf("ошибка получения пользователя по subject id: %w", err)
	}
	return u, nil
}

func (r *userRepo) GetByEmail(ctx context.Context, email string) (*model.User, error) {
	query := fmt.Sprintf(`SELECT %s FROM users WHERE email = $1`, userColumns)
	u, err := scanUser(r.db.QueryRow(ctx, query, email))
	if err != nil {
		if err == ErrNotFound {
			return nil, err
		}
		return nil, fmt.Errorf("ошибка получения пользователя по email: %w", err)
	}
	return u, nil
}

func (r *userRepo) UpdateSubjectID(ctx context.Context, id, subjectID string) error {
	tag, err := r.db.Exec(ctx, `UPDATE users SET subject_id = $2 WHERE id = $1`, id, subjectID)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("ошибка перепривязки subject id: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *userRepo) UpdateRole(ctx context.Context, id, role string) error {
	tag, err := r.db.Exec(ctx, `UPDATE users SET role = $2 WHERE id = $1`, id, role)
	if err != nil {
		return fmt.Errorf("ошибка обновления роли: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *userRepo) TouchLastLogin(ctx context.Context, subjectID string, t time.Time) error {
	_, err := r.db.Exec(ctx, `UPDATE users SET last_login = $2 WHERE subject_id = $1`, subjectID, t)
	if err != nil {
		return fmt.Errorf("ошибка обновления last_login: %w", err)
	}
	return nil
}

func (r *userRepo) DeleteSubjectsNotIn(ctx context.Context, subjectIDs []string) (int, error) {
	tag, err := r.db.Exec(ctx,
		`DELETE FROM users WHERE NOT (subject_id = ANY($1))`, subjectIDs)
	if err != nil {
		return 0, fmt.Errorf("ошибка tombstone-удаления пользователей: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (r *userRepo) List(ctx context.Context, limit, offset int) ([]*model.User, error) {
	query := fmt.Sprintf(`
		SELECT %s
		FROM users
		ORDER BY created_at DESC
		LIMIT $1 OFFSET $2`, userColumns)

	rows, err := r.db.Query(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения списка пользователей: %w", err)
	}
	defer rows.Close()

	var result []*model.User
	for rows.Next() {
		u := &model.User{}
		if err := rows.Scan(
			&u.ID, &u.SubjectID, &u.Email, &u.Name, &u.Picture, &u.Role,
			&u.EmailVerified, &u.IsActive, &u.LastLogin, &u.LastSyncedAt,
			&u.Metadata, &u.CreatedAt, &u.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("ошибка сканирования пользователя: %w", err)
		}
		result = append(result, u)
	}
	return result, rows.Err()
}

func (r *userRepo) Count(ctx context.Context) (int, error) {
	var count int
	err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM users`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("ошибка подсчёта пользователей: %w", err)
	}
	return count, nil
}

func (r *userRepo) CountByRole(ctx context.Context) (map[string]int, error) {
	rows, err := r.db.Query(ctx,
		`SELECT COALESCE(role, 'pending'), COUNT(*) FROM users GROUP BY role`)
	if err != nil {
		return nil, fmt.Errorf("ошибка подсчёта пользователей по ролям: %w", err)
	}
	defer rows.Close()

	result := make(map[string]int)
	for rows.Next() {
		var role string
		var count int
		if err := rows.Scan(&role, &count); err != nil {
			return nil, fmt.Errorf("ошибка сканирования распределения ролей: %w", err)
		}
		result[role] = count
	}
	return result, rows.Err()
}

// metadataOrEmpty возвращает metadata или пустую map (JSONB NOT NULL).
func metadataOrEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
