package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/bigkaa/studyhub/identity-module/internal/domain/model"
)

// RoleRequestRepository — интерфейс доступа к заявкам на роли.
type RoleRequestRepository interface {
	// Create создаёт заявку в статусе pending.
	Create(ctx context.Context, req *model.RoleRequest) error
	// CreateSuperseding атомарно отклоняет pending-заявки пользователя
	// с пометкой о вытеснении и создаёт новую. Возвращает количество
	// вытесненных заявок.
	CreateSuperseding(ctx context.Context, req *model.RoleRequest, reviewedBy string) (int, error)
	// SupersedePending отклоняет все pending-заявки пользователя
	// с пометкой о вытеснении. Возвращает количество отклонённых.
	SupersedePending(ctx context.Context, userID, reviewedBy string) (int, error)
	// GetByID возвращает заявку вместе с данными пользователя.
	GetByID(ctx context.Context, id string) (*model.RoleRequest, error)
	// SetStatus переводит заявку из pending в терминальный статус.
	// Если заявка уже рассмотрена, возвращает ErrConflict.
	SetStatus(ctx context.Context, id, status, reviewedBy string, note *string) error
	// ApproveAndAssignRole атомарно переводит заявку из pending в approved
	// и назначает роль пользователю заявки. Частичное применение
	// невозможно: любая ошибка откатывает обе записи.
	ApproveAndAssignRole(ctx context.Context, id, reviewedBy, role string) error
	// ListByStatus возвращает заявки с данным статусом (все — если пустой).
	ListByStatus(ctx context.Context, status string, limit, offset int) ([]*model.RoleRequest, error)
	// ListByUser возвращает заявки пользователя, новые первыми.
	ListByUser(ctx context.Context, userID string) ([]*model.RoleRequest, error)
	// CountPending возвращает количество нерассмотренных заявок.
	CountPending(ctx context.Context) (int, error)
}

// roleRequestRepo — реализация RoleRequestRepository.
type roleRequestRepo struct {
	db     DBTX
	runner *TxRunner // nil, если репозиторий уже работает внутри транзакции
}

// NewRoleRequestRepository создаёт репозиторий заявок на роли.
func NewRoleRequestRepository(db DBTX) RoleRequestRepository {
	repo := &roleRequestRepo{db: db}
	if pool, ok := db.(*pgxpool.Pool); ok {
		repo.runner = NewTxRunner(pool)
	}
	return repo
}

// withTx выполняет fn в транзакции. Репозиторий, созданный поверх pgx.Tx,
// уже находится во внешней транзакции — fn выполняется на ней.
func (r *roleRequestRepo) withTx(ctx context.Context, fn func(q DBTX) error) error {
	if r.runner == nil {
		return fn(r.db)
	}
	return r.runner.RunInTx(ctx, func(tx pgx.Tx) error {
		return fn(tx)
	})
}

const roleRequestColumns = `rr.id, rr.user_id, rr.requested_role, rr.reason, rr.status,
	rr.reviewed_by, rr.review_note, rr.created_at, rr.updated_at,
	u.name, u.email, u.role`

func scanRoleRequest(row pgx.Row) (*model.RoleRequest, error) {
	req := &model.RoleRequest{}
	err := row.Scan(
		&req.ID, &req.UserID, &req.RequestedRole, &req.Reason, &req.Status,
		&req.ReviewedBy, &req.ReviewNote, &req.CreatedAt, &req.UpdatedAt,
		&req.UserName, &req.UserEmail, &req.UserRole,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return req, nil
}

func (r *roleRequestRepo) Create(ctx context.Context, req *model.RoleRequest) error {
	return r.create(ctx, r.db, req)
}

func (r *roleRequestRepo) create(ctx context.Context, q DBTX, req *model.RoleRequest) error {
	query := `
		INSERT INTO role_requests (user_id, requested_role, reason)
		VALUES ($1, $2, $3)
		RETURNING id, status, created_at, updated_at`

	err := q.QueryRow(ctx, query, req.UserID, req.RequestedRole, req.Reason).
		Scan(&req.ID, &req.Status, &req.CreatedAt, &req.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			// Частичный уникальный индекс: у пользователя уже есть pending-заявка
			return ErrConflict
		}
		return fmt.Errorf("ошибка создания заявки на роль: %w", err)
	}
	return nil
}

func (r *roleRequestRepo) SupersedePending(ctx context.Context, userID, reviewedBy string) (int, error) {
	return r.supersedePending(ctx, r.db, userID, reviewedBy)
}

func (r *roleRequestRepo) supersedePending(ctx context.Context, q DBTX, userID, reviewedBy string) (int, error) {
	query := `
		UPDATE role_requests
		SET status = $3, reviewed_by = $2, review_note = $4
		WHERE user_id = $1 AND status = $5`

	tag, err := q.Exec(ctx, query,
		userID, reviewedBy, model.RequestStatusRejected,
		model.NoteSuperseded, model.RequestStatusPending)
	if err != nil {
		return 0, fmt.Errorf("ошибка вытеснения pending-заявок: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// CreateSuperseding вытесняет pending-заявки и создаёт новую в одной
// транзакции: сбой создания возвращает вытесненные заявки в pending.
func (r *roleRequestRepo) CreateSuperseding(ctx context.Context, req *model.RoleRequest, reviewedBy string) (int, error) {
	superseded := 0
	err := r.withTx(ctx, func(q DBTX) error {
		n, err := r.supersedePending(ctx, q, req.UserID, reviewedBy)
		if err != nil {
			return err
		}
		superseded = n
		return r.create(ctx, q, req)
	})
	if err != nil {
		return 0, err
	}
	return superseded, nil
}

func (r *roleRequestRepo) GetByID(ctx context.Context, id string) (*model.RoleRequest, error) {
	return r.getByID(ctx, r.db, id)
}

func (r *roleRequestRepo) getByID(ctx context.Context, q DBTX, id string) (*model.RoleRequest, error) {
	query := fmt.Sprintf(`
		SELECT %s
		FROM role_requests rr
		JOIN users u ON u.id = rr.user_id
		WHERE rr.id = $1`, roleRequestColumns)

	req, err := scanRoleRequest(q.QueryRow(ctx, query, id))
	if err != nil {
		if err == ErrNotFound {
			return nil, err
		}
		return nil, fmt.Errorf("ошибка получения заявки: %w", err)
	}
	return req, nil
}

func (r *roleRequestRepo) SetStatus(ctx context.Context, id, status, reviewedBy string, note *string) error {
	return r.setStatus(ctx, r.db, id, status, reviewedBy, note)
}

func (r *roleRequestRepo) setStatus(ctx context.Context, q DBTX, id, status, reviewedBy string, note *string) error {
	// Переход разрешён только из pending: повторное рассмотрение — конфликт.
	query := `
		UPDATE role_requests
		SET status = $2, reviewed_by = $3, review_note = $4
		WHERE id = $1 AND status = $5`

	tag, err := q.Exec(ctx, query, id, status, reviewedBy, note, model.RequestStatusPending)
	if err != nil {
		return fmt.Errorf("ошибка смены статуса заявки: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Либо заявки нет, либо она уже рассмотрена — различаем чтением.
		if _, getErr := r.getByID(ctx, q, id); getErr == ErrNotFound {
			return ErrNotFound
		}
		return ErrConflict
	}
	return nil
}

// ApproveAndAssignRole переводит заявку в approved и назначает роль
// пользователю в одной транзакции: заявка не может стать approved
// без назначенной роли.
func (r *roleRequestRepo) ApproveAndAssignRole(ctx context.Context, id, reviewedBy, role string) error {
	return r.withTx(ctx, func(q DBTX) error {
		if err := r.setStatus(ctx, q, id, model.RequestStatusApproved, reviewedBy, nil); err != nil {
			return err
		}

		tag, err := q.Exec(ctx, `
			UPDATE users SET role = $2
			WHERE id = (SELECT user_id FROM role_requests WHERE id = $1)`, id, role)
		if err != nil {
			return fmt.Errorf("ошибка назначения роли по заявке: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return ErrNotFound
		}
		return nil
	})
}

func (r *roleRequestRepo) ListByStatus(ctx context.Context, status string, limit, offset int) ([]*model.RoleRequest, error) {
	query := fmt.Sprintf(`
		SELECT %s
		FROM role_requests rr
		JOIN users u ON u.id = rr.user_id
		WHERE ($1 = '' OR rr.status = $1)
		ORDER BY rr.created_at DESC
		LIMIT $2 OFFSET $3`, roleRequestColumns)

	rows, err := r.db.Query(ctx, query, status, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения списка заявок: %w", err)
	}
	defer rows.Close()
	return collectRoleRequests(rows)
}

func (r *roleRequestRepo) ListByUser(ctx context.Context, userID string) ([]*model.RoleRequest, error) {
	query := fmt.Sprintf(`
		SELECT %s
		FROM role_requests rr
		JOIN users u ON u.id = rr.user_id
		WHERE rr.user_id = $1
		ORDER BY rr.created_at DESC`, roleRequestColumns)

	rows, err := r.db.Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения заявок пользователя: %w", err)
	}
	defer rows.Close()
	return collectRoleRequests(rows)
}

func (r *roleRequestRepo) CountPending(ctx context.Context) (int, error) {
	var count int
	err := r.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM role_requests WHERE status = $1`,
		model.RequestStatusPending).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("ошибка подсчёта pending-заявок: %w", err)
	}
	return count, nil
}

func collectRoleRequests(rows pgx.Rows) ([]*model.RoleRequest, error) {
	var result []*model.RoleRequest
	for rows.Next() {
		req := &model.RoleRequest{}
		if err := rows.Scan(
			&req.ID, &req.UserID, &req.RequestedRole, &req.Reason, &req.Status,
			&req.ReviewedBy, &req.ReviewNote, &req.CreatedAt, &req.UpdatedAt,
			&req.UserName, &req.UserEmail, &req.UserRole,
		); err != nil {
			return nil, fmt.Errorf("ошибка сканирования заявки: %w", err)
		}
		result = append(result, req)
	}
	return result, rows.Err()
}
