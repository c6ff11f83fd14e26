package service

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/bigkaa/studyhub/identity-module/internal/domain/model"
	"github.com/bigkaa/studyhub/identity-module/internal/idp"
	"github.com/bigkaa/studyhub/identity-module/internal/repository"
)

// mockRequestRepo — in-memory реализация repository.RoleRequestRepository.
type mockRequestRepo struct {
	byID   map[string]*model.RoleRequest
	nextID int
	users  *mockUserRepo

	// assignRoleErr имитирует сбой назначения роли: ApproveAndAssignRole
	// возвращает ошибку, не меняя ни заявку, ни пользователя.
	assignRoleErr error
}

func newMockRequestRepo(users *mockUserRepo) *mockRequestRepo {
	return &mockRequestRepo{byID: make(map[string]*model.RoleRequest), users: users}
}

func (m *mockRequestRepo) Create(_ context.Context, req *model.RoleRequest) error {
	for _, r := range m.byID {
		if r.UserID == req.UserID && r.Status == model.RequestStatusPending {
			return repository.ErrConflict
		}
	}
	m.nextID++
	req.ID = fmt.Sprintf("req-%d", m.nextID)
	req.Status = model.RequestStatusPending
	req.CreatedAt = time.Now()
	req.UpdatedAt = req.CreatedAt
	clone := *req
	m.byID[req.ID] = &clone
	return nil
}

func (m *mockRequestRepo) SupersedePending(_ context.Context, userID, reviewedBy string) (int, error) {
	count := 0
	note := model.NoteSuperseded
	for _, r := range m.byID {
		if r.UserID == userID && r.Status == model.RequestStatusPending {
			r.Status = model.RequestStatusRejected
			r.ReviewedBy = &reviewedBy
			r.ReviewNote = &note
			count++
		}
	}
	return count, nil
}

func (m *mockRequestRepo) CreateSuperseding(ctx context.Context, req *model.RoleRequest, reviewedBy string) (int, error) {
	superseded, err := m.SupersedePending(ctx, req.UserID, reviewedBy)
	if err != nil {
		return 0, err
	}
	if err := m.Create(ctx, req); err != nil {
		return 0, err
	}
	return superseded, nil
}

func (m *mockRequestRepo) GetByID(_ context.Context, id string) (*model.RoleRequest, error) {
	r, ok := m.byID[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	clone := *r
	// join с users
	if u, err := m.users.GetByID(context.Background(), r.UserID); err == nil {
		clone.UserName = u.Name
		clone.UserEmail = u.Email
		clone.UserRole = u.Role
	}
	return &clone, nil
}

func (m *mockRequestRepo) SetStatus(_ context.Context, id, status, reviewedBy string, note *string) error {
	r, ok := m.byID[id]
	if !ok {
		return repository.ErrNotFound
	}
	if r.Status != model.RequestStatusPending {
		return repository.ErrConflict
	}
	r.Status = status
	r.ReviewedBy = &reviewedBy
	r.ReviewNote = note
	r.UpdatedAt = time.Now()
	return nil
}

func (m *mockRequestRepo) ApproveAndAssignRole(ctx context.Context, id, reviewedBy, role string) error {
	if m.assignRoleErr != nil {
		return m.assignRoleErr
	}
	r, ok := m.byID[id]
	if !ok {
		return repository.ErrNotFound
	}
	if err := m.SetStatus(ctx, id, model.RequestStatusApproved, reviewedBy, nil); err != nil {
		return err
	}
	return m.users.UpdateRole(ctx, r.UserID, role)
}

func (m *mockRequestRepo) ListByStatus(_ context.Context, status string, _, _ int) ([]*model.RoleRequest, error) {
	var result []*model.RoleRequest
	for id := range m.byID {
		r, _ := m.GetByID(context.Background(), id)
		if status == "" || r.Status == status {
			result = append(result, r)
		}
	}
	return result, nil
}

func (m *mockRequestRepo) ListByUser(_ context.Context, userID string) ([]*model.RoleRequest, error) {
	var result []*model.RoleRequest
	for id := range m.byID {
		r, _ := m.GetByID(context.Background(), id)
		if r.UserID == userID {
			result = append(result, r)
		}
	}
	return result, nil
}

func (m *mockRequestRepo) CountPending(_ context.Context) (int, error) {
	count := 0
	for _, r := range m.byID {
		if r.Status == model.RequestStatusPending {
			count++
		}
	}
	return count, nil
}

// mockRoleReplacer — мок назначения ролей в IdP.
type mockRoleReplacer struct {
	assigned   map[string]string // subject id → роль
	err        error
	remoteGone bool // аккаунт отсутствует в каталоге IdP
}

func newMockRoleReplacer() *mockRoleReplacer {
	return &mockRoleReplacer{assigned: make(map[string]string)}
}

func (m *mockRoleReplacer) ReplaceUserRoles(_ context.Context, subjectID, role string) error {
	if m.err != nil {
		return m.err
	}
	m.assigned[subjectID] = role
	return nil
}

func (m *mockRoleReplacer) GetUser(_ context.Context, subjectID string) (*idp.DirectoryUser, error) {
	if m.remoteGone {
		return nil, idp.ErrRemoteNotFound
	}
	return &idp.DirectoryUser{UserID: subjectID}, nil
}

type requestTestEnv struct {
	svc      *RoleRequestService
	users    *mockUserRepo
	requests *mockRequestRepo
	replacer *mockRoleReplacer
}

func newRequestTestEnv() *requestTestEnv {
	users := newMockUserRepo()
	requests := newMockRequestRepo(users)
	replacer := newMockRoleReplacer()
	resolver := NewRoleResolver(&mockRoleDirectory{}, time.Minute, time.Second, testLogger())
	svc := NewRoleRequestService(requests, users, replacer, resolver, testLogger())
	return &requestTestEnv{svc: svc, users: users, requests: requests, replacer: replacer}
}

func (e *requestTestEnv) addUser(t *testing.T, subjectID, name string, role *string) *model.User {
	t.Helper()
	u := &model.User{SubjectID: subjectID, Name: name, Role: role, IsActive: true}
	if err := e.users.Upsert(context.Background(), u); err != nil {
		t.Fatalf("подготовка пользователя: %v", err)
	}
	return u
}

// --- Тесты ---

func TestRoleRequest_Submit(t *testing.T) {
	env := newRequestTestEnv()
	env.addUser(t, "auth0|u1", "User One", nil)

	reason := "веду курс по Go"
	req, err := env.svc.Submit(context.Background(), "auth0|u1", "lecturer", &reason)
	if err != nil {
		t.Fatalf("Submit() ошибка: %v", err)
	}
	if req.Status != model.RequestStatusPending {
		t.Errorf("статус = %q, хотели pending", req.Status)
	}
	if req.RequestedRole != "lecturer" {
		t.Errorf("роль = %q, хотели lecturer", req.RequestedRole)
	}
	if req.UserName != "User One" {
		t.Errorf("UserName = %q, join-поля должны заполняться", req.UserName)
	}
}

func TestRoleRequest_SubmitInvalidRole(t *testing.T) {
	env := newRequestTestEnv()
	env.addUser(t, "auth0|u1", "User", nil)

	if _, err := env.svc.Submit(context.Background(), "auth0|u1", "superuser", nil); err != ErrInvalidRole {
		t.Errorf("ожидался ErrInvalidRole, получили: %v", err)
	}
}

func TestRoleRequest_SubmitUnknownUser(t *testing.T) {
	env := newRequestTestEnv()
	if _, err := env.svc.Submit(context.Background(), "auth0|ghost", "student", nil); err != ErrNotFound {
		t.Errorf("ожидался ErrNotFound, получили: %v", err)
	}
}

func TestRoleRequest_SubmitSameRole(t *testing.T) {
	env := newRequestTestEnv()
	role := "student"
	env.addUser(t, "auth0|u1", "User", &role)

	_, err := env.svc.Submit(context.Background(), "auth0|u1", "student", nil)
	if !errors.Is(err, ErrValidation) {
		t.Errorf("заявка на уже назначенную роль: ожидался ErrValidation, получили: %v", err)
	}
}

// TestRoleRequest_SubmitSupersedes — новая заявка вытесняет старую pending.
func TestRoleRequest_SubmitSupersedes(t *testing.T) {
	env := newRequestTestEnv()
	env.addUser(t, "auth0|u1", "User", nil)

	first, err := env.svc.Submit(context.Background(), "auth0|u1", "student", nil)
	if err != nil {
		t.Fatalf("первый Submit() ошибка: %v", err)
	}
	second, err := env.svc.Submit(context.Background(), "auth0|u1", "lecturer", nil)
	if err != nil {
		t.Fatalf("второй Submit() ошибка: %v", err)
	}

	old, _ := env.svc.Get(context.Background(), first.ID)
	if old.Status != model.RequestStatusRejected {
		t.Errorf("старая заявка в статусе %q, хотели rejected", old.Status)
	}
	if old.ReviewNote == nil || *old.ReviewNote != model.NoteSuperseded {
		t.Errorf("ReviewNote = %v, хотели пометку о вытеснении", old.ReviewNote)
	}
	if !second.IsPending() {
		t.Errorf("новая заявка в статусе %q, хотели pending", second.Status)
	}
}

// TestRoleRequest_Approve — одобрение назначает роль локально и в IdP
// и сбрасывает кэш резолвера.
func TestRoleRequest_Approve(t *testing.T) {
	env := newRequestTestEnv()
	adminRole := "admin"
	env.addUser(t, "auth0|admin", "Admin", &adminRole)
	env.addUser(t, "auth0|u1", "User", nil)

	req, err := env.svc.Submit(context.Background(), "auth0|u1", "lecturer", nil)
	if err != nil {
		t.Fatalf("Submit() ошибка: %v", err)
	}

	approved, warning, err := env.svc.Approve(context.Background(), req.ID, "auth0|admin")
	if err != nil {
		t.Fatalf("Approve() ошибка: %v", err)
	}
	if approved.Status != model.RequestStatusApproved {
		t.Errorf("статус = %q, хотели approved", approved.Status)
	}
	if warning != "" {
		t.Errorf("warning = %q, хотели пустой при успешном push", warning)
	}

	u, _ := env.users.GetBySubjectID(context.Background(), "auth0|u1")
	if u.RoleOrEmpty() != "lecturer" {
		t.Errorf("локальная роль = %q, хотели lecturer", u.RoleOrEmpty())
	}
	if env.replacer.assigned["auth0|u1"] != "lecturer" {
		t.Errorf("роль в IdP = %q, хотели lecturer", env.replacer.assigned["auth0|u1"])
	}
}

// TestRoleRequest_ApprovePushFailureKeepsLocal — недоступность IdP
// не откатывает локальное назначение роли.
func TestRoleRequest_ApprovePushFailureKeepsLocal(t *testing.T) {
	env := newRequestTestEnv()
	adminRole := "admin"
	env.addUser(t, "auth0|admin", "Admin", &adminRole)
	env.addUser(t, "auth0|u1", "User", nil)

	req, _ := env.svc.Submit(context.Background(), "auth0|u1", "student", nil)
	env.replacer.err = errors.New("IdP недоступен")

	approved, warning, err := env.svc.Approve(context.Background(), req.ID, "auth0|admin")
	if err != nil {
		t.Fatalf("Approve() при недоступном IdP не должен падать: %v", err)
	}
	if approved.Status != model.RequestStatusApproved {
		t.Errorf("статус = %q, хотели approved", approved.Status)
	}
	if warning != WarnIDPPushFailed {
		t.Errorf("warning = %q, хотели %q", warning, WarnIDPPushFailed)
	}
	u, _ := env.users.GetBySubjectID(context.Background(), "auth0|u1")
	if u.RoleOrEmpty() != "student" {
		t.Errorf("локальная роль = %q, назначение не должно откатываться", u.RoleOrEmpty())
	}
}

// TestRoleRequest_ApproveRoleAssignFailure — сбой назначения роли
// не оставляет заявку одобренной: статус и роль меняются атомарно,
// одобрение можно повторить после восстановления БД.
func TestRoleRequest_ApproveRoleAssignFailure(t *testing.T) {
	env := newRequestTestEnv()
	adminRole := "admin"
	env.addUser(t, "auth0|admin", "Admin", &adminRole)
	env.addUser(t, "auth0|u1", "User", nil)

	req, _ := env.svc.Submit(context.Background(), "auth0|u1", "lecturer", nil)
	env.requests.assignRoleErr = errors.New("соединение с БД потеряно")

	if _, _, err := env.svc.Approve(context.Background(), req.ID, "auth0|admin"); err == nil {
		t.Fatal("Approve() при сбое назначения роли должен вернуть ошибку")
	}

	// Заявка осталась pending, роль не назначена
	after, _ := env.svc.Get(context.Background(), req.ID)
	if !after.IsPending() {
		t.Errorf("статус = %q, хотели pending после сбоя", after.Status)
	}
	u, _ := env.users.GetBySubjectID(context.Background(), "auth0|u1")
	if u.Role != nil {
		t.Errorf("роль = %q, не должна назначаться при сбое", *u.Role)
	}

	// После восстановления одобрение проходит
	env.requests.assignRoleErr = nil
	approved, _, err := env.svc.Approve(context.Background(), req.ID, "auth0|admin")
	if err != nil {
		t.Fatalf("повторный Approve() ошибка: %v", err)
	}
	if approved.Status != model.RequestStatusApproved {
		t.Errorf("статус = %q, хотели approved", approved.Status)
	}
}

// TestRoleRequest_ApproveVanishedAccount — аккаунт исчез из IdP между
// синхронизациями: локальная роль назначается, warning сообщает, что
// запись удалит следующая синхронизация.
func TestRoleRequest_ApproveVanishedAccount(t *testing.T) {
	env := newRequestTestEnv()
	adminRole := "admin"
	env.addUser(t, "auth0|admin", "Admin", &adminRole)
	env.addUser(t, "auth0|u1", "User", nil)

	req, _ := env.svc.Submit(context.Background(), "auth0|u1", "lecturer", nil)
	env.replacer.err = errors.New("HTTP 404")
	env.replacer.remoteGone = true

	approved, warning, err := env.svc.Approve(context.Background(), req.ID, "auth0|admin")
	if err != nil {
		t.Fatalf("Approve() ошибка: %v", err)
	}
	if approved.Status != model.RequestStatusApproved {
		t.Errorf("статус = %q, хотели approved", approved.Status)
	}
	if warning != WarnIDPAccountGone {
		t.Errorf("warning = %q, хотели %q", warning, WarnIDPAccountGone)
	}
	u, _ := env.users.GetBySubjectID(context.Background(), "auth0|u1")
	if u.RoleOrEmpty() != "lecturer" {
		t.Errorf("локальная роль = %q, назначение не откатывается", u.RoleOrEmpty())
	}
}

// TestRoleRequest_DoubleReview — повторное рассмотрение отклоняется.
func TestRoleRequest_DoubleReview(t *testing.T) {
	env := newRequestTestEnv()
	adminRole := "admin"
	env.addUser(t, "auth0|admin", "Admin", &adminRole)
	env.addUser(t, "auth0|u1", "User", nil)

	req, _ := env.svc.Submit(context.Background(), "auth0|u1", "student", nil)
	if _, _, err := env.svc.Approve(context.Background(), req.ID, "auth0|admin"); err != nil {
		t.Fatalf("первый Approve() ошибка: %v", err)
	}

	if _, _, err := env.svc.Approve(context.Background(), req.ID, "auth0|admin"); err != ErrRequestState {
		t.Errorf("повторный Approve: ожидался ErrRequestState, получили: %v", err)
	}
	if _, err := env.svc.Reject(context.Background(), req.ID, "auth0|admin", nil); err != ErrRequestState {
		t.Errorf("Reject после Approve: ожидался ErrRequestState, получили: %v", err)
	}
}

func TestRoleRequest_Reject(t *testing.T) {
	env := newRequestTestEnv()
	adminRole := "admin"
	env.addUser(t, "auth0|admin", "Admin", &adminRole)
	env.addUser(t, "auth0|u1", "User", nil)

	req, _ := env.svc.Submit(context.Background(), "auth0|u1", "admin", nil)
	note := "недостаточно оснований"
	rejected, err := env.svc.Reject(context.Background(), req.ID, "auth0|admin", &note)
	if err != nil {
		t.Fatalf("Reject() ошибка: %v", err)
	}
	if rejected.Status != model.RequestStatusRejected {
		t.Errorf("статус = %q, хотели rejected", rejected.Status)
	}
	if rejected.ReviewNote == nil || *rejected.ReviewNote != note {
		t.Errorf("ReviewNote = %v, хотели %q", rejected.ReviewNote, note)
	}

	// Роль не назначена
	u, _ := env.users.GetBySubjectID(context.Background(), "auth0|u1")
	if u.Role != nil {
		t.Errorf("после отклонения роль = %q, хотели pending", *u.Role)
	}
	if len(env.replacer.assigned) != 0 {
		t.Error("отклонение не должно трогать роли в IdP")
	}
}

func TestRoleRequest_ApproveUnknownRequest(t *testing.T) {
	env := newRequestTestEnv()
	adminRole := "admin"
	env.addUser(t, "auth0|admin", "Admin", &adminRole)

	if _, _, err := env.svc.Approve(context.Background(), "req-missing", "auth0|admin"); err != ErrNotFound {
		t.Errorf("ожидался ErrNotFound, получили: %v", err)
	}
}

func TestRoleRequest_ListMy(t *testing.T) {
	env := newRequestTestEnv()
	env.addUser(t, "auth0|u1", "User", nil)
	env.addUser(t, "auth0|u2", "Other", nil)

	if _, err := env.svc.Submit(context.Background(), "auth0|u1", "student", nil); err != nil {
		t.Fatalf("Submit() ошибка: %v", err)
	}
	if _, err := env.svc.Submit(context.Background(), "auth0|u2", "lecturer", nil); err != nil {
		t.Fatalf("Submit() ошибка: %v", err)
	}

	mine, err := env.svc.ListMy(context.Background(), "auth0|u1")
	if err != nil {
		t.Fatalf("ListMy() ошибка: %v", err)
	}
	if len(mine) != 1 || mine[0].RequestedRole != "student" {
		t.Errorf("ListMy вернул %d заявок, хотели одну свою", len(mine))
	}

	// Пользователь без локальной записи — пустой список, не ошибка
	none, err := env.svc.ListMy(context.Background(), "auth0|ghost")
	if err != nil {
		t.Fatalf("ListMy() для неизвестного subject: %v", err)
	}
	if len(none) != 0 {
		t.Errorf("ListMy для неизвестного subject вернул %d заявок", len(none))
	}
}

func TestRoleRequest_ListStatusFilter(t *testing.T) {
	env := newRequestTestEnv()
	adminRole := "admin"
	env.addUser(t, "auth0|admin", "Admin", &adminRole)
	env.addUser(t, "auth0|u1", "User", nil)

	req, _ := env.svc.Submit(context.Background(), "auth0|u1", "student", nil)
	if _, _, err := env.svc.Approve(context.Background(), req.ID, "auth0|admin"); err != nil {
		t.Fatalf("Approve() ошибка: %v", err)
	}

	pending, err := env.svc.List(context.Background(), model.RequestStatusPending, 50, 0)
	if err != nil {
		t.Fatalf("List() ошибка: %v", err)
	}
	if len(pending) != 0 {
		t.Errorf("pending-заявок %d, хотели 0", len(pending))
	}

	all, err := env.svc.List(context.Background(), "", 50, 0)
	if err != nil {
		t.Fatalf("List() ошибка: %v", err)
	}
	if len(all) != 1 {
		t.Errorf("всего заявок %d, хотели 1", len(all))
	}

	if _, err := env.svc.List(context.Background(), "bogus", 50, 0); !errors.Is(err, ErrValidation) {
		t.Errorf("недопустимый статус: ожидался ErrValidation, получили: %v", err)
	}
}
