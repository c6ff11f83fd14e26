// auth.go — JWT middleware для аутентификации и авторизации Identity Module.
// Валидирует bearer-токен IdP по JWKS (RS256, issuer, audience, exp),
// извлекает claims: namespaced-роли, permissions и scope,
// формирует CallerIdentity и помещает её в контекст запроса.
package middleware

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/MicahParks/jwkset"
	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"

	apierrors "github.com/bigkaa/studyhub/identity-module/internal/api/errors"
	"github.com/bigkaa/studyhub/identity-module/internal/domain/model"
	"github.com/bigkaa/studyhub/identity-module/internal/domain/rbac"
	"github.com/bigkaa/studyhub/identity-module/internal/repository"
)

// contextKey — тип для ключей контекста (избегаем коллизий).
type contextKey string

const (
	// ContextKeyIdentity — CallerIdentity в контексте запроса.
	ContextKeyIdentity contextKey = "caller_identity"
)

// CallerIdentity — аутентифицированный вызывающий, извлечённый из JWT.
// Помещается в контекст запроса для downstream handlers.
type CallerIdentity struct {
	// SubjectID — sub из JWT (subject id в IdP).
	SubjectID string
	// Email — email из JWT (может отсутствовать).
	Email string
	// Name — отображаемое имя из JWT.
	Name string
	// Picture — URL аватара из JWT.
	Picture string
	// EmailVerified — флаг подтверждённой почты.
	EmailVerified bool

	// TokenRoles — роли из namespaced claim токена.
	TokenRoles []string
	// Permissions — объединение claim "permissions" и scope (через пробел).
	Permissions []string

	// RawToken — исходный bearer-токен. Нужен для делегированных
	// вызовов Management API от имени пользователя.
	RawToken string
}

// HighestTokenRole возвращает старшую валидную роль из токена
// (пустая строка, если ролей в токене нет).
func (c *CallerIdentity) HighestTokenRole() string {
	return rbac.HighestRole(c.TokenRoles)
}

// HasRole проверяет наличие роли в claims токена.
func (c *CallerIdentity) HasRole(role string) bool {
	for _, r := range c.TokenRoles {
		if r == role {
			return true
		}
	}
	return false
}

// HasPermission проверяет наличие указанного permission.
func (c *CallerIdentity) HasPermission(perm string) bool {
	for _, p := range c.Permissions {
		if p == perm {
			return true
		}
	}
	return false
}

// HasAnyPermission проверяет наличие хотя бы одного из указанных permissions.
func (c *CallerIdentity) HasAnyPermission(perms ...string) bool {
	for _, p := range perms {
		if c.HasPermission(p) {
			return true
		}
	}
	return false
}

// idpClaims — raw claims из JWT identity-провайдера.
// Роли лежат в namespaced claim, имя которого задаётся конфигурацией,
// поэтому структура разбирается через MapClaims.
type idpClaims struct {
	jwt.RegisteredClaims
	Email         string   `json:"email,omitempty"`
	EmailVerified bool     `json:"email_verified,omitempty"`
	Name          string   `json:"name,omitempty"`
	Picture       string   `json:"picture,omitempty"`
	Permissions   []string `json:"permissions,omitempty"`
	Scope         string   `json:"scope,omitempty"`

	// Прочие claims (включая namespaced-роли) — в отдельной map.
	extra map[string]any
}

// UnmarshalJSON сохраняет все claims, чтобы достать namespaced-роли.
func (c *idpClaims) UnmarshalJSON(data []byte) error {
	type alias idpClaims
	a := (*alias)(c)
	if err := json.Unmarshal(data, a); err != nil {
		return err
	}
	return json.Unmarshal(data, &c.extra)
}

// rolesFromClaim извлекает список ролей из namespaced claim.
func (c *idpClaims) rolesFromClaim(claimName string) []string {
	raw, ok := c.extra[claimName]
	if !ok {
		return nil
	}
	items, ok := raw.([]any)
	if !ok {
		return nil
	}
	roles := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok {
			roles = append(roles, s)
		}
	}
	return roles
}

// JWTAuth — middleware для JWT-аутентификации через JWKS IdP.
type JWTAuth struct {
	jwks       keyfunc.Keyfunc
	logger     *slog.Logger
	issuer     string
	audience   string
	rolesClaim string
	jwtLeeway  time.Duration
}

// NewJWTAuth создаёт JWT middleware с JWKS identity-провайдера.
// jwksURL — URL к JWKS endpoint IdP.
// caCertPath — опциональный путь к CA-сертификату для TLS.
// issuer, audience — ожидаемые iss и aud токена.
// rolesClaim — имя namespaced claim с ролями.
// jwksClientTimeout — таймаут HTTP-клиента JWKS (IM_JWKS_CLIENT_TIMEOUT).
// jwksRefreshInterval — интервал обновления JWKS-ключей (IM_JWKS_REFRESH_INTERVAL).
// jwtLeeway — допустимое отклонение времени при проверке JWT (IM_JWT_LEEWAY).
func NewJWTAuth(
	jwksURL string,
	caCertPath string,
	issuer string,
	audience string,
	rolesClaim string,
	jwksClientTimeout time.Duration,
	jwksRefreshInterval time.Duration,
	jwtLeeway time.Duration,
	logger *slog.Logger,
) (*JWTAuth, error) {
	// HTTP-клиент для JWKS (с кастомным CA или стандартный)
	httpClient := http.DefaultClient
	if caCertPath != "" {
		var err error
		httpClient, err = httpClientWithCA(caCertPath, jwksClientTimeout)
		if err != nil {
			return nil, fmt.Errorf("загрузка CA-сертификата %s: %w", caCertPath, err)
		}
		logger.Info("CA-сертификат для JWKS добавлен в пул доверия",
			slog.String("ca_cert", caCertPath),
		)
	}

	// JWKS Storage с фоновым обновлением.
	// NoErrorReturnFirstHTTPReq — стартуем даже если IdP ещё недоступен.
	storage, err := jwkset.NewStorageFromHTTP(jwksURL, jwkset.HTTPClientStorageOptions{
		Client:                    httpClient,
		NoErrorReturnFirstHTTPReq: true,
		RefreshInterval:           jwksRefreshInterval,
		RefreshErrorHandler: func(_ context.Context, err error) {
			logger.Error("Ошибка обновления JWKS",
				slog.String("error", err.Error()),
				slog.String("url", jwksURL),
			)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("создание JWKS storage: %w", err)
	}

	k, err := keyfunc.New(keyfunc.Options{
		Storage: storage,
	})
	if err != nil {
		return nil, fmt.Errorf("создание keyfunc: %w", err)
	}

	return &JWTAuth{
		jwks:       k,
		logger:     logger.With(slog.String("component", "jwt_auth")),
		issuer:     issuer,
		audience:   audience,
		rolesClaim: rolesClaim,
		jwtLeeway:  jwtLeeway,
	}, nil
}

// httpClientWithCA создаёт HTTP-клиент с кастомным CA-сертификатом.
// timeout — таймаут HTTP-запросов.
func httpClientWithCA(caCertPath string, timeout time.Duration) (*http.Client, error) {
	caCert, err := os.ReadFile(caCertPath)
	if err != nil {
		return nil, err
	}

	caCertPool, err := x509.SystemCertPool()
	if err != nil {
		caCertPool = x509.NewCertPool()
	}
	caCertPool.AppendCertsFromPEM(caCert)

	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{
				RootCAs: caCertPool,
			},
		},
	}, nil
}

// NewJWTAuthWithKeyfunc создаёт JWT middleware с предоставленной keyfunc.
// Используется в тестах для подстановки mock JWKS.
func NewJWTAuthWithKeyfunc(
	kf keyfunc.Keyfunc,
	issuer string,
	audience string,
	rolesClaim string,
	logger *slog.Logger,
) *JWTAuth {
	return &JWTAuth{
		jwks:       kf,
		logger:     logger.With(slog.String("component", "jwt_auth")),
		issuer:     issuer,
		audience:   audience,
		rolesClaim: rolesClaim,
	}
}

// Middleware возвращает HTTP middleware для JWT-аутентификации.
// Извлекает Bearer token, валидирует подпись (RS256), issuer и audience,
// формирует CallerIdentity и помещает её в контекст.
func (j *JWTAuth) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// Извлекаем Bearer token
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				apierrors.Unauthorized(w, "Отсутствует заголовок Authorization")
				return
			}

			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
				apierrors.Unauthorized(w, "Неверный формат Authorization: ожидается Bearer <token>")
				return
			}

			tokenString := parts[1]
			if tokenString == "" {
				apierrors.Unauthorized(w, "Пустой Bearer token")
				return
			}

			// Парсинг и валидация JWT через JWKS
			rawClaims := &idpClaims{}
			parserOpts := []jwt.ParserOption{
				jwt.WithValidMethods([]string{"RS256"}),
				jwt.WithExpirationRequired(),
				jwt.WithLeeway(j.jwtLeeway),
			}
			if j.issuer != "" {
				parserOpts = append(parserOpts, jwt.WithIssuer(j.issuer))
			}
			if j.audience != "" {
				parserOpts = append(parserOpts, jwt.WithAudience(j.audience))
			}

			token, err := jwt.ParseWithClaims(tokenString, rawClaims, j.jwks.KeyfuncCtx(r.Context()), parserOpts...)
			if err != nil {
				j.logger.Debug("JWT валидация не пройдена",
					slog.String("error", err.Error()),
					slog.String("remote_addr", r.RemoteAddr),
				)
				apierrors.Unauthorized(w, "Невалидный или просроченный токен")
				return
			}

			if !token.Valid {
				apierrors.Unauthorized(w, "Невалидный токен")
				return
			}

			// Извлекаем sub
			subject, err := rawClaims.GetSubject()
			if err != nil || subject == "" {
				apierrors.Unauthorized(w, "Отсутствует sub в токене")
				return
			}

			identity := j.buildIdentity(rawClaims, tokenString)

			// Помещаем identity в контекст
			ctx := context.WithValue(r.Context(), ContextKeyIdentity, identity)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// buildIdentity формирует CallerIdentity из raw claims.
// Permissions — объединение claim "permissions" (RBAC IdP)
// и scope (space-separated, для M2M-токенов).
func (j *JWTAuth) buildIdentity(raw *idpClaims, tokenString string) *CallerIdentity {
	identity := &CallerIdentity{
		SubjectID:     raw.Subject,
		Email:         raw.Email,
		EmailVerified: raw.EmailVerified,
		Name:          raw.Name,
		Picture:       raw.Picture,
		TokenRoles:    raw.rolesFromClaim(j.rolesClaim),
		RawToken:      tokenString,
	}

	seen := make(map[string]struct{})
	for _, p := range raw.Permissions {
		if _, ok := seen[p]; !ok {
			seen[p] = struct{}{}
			identity.Permissions = append(identity.Permissions, p)
		}
	}
	for _, p := range strings.Fields(raw.Scope) {
		if _, ok := seen[p]; !ok {
			seen[p] = struct{}{}
			identity.Permissions = append(identity.Permissions, p)
		}
	}

	return identity
}

// --- Guard middleware ---

// UserLoader — чтение записи локального каталога при авторизации.
// Реализуется repository.UserRepository.
type UserLoader interface {
	GetBySubjectID(ctx context.Context, subjectID string) (*model.User, error)
}

// Guard — предикат авторизации. identity — claims валидированного токена,
// user — запись локального каталога (nil, если записи нет: пользователь
// ещё не синхронизирован либо это M2M-токен без записи в каталоге).
type Guard func(identity *CallerIdentity, user *model.User) bool

// RoleGuard пропускает вызывающего с одной из указанных ролей в локальном
// каталоге. Роли из claims токена не учитываются: после одобрения заявки
// или отзыва роли токен живёт до истечения, локальная запись — источник
// истины. Без записи в каталоге и для заблокированных аккаунтов — отказ.
func RoleGuard(roles ...string) Guard {
	return func(_ *CallerIdentity, user *model.User) bool {
		if user == nil || !user.IsActive {
			return false
		}
		for _, r := range roles {
			if user.HasRole(r) {
				return true
			}
		}
		return false
	}
}

// PermissionGuard пропускает вызывающего с одним из указанных permissions
// токена. Запись каталога не требуется: permissions выдаёт сам IdP,
// в том числе M2M-клиентам, которых в каталоге нет.
func PermissionGuard(perms ...string) Guard {
	return func(identity *CallerIdentity, _ *model.User) bool {
		return identity.HasAnyPermission(perms...)
	}
}

// Or объединяет guards: достаточно прохождения любого.
func Or(guards ...Guard) Guard {
	return func(identity *CallerIdentity, user *model.User) bool {
		for _, g := range guards {
			if g(identity, user) {
				return true
			}
		}
		return false
	}
}

// And объединяет guards: требуется прохождение всех.
func And(guards ...Guard) Guard {
	return func(identity *CallerIdentity, user *model.User) bool {
		for _, g := range guards {
			if !g(identity, user) {
				return false
			}
		}
		return true
	}
}

// OwnerOrAdmin — вызывающий владеет ресурсом (совпадает subject id)
// либо имеет роль администратора в локальном каталоге.
func OwnerOrAdmin(identity *CallerIdentity, user *model.User, ownerSubjectID string) bool {
	if identity == nil {
		return false
	}
	if identity.SubjectID == ownerSubjectID {
		return true
	}
	return user != nil && user.IsActive && user.HasRole(rbac.RoleAdmin)
}

// Authorizer строит авторизационные middleware поверх JWT-аутентификации.
// Перед вызовом guard'а подгружает запись вызывающего из локального
// каталога: роли проверяются по каталогу, permissions — по claims токена.
type Authorizer struct {
	users  UserLoader
	logger *slog.Logger
}

// NewAuthorizer создаёт Authorizer поверх каталога пользователей.
func NewAuthorizer(users UserLoader, logger *slog.Logger) *Authorizer {
	return &Authorizer{
		users:  users,
		logger: logger.With(slog.String("component", "authorizer")),
	}
}

// Require превращает guard в HTTP middleware.
// Должен использоваться ПОСЛЕ JWTAuth.Middleware().
func (a *Authorizer) Require(guard Guard, message string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identity := IdentityFromContext(r.Context())
			if identity == nil {
				apierrors.Unauthorized(w, "Отсутствует identity в контексте")
				return
			}

			user, err := a.users.GetBySubjectID(r.Context(), identity.SubjectID)
			if err != nil && err != repository.ErrNotFound {
				a.logger.Error("Ошибка чтения каталога при авторизации",
					slog.String("subject_id", identity.SubjectID),
					slog.String("error", err.Error()),
				)
				apierrors.InternalError(w, "Ошибка авторизации")
				return
			}
			// ErrNotFound → user == nil: guard по ролям не пройдёт,
			// permission-guard работает по токену и без записи.

			if !guard(identity, user) {
				apierrors.Forbidden(w, message)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequireRole возвращает middleware, требующий одну из указанных ролей
// в локальном каталоге.
func (a *Authorizer) RequireRole(roles ...string) func(http.Handler) http.Handler {
	return a.Require(RoleGuard(roles...),
		fmt.Sprintf("Недостаточно прав: требуется роль %s", strings.Join(roles, " или ")))
}

// RequirePermission возвращает middleware, требующий один из permissions.
func (a *Authorizer) RequirePermission(perms ...string) func(http.Handler) http.Handler {
	return a.Require(PermissionGuard(perms...),
		fmt.Sprintf("Недостаточно прав: требуется permission %s", strings.Join(perms, " или ")))
}

// RequireRoleOrPermission пропускает вызывающего с подходящей ролью
// ИЛИ подходящим permission (например admin или read:stats).
func (a *Authorizer) RequireRoleOrPermission(roles, perms []string) func(http.Handler) http.Handler {
	return a.Require(Or(RoleGuard(roles...), PermissionGuard(perms...)),
		fmt.Sprintf("Недостаточно прав: требуется роль %s или permission %s",
			strings.Join(roles, "/"), strings.Join(perms, "/")))
}

// RequireAdmin — сокращение для RequireRole(admin).
func (a *Authorizer) RequireAdmin() func(http.Handler) http.Handler {
	return a.RequireRole(rbac.RoleAdmin)
}

// --- Context helpers ---

// IdentityFromContext извлекает CallerIdentity из контекста запроса.
// Возвращает nil, если identity не найдена.
func IdentityFromContext(ctx context.Context) *CallerIdentity {
	identity, _ := ctx.Value(ContextKeyIdentity).(*CallerIdentity)
	return identity
}

// SubjectFromContext извлекает sub из контекста запроса.
// Возвращает пустую строку, если identity не найдена.
func SubjectFromContext(ctx context.Context) string {
	identity := IdentityFromContext(ctx)
	if identity == nil {
		return ""
	}
	return identity.SubjectID
}

// Close освобождает ресурсы JWT middleware.
func (j *JWTAuth) Close() {
	// keyfunc v3 не требует явного закрытия
}
