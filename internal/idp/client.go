// client.go — HTTP-клиент к Management API identity-провайдера.
// Токен сервисного доступа получается через Client Credentials flow
// (golang.org/x/oauth2/clientcredentials, кэширование и обновление —
// на стороне TokenSource). Операции: ListUsers (постранично), GetUser,
// GetUserRoles, GetUserRolesWithToken, ListRoles, ReplaceUserRoles,
// UpdateUserProfile, CheckReady.
package idp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// Client — клиент Management API identity-провайдера.
type Client struct {
	baseURL string // https://<domain>, без trailing slash
	jwksURL string // URL JWKS (используется readiness-проверкой)

	httpClient  *http.Client
	tokenSource oauth2.TokenSource
	logger      *slog.Logger

	// Кэш справочника ролей name -> id (роли в IdP меняются редко)
	rolesMu   sync.Mutex
	roleIDs   map[string]string
	rolesFill time.Time
	rolesTTL  time.Duration
}

// Config — параметры подключения к Management API.
type Config struct {
	Domain       string // Домен IdP без схемы, например studyhub.eu.auth0.com
	ClientID     string // Client ID machine-to-machine приложения
	ClientSecret string // Client Secret
	JWKSURL      string // URL JWKS endpoint'а
	Timeout      time.Duration
}

// New создаёт клиент Management API.
// Domain обычно задаётся без схемы; URL со схемой тоже принимается.
func New(cfg Config, logger *slog.Logger) *Client {
	baseURL := strings.TrimRight(cfg.Domain, "/")
	if !strings.Contains(baseURL, "://") {
		baseURL = "https://" + baseURL
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	httpClient := &http.Client{Timeout: timeout}

	// Client Credentials flow с audience Management API.
	// TokenSource сам кэширует токен и обновляет его по истечении.
	cc := &clientcredentials.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		TokenURL:     baseURL + "/oauth/token",
		EndpointParams: url.Values{
			"audience": {baseURL + "/api/v2/"},
		},
		AuthStyle: oauth2.AuthStyleInParams,
	}
	tokenCtx := context.WithValue(context.Background(), oauth2.HTTPClient, httpClient)

	return &Client{
		baseURL:     baseURL,
		jwksURL:     cfg.JWKSURL,
		httpClient:  httpClient,
		tokenSource: cc.TokenSource(tokenCtx),
		logger:      logger.With(slog.String("component", "idp_client")),
		rolesTTL:    10 * time.Minute,
	}
}

// managementURL возвращает URL метода Management API.
func (c *Client) managementURL(path string) string {
	return c.baseURL + "/api/v2" + path
}

// --- HTTP helpers ---

// doAuthorized выполняет запрос к Management API с сервисным токеном.
func (c *Client) doAuthorized(ctx context.Context, method, path string, body any) (*http.Response, error) {
	token, err := c.tokenSource.Token()
	if err != nil {
		return nil, fmt.Errorf("получение сервисного токена: %w", err)
	}
	return c.doWithToken(ctx, method, path, token.AccessToken, body)
}

// doWithToken выполняет запрос к Management API с произвольным bearer-токеном.
func (c *Client) doWithToken(ctx context.Context, method, path, bearer string, body any) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("сериализация тела запроса: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.managementURL(path), bodyReader)
	if err != nil {
		return nil, fmt.Errorf("создание запроса: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+bearer)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	return c.httpClient.Do(req)
}

// ErrRemoteNotFound — объект отсутствует в каталоге IdP (HTTP 404).
var ErrRemoteNotFound = errors.New("объект не найден в IdP")

// decodeResponse декодирует JSON ответ в target.
func decodeResponse(resp *http.Response, target any) error {
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return ErrRemoteNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("Management API вернул статус %d: %s", resp.StatusCode, string(body))
	}

	if target != nil {
		if err := json.NewDecoder(resp.Body).Decode(target); err != nil {
			return fmt.Errorf("декодирование ответа Management API: %w", err)
		}
	}

	return nil
}

// checkResponse проверяет статус ответа (для запросов без тела ответа).
func checkResponse(resp *http.Response, expectedStatus int) error {
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return ErrRemoteNotFound
	}
	if resp.StatusCode != expectedStatus {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("Management API вернул статус %d (ожидался %d): %s",
			resp.StatusCode, expectedStatus, string(body))
	}

	return nil
}

// --- Users API ---

// ListUsers возвращает страницу каталога пользователей.
// page — номер страницы (с нуля), perPage — размер страницы.
// Второе возвращаемое значение — общее количество пользователей в каталоге.
func (c *Client) ListUsers(ctx context.Context, page, perPage int) ([]DirectoryUser, int, error) {
	path := fmt.Sprintf("/users?page=%d&per_page=%d&include_totals=true", page, perPage)

	resp, err := c.doAuthorized(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, 0, err
	}

	var result userListPage
	if err := decodeResponse(resp, &result); err != nil {
		return nil, 0, fmt.Errorf("ListUsers: %w", err)
	}

	return result.Users, result.Total, nil
}

// GetUser возвращает пользователя каталога по subject id.
func (c *Client) GetUser(ctx context.Context, subjectID string) (*DirectoryUser, error) {
	resp, err := c.doAuthorized(ctx, http.MethodGet, "/users/"+url.PathEscape(subjectID), nil)
	if err != nil {
		return nil, err
	}

	var user DirectoryUser
	if err := decodeResponse(resp, &user); err != nil {
		return nil, fmt.Errorf("GetUser: %w", err)
	}

	return &user, nil
}

// GetUserRoles возвращает роли пользователя через сервисный токен.
func (c *Client) GetUserRoles(ctx context.Context, subjectID string) ([]DirectoryRole, error) {
	resp, err := c.doAuthorized(ctx, http.MethodGet,
		"/users/"+url.PathEscape(subjectID)+"/roles", nil)
	if err != nil {
		return nil, err
	}

	var roles []DirectoryRole
	if err := decodeResponse(resp, &roles); err != nil {
		return nil, fmt.Errorf("GetUserRoles: %w", err)
	}

	return roles, nil
}

// GetUserRolesWithToken возвращает роли пользователя, используя его
// собственный bearer-токен (делегированный вызов, когда сервисный
// доступ к Management API недоступен).
func (c *Client) GetUserRolesWithToken(ctx context.Context, subjectID, bearer string) ([]DirectoryRole, error) {
	resp, err := c.doWithToken(ctx, http.MethodGet,
		"/users/"+url.PathEscape(subjectID)+"/roles", bearer, nil)
	if err != nil {
		return nil, err
	}

	var roles []DirectoryRole
	if err := decodeResponse(resp, &roles); err != nil {
		return nil, fmt.Errorf("GetUserRolesWithToken: %w", err)
	}

	return roles, nil
}

// UpdateUserProfile обновляет имя, аватар и user_metadata пользователя.
func (c *Client) UpdateUserProfile(ctx context.Context, subjectID, name, picture string, metadata map[string]any) error {
	body := profileUpdateRequest{
		Name:         name,
		Picture:      picture,
		UserMetadata: metadata,
	}

	resp, err := c.doAuthorized(ctx, http.MethodPatch, "/users/"+url.PathEscape(subjectID), body)
	if err != nil {
		return err
	}

	if err := decodeResponse(resp, nil); err != nil {
		return fmt.Errorf("UpdateUserProfile: %w", err)
	}
	return nil
}

// --- Roles API ---

// ListRoles возвращает справочник ролей IdP.
func (c *Client) ListRoles(ctx context.Context) ([]DirectoryRole, error) {
	resp, err := c.doAuthorized(ctx, http.MethodGet, "/roles", nil)
	if err != nil {
		return nil, err
	}

	var roles []DirectoryRole
	if err := decodeResponse(resp, &roles); err != nil {
		return nil, fmt.Errorf("ListRoles: %w", err)
	}

	return roles, nil
}

// roleID возвращает id роли IdP по имени, кэшируя справочник.
func (c *Client) roleID(ctx context.Context, name string) (string, error) {
	c.rolesMu.Lock()
	defer c.rolesMu.Unlock()

	if c.roleIDs == nil || time.Since(c.rolesFill) > c.rolesTTL {
		roles, err := c.ListRoles(ctx)
		if err != nil {
			return "", err
		}
		c.roleIDs = make(map[string]string, len(roles))
		for _, r := range roles {
			c.roleIDs[r.Name] = r.ID
		}
		c.rolesFill = time.Now()
	}

	id, ok := c.roleIDs[name]
	if !ok {
		return "", fmt.Errorf("роль %q не зарегистрирована в IdP", name)
	}
	return id, nil
}

// ReplaceUserRoles заменяет набор ролей пользователя в IdP одной ролью:
// снимает все текущие роли и назначает новую. Пользователь имеет ровно
// одну роль, поэтому полная замена — единственная корректная операция.
func (c *Client) ReplaceUserRoles(ctx context.Context, subjectID, role string) error {
	newID, err := c.roleID(ctx, role)
	if err != nil {
		return err
	}

	current, err := c.GetUserRoles(ctx, subjectID)
	if err != nil {
		return err
	}

	// Снимаем текущие роли (если есть)
	if len(current) > 0 {
		ids := make([]string, 0, len(current))
		for _, r := range current {
			ids = append(ids, r.ID)
		}
		resp, err := c.doAuthorized(ctx, http.MethodDelete,
			"/users/"+url.PathEscape(subjectID)+"/roles", roleAssignRequest{Roles: ids})
		if err != nil {
			return err
		}
		if err := checkResponse(resp, http.StatusNoContent); err != nil {
			return fmt.Errorf("снятие текущих ролей: %w", err)
		}
	}

	resp, err := c.doAuthorized(ctx, http.MethodPost,
		"/users/"+url.PathEscape(subjectID)+"/roles", roleAssignRequest{Roles: []string{newID}})
	if err != nil {
		return err
	}
	if err := checkResponse(resp, http.StatusNoContent); err != nil {
		return fmt.Errorf("назначение роли: %w", err)
	}

	c.logger.Info("Роль пользователя обновлена в IdP",
		slog.String("subject_id", subjectID),
		slog.String("role", role),
	)
	return nil
}

// --- Readiness checker ---

// CheckReady проверяет доступность IdP через JWKS endpoint.
// JWKS не требует авторизации, поэтому проверка не тратит
// rate limit Management API. Реализует handlers.ReadinessChecker.
func (c *Client) CheckReady() (string, string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.jwksURL, nil)
	if err != nil {
		return "fail", fmt.Sprintf("некорректный JWKS URL: %v", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "fail", fmt.Sprintf("IdP недоступен: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "degraded", fmt.Sprintf("JWKS endpoint вернул статус %d", resp.StatusCode)
	}

	return "ok", "IdP доступен"
}
