package idp

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"
)

// testLogger создаёт logger для тестов.
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// setupMockIDP создаёт mock HTTP-сервер Management API.
// tokenHandler обрабатывает запросы на получение сервисного токена.
// apiHandler обрабатывает запросы к /api/v2/.
func setupMockIDP(t *testing.T, tokenHandler, apiHandler http.HandlerFunc) (*httptest.Server, *Client) {
	t.Helper()

	mux := http.NewServeMux()

	// Token endpoint (Client Credentials flow)
	mux.HandleFunc("/oauth/token", func(w http.ResponseWriter, r *http.Request) {
		if tokenHandler != nil {
			tokenHandler(w, r)
			return
		}
		// Дефолтный ответ: валидный токен на 300 секунд
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"access_token": "test-access-token",
			"token_type":   "Bearer",
			"expires_in":   300,
		})
	})

	// Management API
	mux.HandleFunc("/api/v2/", func(w http.ResponseWriter, r *http.Request) {
		if apiHandler != nil {
			apiHandler(w, r)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	})

	// JWKS endpoint для readiness
	mux.HandleFunc("/.well-known/jwks.json", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"keys":[]}`))
	})

	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	client := New(Config{
		Domain:       server.URL,
		ClientID:     "identity-module",
		ClientSecret: "test-secret",
		JWKSURL:      server.URL + "/.well-known/jwks.json",
		Timeout:      5 * time.Second,
	}, testLogger())

	return server, client
}

// TestClient_TokenCaching проверяет, что сервисный токен кэшируется
// и повторные вызовы API не дёргают token endpoint.
func TestClient_TokenCaching(t *testing.T) {
	tokenRequests := 0

	_, client := setupMockIDP(t,
		func(w http.ResponseWriter, r *http.Request) {
			tokenRequests++
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(map[string]any{
				"access_token": "cached-token",
				"token_type":   "Bearer",
				"expires_in":   300,
			})
		},
		func(w http.ResponseWriter, r *http.Request) {
			if got := r.Header.Get("Authorization"); got != "Bearer cached-token" {
				t.Errorf("Authorization = %q, хотели Bearer cached-token", got)
			}
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"users":[],"start":0,"limit":50,"total":0}`))
		},
	)

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if _, _, err := client.ListUsers(ctx, 0, 50); err != nil {
			t.Fatalf("ListUsers() ошибка: %v", err)
		}
	}

	if tokenRequests != 1 {
		t.Errorf("ожидался 1 запрос токена, было %d", tokenRequests)
	}
}

// TestClient_TokenAudience проверяет, что в token-запрос передаётся
// audience Management API.
func TestClient_TokenAudience(t *testing.T) {
	var gotAudience string

	_, client := setupMockIDP(t,
		func(w http.ResponseWriter, r *http.Request) {
			r.ParseForm()
			gotAudience = r.FormValue("audience")
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(map[string]any{
				"access_token": "t", "token_type": "Bearer", "expires_in": 300,
			})
		},
		func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"users":[],"start":0,"limit":50,"total":0}`))
		},
	)

	if _, _, err := client.ListUsers(context.Background(), 0, 50); err != nil {
		t.Fatalf("ListUsers() ошибка: %v", err)
	}
	if !strings.HasSuffix(gotAudience, "/api/v2/") {
		t.Errorf("audience = %q, ожидали суффикс /api/v2/", gotAudience)
	}
}

// TestClient_ListUsersPaging проверяет передачу параметров пагинации.
func TestClient_ListUsersPaging(t *testing.T) {
	_, client := setupMockIDP(t, nil,
		func(w http.ResponseWriter, r *http.Request) {
			q := r.URL.Query()
			if q.Get("page") != "2" || q.Get("per_page") != "50" {
				t.Errorf("query = %q, хотели page=2&per_page=50", r.URL.RawQuery)
			}
			if q.Get("include_totals") != "true" {
				t.Error("include_totals не передан")
			}
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(userListPage{
				Users: []DirectoryUser{
					{UserID: "auth0|u1", Email: "u1@example.com", Name: "User One"},
					{UserID: "auth0|u2", Email: "u2@example.com", Name: "User Two"},
				},
				Start: 100, Limit: 50, Total: 102,
			})
		},
	)

	users, total, err := client.ListUsers(context.Background(), 2, 50)
	if err != nil {
		t.Fatalf("ListUsers() ошибка: %v", err)
	}
	if len(users) != 2 {
		t.Errorf("получено %d пользователей, хотели 2", len(users))
	}
	if total != 102 {
		t.Errorf("total = %d, хотели 102", total)
	}
	if users[0].UserID != "auth0|u1" {
		t.Errorf("UserID = %q, хотели auth0|u1", users[0].UserID)
	}
}

// TestClient_GetUserRolesWithToken проверяет делегированный вызов
// с токеном пользователя вместо сервисного.
func TestClient_GetUserRolesWithToken(t *testing.T) {
	tokenRequests := 0

	_, client := setupMockIDP(t,
		func(w http.ResponseWriter, r *http.Request) {
			tokenRequests++
			w.WriteHeader(http.StatusInternalServerError)
		},
		func(w http.ResponseWriter, r *http.Request) {
			if got := r.Header.Get("Authorization"); got != "Bearer user-token" {
				t.Errorf("Authorization = %q, хотели Bearer user-token", got)
			}
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode([]DirectoryRole{
				{ID: "rol_1", Name: "lecturer"},
			})
		},
	)

	roles, err := client.GetUserRolesWithToken(context.Background(), "auth0|u1", "user-token")
	if err != nil {
		t.Fatalf("GetUserRolesWithToken() ошибка: %v", err)
	}
	if len(roles) != 1 || roles[0].Name != "lecturer" {
		t.Errorf("roles = %+v, хотели одну роль lecturer", roles)
	}
	// Делегированный вызов не должен трогать token endpoint
	if tokenRequests != 0 {
		t.Errorf("ожидалось 0 запросов сервисного токена, было %d", tokenRequests)
	}
}

// TestClient_ReplaceUserRoles проверяет полную замену ролей:
// снятие текущих и назначение новой.
func TestClient_ReplaceUserRoles(t *testing.T) {
	var deletedRoles, assignedRoles []string

	_, client := setupMockIDP(t, nil,
		func(w http.ResponseWriter, r *http.Request) {
			switch {
			case r.URL.Path == "/api/v2/roles":
				json.NewEncoder(w).Encode([]DirectoryRole{
					{ID: "rol_student", Name: "student"},
					{ID: "rol_lecturer", Name: "lecturer"},
					{ID: "rol_admin", Name: "admin"},
				})
			case strings.HasSuffix(r.URL.Path, "/roles") && r.Method == http.MethodGet:
				json.NewEncoder(w).Encode([]DirectoryRole{
					{ID: "rol_student", Name: "student"},
				})
			case strings.HasSuffix(r.URL.Path, "/roles") && r.Method == http.MethodDelete:
				var body roleAssignRequest
				json.NewDecoder(r.Body).Decode(&body)
				deletedRoles = body.Roles
				w.WriteHeader(http.StatusNoContent)
			case strings.HasSuffix(r.URL.Path, "/roles") && r.Method == http.MethodPost:
				var body roleAssignRequest
				json.NewDecoder(r.Body).Decode(&body)
				assignedRoles = body.Roles
				w.WriteHeader(http.StatusNoContent)
			default:
				w.WriteHeader(http.StatusNotFound)
			}
		},
	)

	if err := client.ReplaceUserRoles(context.Background(), "auth0|u1", "lecturer"); err != nil {
		t.Fatalf("ReplaceUserRoles() ошибка: %v", err)
	}

	if len(deletedRoles) != 1 || deletedRoles[0] != "rol_student" {
		t.Errorf("сняты роли %v, хотели [rol_student]", deletedRoles)
	}
	if len(assignedRoles) != 1 || assignedRoles[0] != "rol_lecturer" {
		t.Errorf("назначены роли %v, хотели [rol_lecturer]", assignedRoles)
	}
}

// TestClient_ReplaceUserRolesUnknown проверяет ошибку для роли,
// отсутствующей в справочнике IdP.
func TestClient_ReplaceUserRolesUnknown(t *testing.T) {
	_, client := setupMockIDP(t, nil,
		func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/api/v2/roles" {
				json.NewEncoder(w).Encode([]DirectoryRole{
					{ID: "rol_student", Name: "student"},
				})
				return
			}
			t.Errorf("неожиданный запрос: %s %s", r.Method, r.URL.Path)
		},
	)

	err := client.ReplaceUserRoles(context.Background(), "auth0|u1", "superuser")
	if err == nil {
		t.Fatal("ожидалась ошибка для незарегистрированной роли")
	}
	if !strings.Contains(err.Error(), "superuser") {
		t.Errorf("ошибка %q не содержит имя роли", err.Error())
	}
}

// TestClient_GetUser проверяет получение пользователя каталога по subject id.
func TestClient_GetUser(t *testing.T) {
	_, client := setupMockIDP(t, nil,
		func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path != "/api/v2/users/auth0|u1" {
				t.Errorf("неожиданный путь: %s", r.URL.Path)
			}
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"user_id":"auth0|u1","name":"User One","email":"u1@example.com"}`))
		},
	)

	user, err := client.GetUser(context.Background(), "auth0|u1")
	if err != nil {
		t.Fatalf("GetUser() ошибка: %v", err)
	}
	if user.UserID != "auth0|u1" || user.Name != "User One" {
		t.Errorf("GetUser() = %+v, поля пользователя не заполнены", user)
	}
}

// TestClient_GetUserNotFound — 404 от Management API различим
// через ErrRemoteNotFound: аккаунт исчез из каталога IdP.
func TestClient_GetUserNotFound(t *testing.T) {
	_, client := setupMockIDP(t, nil,
		func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNotFound)
			w.Write([]byte(`{"statusCode":404,"error":"Not Found"}`))
		},
	)

	_, err := client.GetUser(context.Background(), "auth0|gone")
	if !errors.Is(err, ErrRemoteNotFound) {
		t.Errorf("ожидался ErrRemoteNotFound, получили: %v", err)
	}
}

// TestClient_MetadataRole проверяет извлечение роли из app_metadata.
func TestClient_MetadataRole(t *testing.T) {
	tests := []struct {
		name string
		meta map[string]any
		want string
	}{
		{"роль задана", map[string]any{"role": "lecturer"}, "lecturer"},
		{"роль отсутствует", map[string]any{"other": 1}, ""},
		{"metadata nil", nil, ""},
		{"роль не строка", map[string]any{"role": 42}, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u := &DirectoryUser{AppMetadata: tt.meta}
			if got := u.MetadataRole(); got != tt.want {
				t.Errorf("MetadataRole() = %q, хотели %q", got, tt.want)
			}
		})
	}
}

// TestClient_CheckReady проверяет readiness-проверку через JWKS.
func TestClient_CheckReady(t *testing.T) {
	_, client := setupMockIDP(t, nil, nil)

	status, msg := client.CheckReady()
	if status != "ok" {
		t.Errorf("CheckReady() = %q (%s), хотели ok", status, msg)
	}
}

// TestClient_CheckReadyFail проверяет статус fail при недоступном IdP.
func TestClient_CheckReadyFail(t *testing.T) {
	server, client := setupMockIDP(t, nil, nil)
	server.Close()

	status, _ := client.CheckReady()
	if status != "fail" {
		t.Errorf("CheckReady() = %q, хотели fail", status)
	}
}

// TestClient_UpdateUserProfile проверяет PATCH профиля.
func TestClient_UpdateUserProfile(t *testing.T) {
	var gotBody profileUpdateRequest

	_, client := setupMockIDP(t, nil,
		func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodPatch {
				t.Errorf("метод = %s, хотели PATCH", r.Method)
			}
			json.NewDecoder(r.Body).Decode(&gotBody)
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"user_id":"auth0|u1"}`))
		},
	)

	err := client.UpdateUserProfile(context.Background(), "auth0|u1",
		"New Name", "https://cdn.example.com/a.png", map[string]any{"bio": "Go"})
	if err != nil {
		t.Fatalf("UpdateUserProfile() ошибка: %v", err)
	}
	if gotBody.Name != "New Name" {
		t.Errorf("Name = %q, хотели New Name", gotBody.Name)
	}
	if gotBody.UserMetadata["bio"] != "Go" {
		t.Errorf("UserMetadata = %v", gotBody.UserMetadata)
	}
}
