// models.go — структуры ответов Management API identity-провайдера.
package idp

import "time"

// DirectoryUser — пользователь в каталоге identity-провайдера.
type DirectoryUser struct {
	UserID        string         `json:"user_id"`
	Email         string         `json:"email,omitempty"`
	EmailVerified bool           `json:"email_verified,omitempty"`
	Name          string         `json:"name,omitempty"`
	Nickname      string         `json:"nickname,omitempty"`
	Picture       string         `json:"picture,omitempty"`
	LastLogin     *time.Time     `json:"last_login,omitempty"`
	AppMetadata   map[string]any `json:"app_metadata,omitempty"`
	UserMetadata  map[string]any `json:"user_metadata,omitempty"`
	Blocked       bool           `json:"blocked,omitempty"`
}

// MetadataRole возвращает роль из app_metadata (источник истины при
// периодической синхронизации каталога). Пустая строка — роль не назначена.
func (u *DirectoryUser) MetadataRole() string {
	if u.AppMetadata == nil {
		return ""
	}
	if role, ok := u.AppMetadata["role"].(string); ok {
		return role
	}
	return ""
}

// DirectoryRole — роль, зарегистрированная в identity-провайдере.
type DirectoryRole struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// userListPage — страница ответа /api/v2/users с include_totals=true.
type userListPage struct {
	Users []DirectoryUser `json:"users"`
	Start int             `json:"start"`
	Limit int             `json:"limit"`
	Total int             `json:"total"`
}

// profileUpdateRequest — тело PATCH /api/v2/users/{id}.
type profileUpdateRequest struct {
	Name         string         `json:"name,omitempty"`
	Picture      string         `json:"picture,omitempty"`
	UserMetadata map[string]any `json:"user_metadata,omitempty"`
}

// roleAssignRequest — тело POST /api/v2/users/{id}/roles.
type roleAssignRequest struct {
	Roles []string `json:"roles"`
}
