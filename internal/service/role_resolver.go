// role_resolver.go — сервис разрешения роли пользователя.
//
// Роль определяется цепочкой источников в порядке убывания доверия:
//  1. management — Management API через сервисный токен (M2M)
//  2. delegated  — Management API с bearer-токеном самого пользователя
//  3. token      — namespaced claim из JWT
//
// Пустой результат источника НЕ обнуляет роль: цепочка продолжается
// к следующему источнику, а существующая роль в локальной БД никогда
// не понижается до pending пустым ответом IdP.
//
// Успешные разрешения кэшируются (expirable LRU, IM_RESOLVE_TTL),
// чтобы не дёргать Management API на каждый запрос.
//
// Prometheus-метрики:
//   - im_role_resolution_total{source} — количество разрешений по источникам
package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bigkaa/studyhub/identity-module/internal/domain/rbac"
	"github.com/bigkaa/studyhub/identity-module/internal/idp"
)

// roleResolutionTotal — счётчик разрешений роли по источникам.
var roleResolutionTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "im_role_resolution_total",
		Help: "Количество разрешений роли по источникам (management, delegated, token, cache, none)",
	},
	[]string{"source"},
)

// RoleDirectory — источник ролей в IdP. Реализуется idp.Client.
type RoleDirectory interface {
	// GetUserRoles возвращает роли пользователя через сервисный токен.
	GetUserRoles(ctx context.Context, subjectID string) ([]idp.DirectoryRole, error)
	// GetUserRolesWithToken возвращает роли через bearer-токен пользователя.
	GetUserRolesWithToken(ctx context.Context, subjectID, bearer string) ([]idp.DirectoryRole, error)
}

// RoleResolver — сервис разрешения роли через цепочку источников.
type RoleResolver struct {
	directory RoleDirectory
	cache     *expirable.LRU[string, string]
	timeout   time.Duration
	logger    *slog.Logger
}

// NewRoleResolver создаёт resolver.
// cacheTTL — время жизни кэшированной роли (IM_RESOLVE_TTL).
// timeout — предел времени на обращения к Management API (IM_RESOLVE_TIMEOUT).
func NewRoleResolver(
	directory RoleDirectory,
	cacheTTL time.Duration,
	timeout time.Duration,
	logger *slog.Logger,
) *RoleResolver {
	return &RoleResolver{
		directory: directory,
		cache:     expirable.NewLRU[string, string](10000, nil, cacheTTL),
		timeout:   timeout,
		logger:    logger.With(slog.String("component", "role_resolver")),
	}
}

// Resolve возвращает роль пользователя и имя источника, из которого
// она получена. Пустая строка — роль определить не удалось (pending).
// tokenRoles — namespaced-роли из JWT (последний уровень fallback).
func (r *RoleResolver) Resolve(ctx context.Context, subjectID, rawToken string, tokenRoles []string) (role, source string) {
	if cached, ok := r.cache.Get(subjectID); ok {
		roleResolutionTotal.WithLabelValues("cache").Inc()
		return cached, "cache"
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	// 1. Management API через сервисный токен
	if role := r.fetchManagement(ctx, subjectID); role != "" {
		r.cache.Add(subjectID, role)
		roleResolutionTotal.WithLabelValues("management").Inc()
		return role, "management"
	}

	// 2. Делегированный вызов с токеном пользователя
	if rawToken != "" {
		if role := r.fetchDelegated(ctx, subjectID, rawToken); role != "" {
			r.cache.Add(subjectID, role)
			roleResolutionTotal.WithLabelValues("delegated").Inc()
			return role, "delegated"
		}
	}

	// 3. Claim токена
	if role := rbac.HighestRole(tokenRoles); role != "" {
		r.cache.Add(subjectID, role)
		roleResolutionTotal.WithLabelValues("token").Inc()
		return role, "token"
	}

	roleResolutionTotal.WithLabelValues("none").Inc()
	return "", "none"
}

// Invalidate сбрасывает кэшированную роль пользователя.
// Вызывается после одобрения заявки, чтобы новая роль читалась сразу.
func (r *RoleResolver) Invalidate(subjectID string) {
	r.cache.Remove(subjectID)
}

// fetchManagement пробует получить роль через сервисный токен.
func (r *RoleResolver) fetchManagement(ctx context.Context, subjectID string) string {
	roles, err := r.directory.GetUserRoles(ctx, subjectID)
	if err != nil {
		r.logger.Warn("Роли через Management API недоступны",
			slog.String("subject_id", subjectID),
			slog.String("error", err.Error()),
		)
		return ""
	}
	return highestDirectoryRole(roles)
}

// fetchDelegated пробует получить роль с токеном пользователя.
func (r *RoleResolver) fetchDelegated(ctx context.Context, subjectID, rawToken string) string {
	roles, err := r.directory.GetUserRolesWithToken(ctx, subjectID, rawToken)
	if err != nil {
		r.logger.Warn("Роли через делегированный вызов недоступны",
			slog.String("subject_id", subjectID),
			slog.String("error", err.Error()),
		)
		return ""
	}
	return highestDirectoryRole(roles)
}

// highestDirectoryRole возвращает старшую валидную роль из ответа IdP.
func highestDirectoryRole(roles []idp.DirectoryRole) string {
	names := make([]string, 0, len(roles))
	for _, role := range roles {
		names = append(names, role.Name)
	}
	return rbac.HighestRole(names)
}
