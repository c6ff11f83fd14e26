// Пакет config — загрузка и валидация конфигурации Identity Module
// из переменных окружения.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Версия приложения, задаётся при сборке через -ldflags.
var Version = "dev"

// Config содержит все параметры конфигурации Identity Module.
type Config struct {
	// --- Сервер ---

	// Порт HTTP-сервера
	Port int
	// Уровень логирования (debug, info, warn, error)
	LogLevel slog.Level
	// Формат логов (json, text)
	LogFormat string

	// --- PostgreSQL ---

	// Хост PostgreSQL
	DBHost string
	// Порт PostgreSQL
	DBPort int
	// Имя базы данных
	DBName string
	// Имя пользователя PostgreSQL
	DBUser string
	// Пароль пользователя PostgreSQL
	DBPassword string
	// Режим SSL: disable, require, verify-ca, verify-full
	DBSSLMode string

	// --- Identity Provider (OIDC) ---

	// Домен IdP (например, studyhub.eu.auth0.com)
	IDPDomain string
	// Audience API (aud в access token)
	IDPAudience string
	// Client ID сервисных учётных данных для Management API
	IDPClientID string
	// Client Secret сервисных учётных данных
	IDPClientSecret string

	// --- JWT ---

	// Issuer JWT (авто-вычисляется из IDPDomain, если не задан)
	JWTIssuer string
	// URL JWKS endpoint (авто-вычисляется из IDPDomain, если не задан)
	JWTJWKSURL string
	// Namespaced claim для ролей в JWT
	JWTRolesClaim string
	// Интервал обновления JWKS-ключей (TTL кэша ключей)
	JWKSRefreshInterval time.Duration
	// Таймаут HTTP-клиента JWKS
	JWKSClientTimeout time.Duration
	// Допустимое отклонение времени при проверке JWT
	JWTLeeway time.Duration

	// --- Синхронизация и разрешение ролей ---

	// Интервал полной синхронизации каталога пользователей с IdP
	SyncInterval time.Duration
	// Размер страницы при постраничной выгрузке пользователей
	SyncPageSize int
	// TTL свежести разрешённой роли (повторный запуск цепочки не чаще)
	ResolveTTL time.Duration
	// Таймаут одного вызова цепочки разрешения роли
	ResolveTimeout time.Duration

	// --- topologymetrics ---

	// Имя группы в метриках dephealth
	DephealthGroup string
	// Интервал проверки зависимостей
	DephealthCheckInterval time.Duration

	// --- Graceful shutdown ---

	// Таймаут graceful shutdown HTTP-сервера
	ShutdownTimeout time.Duration
}

// Load загружает конфигурацию из переменных окружения, валидирует
// обязательные поля и возвращает Config или ошибку.
func Load() (*Config, error) {
	cfg := &Config{}
	var err error

	// --- Сервер ---

	// IM_PORT — порт HTTP-сервера (по умолчанию 8010)
	cfg.Port, err = getEnvInt("IM_PORT", 8010)
	if err != nil {
		return nil, fmt.Errorf("IM_PORT: %w", err)
	}
	if cfg.Port < 1 || cfg.Port > 65535 {
		return nil, fmt.Errorf("IM_PORT: значение %d вне допустимого диапазона 1-65535", cfg.Port)
	}

	// IM_LOG_LEVEL — уровень логирования (по умолчанию info)
	cfg.LogLevel, err = parseLogLevel(getEnvDefault("IM_LOG_LEVEL", "info"))
	if err != nil {
		return nil, fmt.Errorf("IM_LOG_LEVEL: %w", err)
	}

	// IM_LOG_FORMAT — формат логов (по умолчанию json)
	cfg.LogFormat = getEnvDefault("IM_LOG_FORMAT", "json")
	if cfg.LogFormat != "json" && cfg.LogFormat != "text" {
		return nil, fmt.Errorf("IM_LOG_FORMAT: недопустимое значение %q, допустимые: json, text", cfg.LogFormat)
	}

	// --- PostgreSQL ---

	// IM_DB_HOST — обязательный
	cfg.DBHost, err = getEnvRequired("IM_DB_HOST")
	if err != nil {
		return nil, err
	}

	// IM_DB_PORT — порт PostgreSQL (по умолчанию 5432)
	cfg.DBPort, err = getEnvInt("IM_DB_PORT", 5432)
	if err != nil {
		return nil, fmt.Errorf("IM_DB_PORT: %w", err)
	}

	// IM_DB_NAME — обязательный
	cfg.DBName, err = getEnvRequired("IM_DB_NAME")
	if err != nil {
		return nil, err
	}

	// IM_DB_USER — обязательный
	cfg.DBUser, err = getEnvRequired("IM_DB_USER")
	if err != nil {
		return nil, err
	}

	// IM_DB_PASSWORD — обязательный
	cfg.DBPassword, err = getEnvRequired("IM_DB_PASSWORD")
	if err != nil {
		return nil, err
	}

	// IM_DB_SSL_MODE — режим SSL (по умолчанию disable)
	cfg.DBSSLMode = getEnvDefault("IM_DB_SSL_MODE", "disable")
	validSSLModes := map[string]bool{
		"disable": true, "require": true, "verify-ca": true, "verify-full": true,
	}
	if !validSSLModes[cfg.DBSSLMode] {
		return nil, fmt.Errorf("IM_DB_SSL_MODE: недопустимое значение %q, допустимые: disable, require, verify-ca, verify-full", cfg.DBSSLMode)
	}

	// --- Identity Provider ---

	// IM_IDP_DOMAIN — обязательный (без схемы, например studyhub.eu.auth0.com)
	cfg.IDPDomain, err = getEnvRequired("IM_IDP_DOMAIN")
	if err != nil {
		return nil, err
	}
	cfg.IDPDomain = strings.TrimSuffix(strings.TrimPrefix(cfg.IDPDomain, "https://"), "/")

	// IM_IDP_AUDIENCE — обязательный (audience API)
	cfg.IDPAudience, err = getEnvRequired("IM_IDP_AUDIENCE")
	if err != nil {
		return nil, err
	}

	// IM_IDP_CLIENT_ID — обязательный
	cfg.IDPClientID, err = getEnvRequired("IM_IDP_CLIENT_ID")
	if err != nil {
		return nil, err
	}

	// IM_IDP_CLIENT_SECRET — обязательный
	cfg.IDPClientSecret, err = getEnvRequired("IM_IDP_CLIENT_SECRET")
	if err != nil {
		return nil, err
	}

	// --- JWT ---

	// IM_JWT_ISSUER — авто-вычисляется из IDPDomain, если не задан.
	// IdP выдаёт iss с trailing slash.
	cfg.JWTIssuer = getEnvDefault("IM_JWT_ISSUER",
		fmt.Sprintf("https://%s/", cfg.IDPDomain))

	// IM_JWT_JWKS_URL — авто-вычисляется из IDPDomain, если не задан
	cfg.JWTJWKSURL = getEnvDefault("IM_JWT_JWKS_URL",
		fmt.Sprintf("https://%s/.well-known/jwks.json", cfg.IDPDomain))

	// IM_JWT_ROLES_CLAIM — namespaced claim для ролей
	cfg.JWTRolesClaim = getEnvDefault("IM_JWT_ROLES_CLAIM", "https://studyhub.app/roles")

	// IM_JWKS_REFRESH_INTERVAL — TTL кэша JWKS-ключей (по умолчанию 15m)
	cfg.JWKSRefreshInterval, err = getEnvDuration("IM_JWKS_REFRESH_INTERVAL", 15*time.Minute)
	if err != nil {
		return nil, fmt.Errorf("IM_JWKS_REFRESH_INTERVAL: %w", err)
	}

	// IM_JWKS_CLIENT_TIMEOUT — таймаут HTTP-клиента JWKS (по умолчанию 10s)
	cfg.JWKSClientTimeout, err = getEnvDuration("IM_JWKS_CLIENT_TIMEOUT", 10*time.Second)
	if err != nil {
		return nil, fmt.Errorf("IM_JWKS_CLIENT_TIMEOUT: %w", err)
	}

	// IM_JWT_LEEWAY — допустимое отклонение времени (по умолчанию 30s)
	cfg.JWTLeeway, err = getEnvDuration("IM_JWT_LEEWAY", 30*time.Second)
	if err != nil {
		return nil, fmt.Errorf("IM_JWT_LEEWAY: %w", err)
	}

	// --- Синхронизация и разрешение ролей ---

	// IM_SYNC_INTERVAL — интервал синхронизации каталога (по умолчанию 10m)
	cfg.SyncInterval, err = getEnvDuration("IM_SYNC_INTERVAL", 10*time.Minute)
	if err != nil {
		return nil, fmt.Errorf("IM_SYNC_INTERVAL: %w", err)
	}

	// IM_SYNC_PAGE_SIZE — размер страницы выгрузки (по умолчанию 100)
	cfg.SyncPageSize, err = getEnvInt("IM_SYNC_PAGE_SIZE", 100)
	if err != nil {
		return nil, fmt.Errorf("IM_SYNC_PAGE_SIZE: %w", err)
	}
	if cfg.SyncPageSize < 1 || cfg.SyncPageSize > 1000 {
		return nil, fmt.Errorf("IM_SYNC_PAGE_SIZE: значение %d вне допустимого диапазона 1-1000", cfg.SyncPageSize)
	}

	// IM_RESOLVE_TTL — свежесть разрешённой роли (по умолчанию 5m)
	cfg.ResolveTTL, err = getEnvDuration("IM_RESOLVE_TTL", 5*time.Minute)
	if err != nil {
		return nil, fmt.Errorf("IM_RESOLVE_TTL: %w", err)
	}

	// IM_RESOLVE_TIMEOUT — таймаут вызова цепочки (по умолчанию 5s)
	cfg.ResolveTimeout, err = getEnvDuration("IM_RESOLVE_TIMEOUT", 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("IM_RESOLVE_TIMEOUT: %w", err)
	}

	// --- topologymetrics ---

	// IM_DEPHEALTH_GROUP — имя группы (по умолчанию studyhub)
	cfg.DephealthGroup = getEnvDefault("IM_DEPHEALTH_GROUP", "studyhub")

	// IM_DEPHEALTH_CHECK_INTERVAL — интервал проверки зависимостей (по умолчанию 15s)
	cfg.DephealthCheckInterval, err = getEnvDuration("IM_DEPHEALTH_CHECK_INTERVAL", 15*time.Second)
	if err != nil {
		return nil, fmt.Errorf("IM_DEPHEALTH_CHECK_INTERVAL: %w", err)
	}

	// --- Graceful shutdown ---

	// IM_SHUTDOWN_TIMEOUT — таймаут graceful shutdown (по умолчанию 5s)
	cfg.ShutdownTimeout, err = getEnvDuration("IM_SHUTDOWN_TIMEOUT", 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("IM_SHUTDOWN_TIMEOUT: %w", err)
	}

	return cfg, nil
}

// DatabaseDSN возвращает строку подключения к PostgreSQL.
func (c *Config) DatabaseDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d dbname=%s user=%s password=%s sslmode=%s",
		c.DBHost, c.DBPort, c.DBName, c.DBUser, c.DBPassword, c.DBSSLMode,
	)
}

// DatabaseURL возвращает URL подключения к PostgreSQL (для метрик/лейблов).
func (c *Config) DatabaseURL() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.DBUser, c.DBPassword, c.DBHost, c.DBPort, c.DBName, c.DBSSLMode,
	)
}

// ManagementAudience возвращает audience Management API IdP.
func (c *Config) ManagementAudience() string {
	return fmt.Sprintf("https://%s/api/v2/", c.IDPDomain)
}

// SetupLogger настраивает глобальный slog-логгер на основе конфигурации.
func SetupLogger(cfg *Config) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}

	var handler slog.Handler
	if cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

// --- Вспомогательные функции ---

// getEnvRequired возвращает значение переменной окружения или ошибку, если она не задана.
func getEnvRequired(key string) (string, error) {
	val := os.Getenv(key)
	if val == "" {
		return "", fmt.Errorf("%s: обязательная переменная окружения не задана", key)
	}
	return val, nil
}

// getEnvDefault возвращает значение переменной окружения или значение по умолчанию.
func getEnvDefault(key, defaultVal string) string {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	return val
}

// getEnvInt возвращает целочисленное значение переменной окружения или значение по умолчанию.
func getEnvInt(key string, defaultVal int) (int, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return 0, fmt.Errorf("некорректное целое число: %q", val)
	}
	return n, nil
}

// getEnvDuration возвращает time.Duration из переменной окружения или значение по умолчанию.
func getEnvDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return 0, fmt.Errorf("некорректная длительность: %q (используйте формат Go: 30s, 1h, 15m)", val)
	}
	return d, nil
}

// parseLogLevel преобразует строку уровня логирования в slog.Level.
func parseLogLevel(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("недопустимый уровень %q, допустимые: debug, info, warn, error", level)
	}
}
