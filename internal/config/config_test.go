package config

import (
	"log/slog"
	"testing"
	"time"
)

// setEnvs устанавливает переменные окружения на время теста.
func setEnvs(t *testing.T, envs map[string]string) {
	t.Helper()
	for k, v := range envs {
		t.Setenv(k, v)
	}
}

// minimalEnvs возвращает минимальный набор обязательных переменных.
func minimalEnvs() map[string]string {
	return map[string]string{
		"IM_DB_HOST":           "localhost",
		"IM_DB_NAME":           "studyhub",
		"IM_DB_USER":           "studyhub",
		"IM_DB_PASSWORD":       "secret",
		"IM_IDP_DOMAIN":        "studyhub.eu.auth0.com",
		"IM_IDP_AUDIENCE":      "https://api.studyhub.app",
		"IM_IDP_CLIENT_ID":     "m2m-client",
		"IM_IDP_CLIENT_SECRET": "m2m-secret",
	}
}

func TestLoad_MinimalConfig(t *testing.T) {
	setEnvs(t, minimalEnvs())

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() вернул ошибку: %v", err)
	}

	// Проверяем значения по умолчанию
	if cfg.Port != 8010 {
		t.Errorf("Port = %d, ожидается 8010", cfg.Port)
	}
	if cfg.LogLevel != slog.LevelInfo {
		t.Errorf("LogLevel = %v, ожидается Info", cfg.LogLevel)
	}
	if cfg.LogFormat != "json" {
		t.Errorf("LogFormat = %q, ожидается json", cfg.LogFormat)
	}
	if cfg.DBPort != 5432 {
		t.Errorf("DBPort = %d, ожидается 5432", cfg.DBPort)
	}
	if cfg.DBSSLMode != "disable" {
		t.Errorf("DBSSLMode = %q, ожидается disable", cfg.DBSSLMode)
	}
	if cfg.SyncInterval != 10*time.Minute {
		t.Errorf("SyncInterval = %v, ожидается 10m", cfg.SyncInterval)
	}
	if cfg.SyncPageSize != 100 {
		t.Errorf("SyncPageSize = %d, ожидается 100", cfg.SyncPageSize)
	}
	if cfg.ResolveTTL != 5*time.Minute {
		t.Errorf("ResolveTTL = %v, ожидается 5m", cfg.ResolveTTL)
	}
	if cfg.JWKSRefreshInterval != 15*time.Minute {
		t.Errorf("JWKSRefreshInterval = %v, ожидается 15m", cfg.JWKSRefreshInterval)
	}
	if cfg.JWTRolesClaim != "https://studyhub.app/roles" {
		t.Errorf("JWTRolesClaim = %q, ожидается https://studyhub.app/roles", cfg.JWTRolesClaim)
	}
}

func TestLoad_DerivedIDPEndpoints(t *testing.T) {
	setEnvs(t, minimalEnvs())

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() вернул ошибку: %v", err)
	}

	if cfg.JWTIssuer != "https://studyhub.eu.auth0.com/" {
		t.Errorf("JWTIssuer = %q, ожидается https://studyhub.eu.auth0.com/", cfg.JWTIssuer)
	}
	if cfg.JWTJWKSURL != "https://studyhub.eu.auth0.com/.well-known/jwks.json" {
		t.Errorf("JWTJWKSURL = %q", cfg.JWTJWKSURL)
	}
	if cfg.ManagementAudience() != "https://studyhub.eu.auth0.com/api/v2/" {
		t.Errorf("ManagementAudience() = %q", cfg.ManagementAudience())
	}
}

func TestLoad_DomainSchemeStripped(t *testing.T) {
	envs := minimalEnvs()
	envs["IM_IDP_DOMAIN"] = "https://studyhub.eu.auth0.com/"
	setEnvs(t, envs)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() вернул ошибку: %v", err)
	}
	if cfg.IDPDomain != "studyhub.eu.auth0.com" {
		t.Errorf("IDPDomain = %q, ожидается без схемы и trailing slash", cfg.IDPDomain)
	}
}

func TestLoad_ExplicitOverrides(t *testing.T) {
	envs := minimalEnvs()
	envs["IM_JWT_ISSUER"] = "https://auth.studyhub.app/"
	envs["IM_JWT_JWKS_URL"] = "https://auth.studyhub.app/keys"
	envs["IM_SYNC_INTERVAL"] = "30m"
	envs["IM_PORT"] = "9000"
	setEnvs(t, envs)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() вернул ошибку: %v", err)
	}
	if cfg.JWTIssuer != "https://auth.studyhub.app/" {
		t.Errorf("JWTIssuer = %q", cfg.JWTIssuer)
	}
	if cfg.JWTJWKSURL != "https://auth.studyhub.app/keys" {
		t.Errorf("JWTJWKSURL = %q", cfg.JWTJWKSURL)
	}
	if cfg.SyncInterval != 30*time.Minute {
		t.Errorf("SyncInterval = %v, ожидается 30m", cfg.SyncInterval)
	}
	if cfg.Port != 9000 {
		t.Errorf("Port = %d, ожидается 9000", cfg.Port)
	}
}

func TestLoad_MissingRequired(t *testing.T) {
	required := []string{
		"IM_DB_HOST", "IM_DB_NAME", "IM_DB_USER", "IM_DB_PASSWORD",
		"IM_IDP_DOMAIN", "IM_IDP_AUDIENCE", "IM_IDP_CLIENT_ID", "IM_IDP_CLIENT_SECRET",
	}

	for _, missing := range required {
		t.Run(missing, func(t *testing.T) {
			envs := minimalEnvs()
			envs[missing] = ""
			setEnvs(t, envs)

			if _, err := Load(); err == nil {
				t.Errorf("Load() без %s должен возвращать ошибку", missing)
			}
		})
	}
}

func TestLoad_InvalidValues(t *testing.T) {
	cases := []struct {
		name  string
		key   string
		value string
	}{
		{"порт не число", "IM_PORT", "abc"},
		{"порт вне диапазона", "IM_PORT", "70000"},
		{"недопустимый уровень логов", "IM_LOG_LEVEL", "verbose"},
		{"недопустимый формат логов", "IM_LOG_FORMAT", "xml"},
		{"недопустимый ssl mode", "IM_DB_SSL_MODE", "prefer"},
		{"некорректная длительность", "IM_SYNC_INTERVAL", "10 минут"},
		{"размер страницы вне диапазона", "IM_SYNC_PAGE_SIZE", "5000"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			envs := minimalEnvs()
			envs[tc.key] = tc.value
			setEnvs(t, envs)

			if _, err := Load(); err == nil {
				t.Errorf("Load() с %s=%q должен возвращать ошибку", tc.key, tc.value)
			}
		})
	}
}

func TestDatabaseDSN(t *testing.T) {
	setEnvs(t, minimalEnvs())

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() вернул ошибку: %v", err)
	}

	want := "host=localhost port=5432 dbname=studyhub user=studyhub password=secret sslmode=disable"
	if got := cfg.DatabaseDSN(); got != want {
		t.Errorf("DatabaseDSN() = %q, ожидается %q", got, want)
	}
}
