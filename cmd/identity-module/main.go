// Точка входа Identity Module — подсистема идентичности платформы StudyHub.
// Загружает конфигурацию, подключается к PostgreSQL, применяет миграции,
// создаёт клиент Management API IdP, сервисный слой и API handlers,
// запускает фоновую синхронизацию каталога и topologymetrics,
// HTTP-сервер с JWT middleware и graceful shutdown.
package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/jackc/pgx/v5/stdlib"

	"github.com/bigkaa/studyhub/identity-module/internal/api/handlers"
	"github.com/bigkaa/studyhub/identity-module/internal/api/middleware"
	"github.com/bigkaa/studyhub/identity-module/internal/config"
	"github.com/bigkaa/studyhub/identity-module/internal/database"
	"github.com/bigkaa/studyhub/identity-module/internal/idp"
	"github.com/bigkaa/studyhub/identity-module/internal/repository"
	"github.com/bigkaa/studyhub/identity-module/internal/server"
	"github.com/bigkaa/studyhub/identity-module/internal/service"
)

func main() {
	// 1. Загрузка конфигурации из переменных окружения
	cfg, err := config.Load()
	if err != nil {
		slog.Error("Ошибка загрузки конфигурации", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// 2. Настройка логирования
	logger := config.SetupLogger(cfg)
	logger.Info("Identity Module запускается",
		slog.String("version", config.Version),
		slog.Int("port", cfg.Port),
	)

	if os.Getenv("IM_DEPHEALTH_GROUP") == "" {
		logger.Warn("IM_DEPHEALTH_GROUP не задана, используется значение по умолчанию",
			slog.String("default", cfg.DephealthGroup),
		)
	}

	// 3. Применение миграций БД
	logger.Info("Применение миграций БД...")
	if err := database.Migrate(cfg, logger); err != nil {
		logger.Error("Ошибка миграций БД", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// 4. Подключение к PostgreSQL (pgxpool)
	ctx := context.Background()
	pool, err := database.Connect(ctx, cfg, logger)
	if err != nil {
		logger.Error("Ошибка подключения к PostgreSQL", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer pool.Close()

	// 4.1 Адаптер pgxpool → *sql.DB для topologymetrics (connection pool mode).
	// Проверка здоровья PostgreSQL идёт через существующий пул соединений,
	// что позволяет обнаружить его исчерпание.
	pgDB := stdlib.OpenDBFromPool(pool)
	defer pgDB.Close()

	// 5. Клиент Management API IdP
	idpClient := idp.New(idp.Config{
		Domain:       cfg.IDPDomain,
		ClientID:     cfg.IDPClientID,
		ClientSecret: cfg.IDPClientSecret,
		JWKSURL:      cfg.JWTJWKSURL,
	}, logger)
	logger.Info("IdP клиент создан",
		slog.String("domain", cfg.IDPDomain),
		slog.String("audience", cfg.ManagementAudience()),
	)

	// 6. Repositories
	userRepo := repository.NewUserRepository(pool)
	requestRepo := repository.NewRoleRequestRepository(pool)
	syncStateRepo := repository.NewSyncStateRepository(pool)

	// 7. Services
	resolver := service.NewRoleResolver(
		idpClient,
		cfg.ResolveTTL, cfg.ResolveTimeout,
		logger,
	)
	userSvc := service.NewUserService(
		userRepo, requestRepo, resolver, idpClient,
		logger,
	)
	requestSvc := service.NewRoleRequestService(
		requestRepo, userRepo, idpClient, resolver,
		logger,
	)

	// 8. Фоновая синхронизация каталога
	syncSvc := service.NewUserSyncService(
		idpClient, userRepo, syncStateRepo,
		cfg.SyncPageSize, cfg.SyncInterval,
		logger,
	)
	idpSvc := service.NewIDPService(
		idpClient, userRepo, syncStateRepo, syncSvc,
		cfg.IDPDomain,
		logger,
	)

	// 9. Начальная синхронизация каталога при старте
	logger.Info("Начальная синхронизация каталога пользователей...")
	if result, syncErr := syncSvc.SyncNow(ctx); syncErr != nil {
		logger.Warn("Ошибка начальной синхронизации каталога",
			slog.String("error", syncErr.Error()),
		)
	} else {
		logger.Info("Начальная синхронизация каталога завершена",
			slog.Int("total_remote", result.TotalRemote),
			slog.Int("created", result.Created),
			slog.Int("updated", result.Updated),
			slog.Int("deleted", result.Deleted),
		)
	}

	// 10. Readiness checkers (PostgreSQL + IdP)
	pgChecker := database.NewReadinessChecker(pool)
	healthHandler := handlers.NewHealthHandler(pgChecker, idpClient)

	// 11. API handler
	apiHandler := handlers.NewAPIHandler(
		healthHandler,
		userSvc,
		requestSvc,
		idpSvc,
		logger,
	)

	// 12. JWT middleware
	jwtAuth, err := middleware.NewJWTAuth(
		cfg.JWTJWKSURL,
		"", // кастомный CA не используется: IdP за публичным TLS
		cfg.JWTIssuer,
		cfg.IDPAudience,
		cfg.JWTRolesClaim,
		cfg.JWKSClientTimeout,
		cfg.JWKSRefreshInterval,
		cfg.JWTLeeway,
		logger,
	)
	if err != nil {
		logger.Error("Ошибка создания JWT middleware", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer jwtAuth.Close()
	logger.Info("JWT middleware инициализирован",
		slog.String("jwks_url", cfg.JWTJWKSURL),
		slog.String("issuer", cfg.JWTIssuer),
		slog.String("audience", cfg.IDPAudience),
	)

	// 12.1 Авторизация: роли guard'ов проверяются по локальному каталогу
	authz := middleware.NewAuthorizer(userRepo, logger)

	// 13. Запуск фоновых задач
	syncSvc.Start(ctx)

	// 13.1 topologymetrics — мониторинг зависимостей (PostgreSQL + IdP)
	dephealthSvc, dephealthErr := service.NewDephealthService(
		"identity-module",
		cfg.DephealthGroup,
		pgDB,
		cfg.DatabaseURL(),
		cfg.JWTJWKSURL,
		cfg.DephealthCheckInterval,
		logger,
	)
	if dephealthErr != nil {
		logger.Warn("topologymetrics недоступен, запуск без мониторинга зависимостей",
			slog.String("error", dephealthErr.Error()),
		)
	} else {
		if startErr := dephealthSvc.Start(ctx); startErr != nil {
			logger.Warn("Ошибка запуска topologymetrics",
				slog.String("error", startErr.Error()),
			)
		} else {
			logger.Info("topologymetrics запущен",
				slog.String("group", cfg.DephealthGroup),
				slog.String("check_interval", cfg.DephealthCheckInterval.String()),
			)
		}
	}

	// 14. Создание и запуск HTTP-сервера
	srv := server.New(cfg, logger, apiHandler, jwtAuth, authz)
	if err := srv.Run(); err != nil {
		logger.Error("Ошибка сервера", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// 15. Graceful shutdown фоновых задач
	logger.Info("Останавливаем фоновые задачи...")

	if dephealthSvc != nil {
		dephealthSvc.Stop()
	}
	syncSvc.Stop()

	logger.Info("Identity Module остановлен")
}
