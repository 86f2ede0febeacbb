package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"

	_ "github.com/faceattend/faceattend-api/api/swagger"
	"github.com/faceattend/faceattend-api/internal/handler"
	"github.com/faceattend/faceattend-api/internal/middleware"
	"github.com/faceattend/faceattend-api/internal/repository"
	"github.com/faceattend/faceattend-api/internal/service"
	"github.com/faceattend/faceattend-api/internal/vision"
	"github.com/faceattend/faceattend-api/pkg/cache"
	"github.com/faceattend/faceattend-api/pkg/clock"
	"github.com/faceattend/faceattend-api/pkg/config"
	"github.com/faceattend/faceattend-api/pkg/database"
	"github.com/faceattend/faceattend-api/pkg/jobs"
	"github.com/faceattend/faceattend-api/pkg/logger"
	corsmiddleware "github.com/faceattend/faceattend-api/pkg/middleware/cors"
	reqidmiddleware "github.com/faceattend/faceattend-api/pkg/middleware/requestid"
	"github.com/faceattend/faceattend-api/pkg/storage"
)

// @title FaceAttend API
// @version 1.0.0
// @description Face-recognition class attendance engine
// @BasePath /api/v1
// @schemes http

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logr, err := logger.New(cfg)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logr.Sync() //nolint:errcheck

	clk, err := clock.NewSystem(cfg.Timezone)
	if err != nil {
		logr.Sugar().Fatalw("invalid timezone", "timezone", cfg.Timezone, "error", err)
	}

	db, err := database.NewPostgres(cfg.Database)
	if err != nil {
		logr.Sugar().Fatalw("failed to connect to postgres", "error", err)
	}
	defer db.Close()

	redisClient, err := cache.NewRedis(cfg.Redis)
	if err != nil {
		logr.Sugar().Fatalw("failed to connect to redis", "error", err)
	}
	defer redisClient.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Repositories.
	sessionRepo := repository.NewSessionRepository(db)
	attendanceRepo := repository.NewAttendanceRepository(db)
	studentRepo := repository.NewStudentRepository(db)
	courseRepo := repository.NewCourseRepository(db)
	enrollmentRepo := repository.NewEnrollmentRepository(db)
	embeddingRepo := repository.NewEmbeddingRepository(db)
	timetableRepo := repository.NewTimetableRepository(db)
	settingsRepo := repository.NewSettingsRepository(db)
	userRepo := repository.NewUserRepository(db)
	cacheRepo := repository.NewCacheRepository(redisClient)

	validate := validator.New()
	metrics := service.NewMetricsService()
	provider := vision.NewHTTPProvider(
		cfg.Recognition.ProviderURL,
		cfg.Recognition.ProviderTimeout,
		cfg.Recognition.EmbeddingDim,
	)

	// Services.
	settingsSvc := service.NewSettingsService(settingsRepo, cacheRepo, clk, validate, logr)
	authSvc := service.NewAuthService(userRepo, service.AuthConfig{
		Secret: cfg.JWT.Secret,
		Expiry: cfg.JWT.Expiration,
	}, clk, validate, logr)
	attendanceSvc := service.NewAttendanceService(
		sessionRepo, attendanceRepo, embeddingRepo, enrollmentRepo, studentRepo,
		provider, settingsSvc, clk, cfg.Recognition.RequestDeadline, validate, logr)
	enrollmentSvc := service.NewFaceEnrollmentService(
		studentRepo, embeddingRepo, provider, cfg.Enrollment, settingsSvc, clk, validate, logr)
	if cfg.Enrollment.SnapshotDir != "" {
		archive, err := storage.NewLocalStorage(cfg.Enrollment.SnapshotDir)
		if err != nil {
			logr.Sugar().Fatalw("failed to init snapshot storage", "dir", cfg.Enrollment.SnapshotDir, "error", err)
		}
		enrollmentSvc.SetArchive(archive)
	}
	sessionSvc := service.NewSessionService(
		sessionRepo, courseRepo, cacheRepo, settingsSvc, clk, cfg.Scheduler, validate, logr)
	studentSvc := service.NewStudentService(
		studentRepo, enrollmentRepo, cfg.Enrollment.ExternalIDPattern, clk, validate, logr)
	courseSvc := service.NewCourseService(courseRepo, enrollmentRepo, studentRepo, clk, validate, logr)
	timetableSvc := service.NewTimetableService(timetableRepo, courseRepo, clk, validate, logr)
	exportSvc := service.NewExportService(attendanceSvc, sessionSvc, courseRepo, logr)

	// The finalizer queue and scheduler reference each other: the
	// scheduler enqueues, the queue calls back into it.
	var schedulerSvc *service.SchedulerService
	finalizerQueue := jobs.NewQueue("finalizer", func(ctx context.Context, job jobs.Job) error {
		return schedulerSvc.HandleFinalize(ctx, job)
	}, jobs.QueueConfig{
		Workers: cfg.Scheduler.FinalizerWorkers,
		Logger:  logr,
	})
	schedulerSvc = service.NewSchedulerService(
		sessionRepo, timetableRepo, finalizerQueue, settingsSvc, clk, cfg.Scheduler, logr)
	schedulerSvc.SetMetrics(metrics)

	finalizerQueue.Start(ctx)
	defer finalizerQueue.Stop()
	if cfg.Scheduler.Enabled {
		go schedulerSvc.Run(ctx)
	} else {
		logr.Sugar().Warnw("scheduler disabled, sessions must be managed manually")
	}

	// Handlers.
	authHandler := handler.NewAuthHandler(authSvc)
	attendanceHandler := handler.NewAttendanceHandler(attendanceSvc, metrics)
	sessionHandler := handler.NewSessionHandler(sessionSvc, attendanceSvc, exportSvc)
	studentHandler := handler.NewStudentHandler(studentSvc, enrollmentSvc)
	courseHandler := handler.NewCourseHandler(courseSvc)
	timetableHandler := handler.NewTimetableHandler(timetableSvc)
	settingsHandler := handler.NewSettingsHandler(settingsSvc)
	metricsHandler := handler.NewMetricsHandler(metrics)

	if cfg.Env == config.EnvProduction {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(reqidmiddleware.Middleware())
	r.Use(logger.GinMiddleware(logr))
	r.Use(corsmiddleware.Middleware(cfg.CORS.AllowedOrigins))
	r.Use(middleware.Metrics(metrics))

	r.GET("/health", metricsHandler.Health)
	r.GET("/ready", metricsHandler.Health)
	r.GET("/metrics", metricsHandler.Prometheus)
	if cfg.Env != config.EnvProduction {
		r.GET("/docs/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	api := r.Group(cfg.APIPrefix)
	api.POST("/auth/login", authHandler.Login)

	authed := api.Group("", middleware.JWT(authSvc))
	{
		authed.GET("/auth/me", authHandler.Me)
		authed.GET("/status", metricsHandler.Status)

		authed.POST("/attendance/recognize", attendanceHandler.Recognize)
		authed.POST("/attendance/mark", attendanceHandler.Mark)

		authed.GET("/sessions", sessionHandler.List)
		authed.POST("/sessions", sessionHandler.Create)
		authed.GET("/sessions/overview", sessionHandler.Overview)
		authed.GET("/sessions/:id", sessionHandler.Get)
		authed.POST("/sessions/:id/activate", sessionHandler.Activate)
		authed.POST("/sessions/:id/end", sessionHandler.End)
		authed.POST("/sessions/:id/cancel", sessionHandler.Cancel)
		authed.GET("/sessions/:id/attendance", sessionHandler.Attendance)
		authed.GET("/sessions/:id/events", sessionHandler.Events)
		authed.GET("/sessions/:id/export", sessionHandler.Export)

		authed.GET("/students", studentHandler.List)
		authed.POST("/students", studentHandler.Create)
		authed.GET("/students/:id", studentHandler.Get)
		authed.PUT("/students/:id", studentHandler.Update)
		authed.DELETE("/students/:id", studentHandler.Delete)
		authed.GET("/students/:id/courses", studentHandler.Courses)
		authed.GET("/students/:id/face", studentHandler.Embeddings)
		authed.POST("/students/:id/face", studentHandler.EnrollFace)

		authed.GET("/courses", courseHandler.List)
		authed.POST("/courses", courseHandler.Create)
		authed.GET("/courses/:id", courseHandler.Get)
		authed.PUT("/courses/:id", courseHandler.Update)
		authed.GET("/courses/:id/students", courseHandler.Roster)
		authed.POST("/courses/:id/students", courseHandler.Enroll)
		authed.DELETE("/courses/:id/students/:studentId", courseHandler.Unenroll)

		authed.GET("/timetable", timetableHandler.List)
		authed.POST("/timetable", timetableHandler.Create)
		authed.PUT("/timetable/:id", timetableHandler.Update)
		authed.DELETE("/timetable/:id", timetableHandler.Delete)

		authed.GET("/settings", settingsHandler.Get)
		authed.PUT("/settings", settingsHandler.Update)
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logr.Sugar().Infow("server starting", "addr", srv.Addr, "env", cfg.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logr.Sugar().Fatalw("server failed", "error", err)
		}
	}()

	<-ctx.Done()
	logr.Sugar().Infow("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logr.Sugar().Errorw("graceful shutdown failed", "error", err)
	}
}
