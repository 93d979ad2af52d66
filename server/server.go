package server

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/opentracing/opentracing-go"
	"github.com/opentracing/opentracing-go/ext"
	"gorm.io/gorm"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"

	"github.com/customeros/mailsync/api"
	"github.com/customeros/mailsync/config"
	"github.com/customeros/mailsync/internal/cron"
	"github.com/customeros/mailsync/internal/logger"
	"github.com/customeros/mailsync/internal/repository"
	"github.com/customeros/mailsync/internal/tracing"
	"github.com/customeros/mailsync/services"
)

const (
	shutdownTimeout    = 15 * time.Second
	monitorStopTimeout = 30 * time.Second
)

type Server struct {
	config       *config.Config
	log          logger.Logger
	httpServer   *http.Server
	router       *gin.Engine
	services     *services.Services
	repositories *repository.Repositories
	cron         *cron.CronManager
	tracerCloser io.Closer
}

func NewServer(cfg *config.Config, mailsyncDB *gorm.DB) (*Server, error) {
	appLogger := logger.NewAppLogger(cfg.Logger)
	appLogger.InitLogger()

	tracer, closer, err := tracing.NewJaegerTracer(cfg.Tracing, appLogger)
	if err != nil {
		return nil, fmt.Errorf("could not initialize jaeger tracer: %w", err)
	}
	opentracing.SetGlobalTracer(tracer)

	repos := repository.InitRepositories(mailsyncDB)

	svcs, err := services.InitServices(cfg, appLogger, repos)
	if err != nil {
		closer.Close()
		return nil, err
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()

	return &Server{
		config:       cfg,
		log:          appLogger,
		router:       router,
		services:     svcs,
		repositories: repos,
		cron:         cron.NewCronManager(cfg, appLogger, kubernetesClient(appLogger), svcs.SyncManager, svcs.SyncRequests),
		tracerCloser: closer,
		httpServer: &http.Server{
			Addr:              ":" + cfg.AppConfig.APIPort,
			Handler:           router,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}, nil
}

// kubernetesClient returns nil outside a cluster; the scheduler then runs in local mode.
func kubernetesClient(log logger.Logger) kubernetes.Interface {
	restConfig, err := rest.InClusterConfig()
	if err != nil {
		log.Debugf("Not running in a cluster: %v", err)
		return nil
	}
	client, err := kubernetes.NewForConfig(restConfig)
	if err != nil {
		log.Warnf("Could not create kubernetes client: %v", err)
		return nil
	}
	return client
}

func (s *Server) recoverWithJaeger(name string) {
	if r := recover(); r != nil {
		span := opentracing.GlobalTracer().StartSpan(
			fmt.Sprintf("panic.%s", name),
		)
		defer span.Finish()

		ext.Error.Set(span, true)
		span.LogKV(
			"event", "panic",
			"process", name,
			"error", fmt.Sprintf("%v", r),
			"stack", string(debug.Stack()),
		)

		s.log.Errorf("Panic in %s: %v\n%s", name, r, debug.Stack())
	}
}

func (s *Server) wrapGoroutine(name string, fn func()) {
	defer s.recoverWithJaeger(name)
	fn()
}

// Run serves HTTP, the request monitor and the scheduler until SIGINT or SIGTERM.
// With SYNC_RUN_ONCE it runs a single batch and returns instead.
func (s *Server) Run() error {
	defer s.close()

	if s.config.SyncConfig.RunOnce {
		s.log.Info("SYNC_RUN_ONCE set, running a single sync batch")
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return s.syncOnce(ctx)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	api.RegisterRoutes(s.router, api.RouteDependencies{
		Log:    s.log,
		Queue:  s.services.SyncRequests,
		Waiter: s.services.Waiter,
		Status: s.services.SyncManager,
		APIKey: s.config.AppConfig.APIKey,
	})

	s.services.Monitor.Start(ctx)
	s.log.Info("Sync request monitor started")

	if err := s.cron.Start(s.config.AppConfig.PodName, s.config.AppConfig.PodNamespace); err != nil {
		s.services.Monitor.Stop()
		return fmt.Errorf("could not start scheduler: %w", err)
	}

	serverErr := make(chan error, 1)
	go s.wrapGoroutine("http_server", func() {
		s.log.Infof("Starting HTTP server on %s", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	})
	s.log.Info("Mailsync is now running. Press Ctrl+C to exit.")

	return s.waitForShutdown(serverErr)
}

func (s *Server) waitForShutdown(serverErr <-chan error) error {
	defer s.recoverWithJaeger("shutdown")

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(stop)

	var runErr error
	select {
	case sig := <-stop:
		s.log.Infof("Received %s, shutting down", sig)
	case err := <-serverErr:
		s.log.Errorf("HTTP server error: %v", err)
		runErr = err
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.log.Errorf("HTTP server shutdown error: %v", err)
	}

	s.cron.Stop()

	// the monitor finishes its claimed batch before returning
	monitorDone := make(chan struct{})
	go s.wrapGoroutine("monitor_shutdown", func() {
		defer close(monitorDone)
		s.services.Monitor.Stop()
	})
	select {
	case <-monitorDone:
		s.log.Info("Sync request monitor stopped")
	case <-time.After(monitorStopTimeout):
		s.log.Warn("Sync request monitor stop timed out")
	}

	return runErr
}

func (s *Server) close() {
	if err := s.services.Close(); err != nil {
		s.log.Warnf("Error closing event publisher: %v", err)
	}
	if s.tracerCloser != nil {
		s.tracerCloser.Close()
	}
	s.log.Sync()
}
