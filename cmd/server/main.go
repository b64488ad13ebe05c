package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/ethaccount/paymaster/docs/swagger"
	"github.com/ethaccount/paymaster/src/app"
	"github.com/ethaccount/paymaster/src/domain"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// @license.name  AGPL-3.0-only

// @host      localhost:8080
// @BasePath  /api/v1

// @securityDefinitions.apikey  APISecret
// @in                          header
// @name                        X-API-Secret

const (
	AppName    = "Token Paymaster"
	AppVersion = "0.1.0"

	shutdownTimeout = 15 * time.Second
)

func main() {
	// .env is optional in production
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Overload(".env"); err != nil {
			log.Fatalf("Error loading .env file: %v", err)
		}
	}

	config := app.NewAppConfig()
	logger := app.InitLogger(*config.LogLevel, *config.LogFile)

	swagger.SwaggerInfo.Title = AppName + " API"
	swagger.SwaggerInfo.Version = AppVersion
	swagger.SwaggerInfo.Description = fmt.Sprintf("%s settlement and operator API", AppName)
	swagger.SwaggerInfo.Host = *config.Host

	logger.Info().
		Str("version", AppVersion).
		Str("environment", *config.Environment).
		Str("swagger_link", swaggerURL(config)).
		Msgf("Launching %s", AppName)

	if err := run(logger, config); err != nil {
		logger.Error().Err(err).Msg("Failed to initialize application")
		os.Exit(1)
	}
	logger.Info().Msg("Application shutdown complete")
}

func swaggerURL(config *app.AppConfig) string {
	scheme := "https"
	if *config.Environment == "dev" {
		scheme = "http"
	}
	return scheme + "://" + *config.Host + "/swagger/index.html"
}

// run starts every worker, blocks until SIGINT or SIGTERM and then drains them
func run(logger zerolog.Logger, config *app.AppConfig) error {
	rootCtx, rootCancel := context.WithCancel(logger.WithContext(context.Background()))
	defer rootCancel()

	application, err := app.NewApplication(rootCtx, *config)
	if err != nil {
		return err
	}

	var wg sync.WaitGroup
	workers := []func(context.Context, *sync.WaitGroup){
		application.RunHTTPServer,
		application.RunMaintenanceWorker,
		func(ctx context.Context, wg *sync.WaitGroup) { runStatsLogger(ctx, wg, application) },
	}
	if *config.Environment == "dev" {
		workers = append(workers, runPprofServer)
	}
	for _, worker := range workers {
		wg.Add(1)
		go worker(rootCtx, &wg)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	logger.Info().Str("signal", sig.String()).Msg("Received shutdown signal")

	rootCancel()
	if waitTimeout(&wg, shutdownTimeout) {
		logger.Info().Msg("All workers shut down gracefully")
	} else {
		logger.Error().Dur("timeout", shutdownTimeout).Msg("Timeout waiting for workers to shut down")
	}

	application.Shutdown(rootCtx)
	return nil
}

// waitTimeout reports whether wg finished before the timeout
func waitTimeout(wg *sync.WaitGroup, timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}

// runPprofServer serves the default mux, where net/http/pprof registers itself
func runPprofServer(ctx context.Context, wg *sync.WaitGroup) {
	defer wg.Done()
	logger := zerolog.Ctx(ctx)

	server := &http.Server{
		Addr:              "localhost:6060",
		Handler:           http.DefaultServeMux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info().Msg("pprof server is running on http://localhost:6060/debug/pprof/")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("Failed to start pprof server")
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Failed to shutdown pprof server gracefully")
	}
}

// runStatsLogger logs process and settlement statistics every minute
func runStatsLogger(ctx context.Context, wg *sync.WaitGroup, application *app.Application) {
	defer wg.Done()
	logger := zerolog.Ctx(ctx)

	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			var m runtime.MemStats
			runtime.ReadMemStats(&m)
			counts := application.Paymaster.OperationCounts()
			status := application.Paymaster.ReplenishStatus()

			logger.Debug().
				Uint64("heap_mb", m.HeapInuse/1024/1024).
				Uint64("sys_mb", m.Sys/1024/1024).
				Int("goroutines", runtime.NumGoroutine()).
				Uint32("gc_num", m.NumGC).
				Int("ops_precharged", counts[domain.StatePrecharged]).
				Int("ops_settled", counts[domain.StateSettled]).
				Int("ops_flagged", counts[domain.StateFlagged]).
				Int("swaps", status.Swaps).
				Msg("System stats")
		}
	}
}
