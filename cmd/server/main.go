// Command server runs the HRM ledger API: an event-sourced employee profile
// store with an OTP-gated approval workflow for sensitive field changes.
package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tranvu/hrmledger/internal/employee/directory"
	empservice "github.com/tranvu/hrmledger/internal/employee/service"
	"github.com/tranvu/hrmledger/internal/otp"
	"github.com/tranvu/hrmledger/internal/platform/config"
	"github.com/tranvu/hrmledger/internal/platform/otel"
	"github.com/tranvu/hrmledger/internal/sensitive/authz"
	senservice "github.com/tranvu/hrmledger/internal/sensitive/service"
	"github.com/tranvu/hrmledger/internal/storage/sqlite"
	transport "github.com/tranvu/hrmledger/internal/transport/http"
)

type serverConfig struct {
	Addr             string        `env:"HRM_LEDGER_ADDR" envDefault:":8080"`
	DatabasePath     string        `env:"HRM_LEDGER_DB_PATH" envDefault:"hrmledger.db"`
	DirectoryPath    string        `env:"HRM_LEDGER_DIRECTORY_PATH" envDefault:"directory.json"`
	JWTSecret        string        `env:"HRM_LEDGER_JWT_SECRET,required"`
	OTPSecret        string        `env:"HRM_LEDGER_OTP_SECRET,required"`
	OTPTTL           time.Duration `env:"HRM_LEDGER_OTP_TTL" envDefault:"300s"`
	OTPMaxAttempts   int           `env:"HRM_LEDGER_OTP_MAX_ATTEMPTS" envDefault:"5"`
	RequestTTL       time.Duration `env:"HRM_LEDGER_REQUEST_TTL" envDefault:"72h"`
	MinApproverLevel int           `env:"HRM_LEDGER_MIN_APPROVER_LEVEL" envDefault:"3"`
	AppendRetries    int           `env:"HRM_LEDGER_APPEND_RETRIES" envDefault:"3"`
}

func main() {
	logger := log.New(os.Stdout, "", log.LstdFlags|log.LUTC)

	var cfg serverConfig
	if err := config.ParseEnv(&cfg); err != nil {
		config.Exitf("load config: %v", err)
	}

	otelShutdown, err := otel.Setup(context.Background(), "hrmledger")
	if err != nil {
		config.Exitf("setup tracing: %v", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(shutdownCtx); err != nil {
			logger.Printf("otel shutdown: %v", err)
		}
	}()

	store, err := sqlite.Open(cfg.DatabasePath)
	if err != nil {
		config.Exitf("open store: %v", err)
	}
	defer store.Close()

	dir, err := directory.LoadFile(cfg.DirectoryPath)
	if err != nil {
		config.Exitf("load directory: %v", err)
	}

	issuer, err := otp.NewIssuer([]byte(cfg.OTPSecret), cfg.OTPTTL)
	if err != nil {
		config.Exitf("build otp issuer: %v", err)
	}

	engine, err := authz.NewEngine(dir, cfg.MinApproverLevel)
	if err != nil {
		config.Exitf("build authz engine: %v", err)
	}

	employees, err := empservice.New(empservice.Config{
		Events:        store,
		Directory:     dir,
		Logger:        logger,
		AppendRetries: cfg.AppendRetries,
	})
	if err != nil {
		config.Exitf("build employee service: %v", err)
	}

	requests, err := senservice.New(senservice.Config{
		Store:         store,
		Issuer:        issuer,
		Engine:        engine,
		Logger:        logger,
		RequestTTL:    cfg.RequestTTL,
		MaxAttempts:   cfg.OTPMaxAttempts,
		AppendRetries: cfg.AppendRetries,
	})
	if err != nil {
		config.Exitf("build workflow service: %v", err)
	}

	api := transport.NewServer(employees, requests, []byte(cfg.JWTSecret), logger)

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Printf("listening addr=%s db=%s", cfg.Addr, cfg.DatabasePath)
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			config.Exitf("serve: %v", err)
		}
	case <-ctx.Done():
		logger.Printf("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Printf("shutdown: %v", err)
		}
	}
}
