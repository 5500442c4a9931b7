package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"companyflow/audit"
	"companyflow/closure"
	"companyflow/company"
	"companyflow/config"
	"companyflow/db"
	"companyflow/export"
	"companyflow/httpapi"
	"companyflow/identity"
	"companyflow/notify"
	"companyflow/storage"
	"companyflow/suspension"
	"companyflow/validation"
)

func main() {
	log := logrus.New()
	log.SetFormatter(&logrus.JSONFormatter{})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		log.WithError(err).Fatal("load configuration")
	}

	pool, err := db.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		log.WithError(err).Fatal("bootstrap database pool")
	}
	defer pool.Close()

	exportKey, err := cfg.ExportKey()
	if err != nil {
		log.WithError(err).Fatal("decode export key")
	}
	encryptor, err := export.NewEncryptor(exportKey, cfg.ExportKeyID)
	if err != nil {
		log.WithError(err).Fatal("build export encryptor")
	}

	companies := company.NewRepository(pool)
	recorder := audit.NewRecorder(pool)
	engine := validation.NewEngine(validation.DefaultChecks(pool), nil)

	objects := &storage.Dir{Root: cfg.ExportDir}
	signer := storage.NewSigner(cfg.JWTSecret, cfg.BaseURL)

	exportSvc := export.NewService(pool, export.NewRepository(pool), companies, objects, signer, encryptor, recorder, log, export.Options{
		DownloadTTL:  cfg.DownloadLinkTTL,
		Retention:    cfg.ExportRetention,
		PhaseTimeout: cfg.StepTimeout,
	})

	notifier := notify.NewDispatcher(pool, &notify.LogMailer{Log: log}, log)
	idp := &identity.LogProvider{Log: log}

	suspensionSvc := suspension.NewService(pool, suspension.NewRepository(pool), companies, idp, notifier, log)

	closureRepo := closure.NewRepository(pool)
	closureSvc := closure.NewService(pool, closureRepo, companies, engine, notifier, recorder, log, closure.Options{
		GracePeriodDefault: cfg.GracePeriodDefault,
		GracePeriodMax:     cfg.GracePeriodMax,
	})

	runner := closure.NewRunner(closureRepo, companies, engine, exportSvc, notifier, recorder, idp, log, closure.RunnerOptions{
		PollInterval:    cfg.WorkerPollInterval,
		StepTimeout:     cfg.StepTimeout,
		RetentionMonths: cfg.RetentionMonths,
	})
	runner.SetMaintenance(suspensionSvc, exportSvc)

	go func() {
		if err := runner.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.WithError(err).Error("closure runner stopped")
		}
	}()

	verifier := httpapi.NewTokenVerifier(cfg.JWTSecret)
	server := httpapi.NewServer(closureSvc, suspensionSvc, exportSvc, objects, signer, verifier, log)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.WithError(err).Error("http shutdown")
		}
	}()

	log.WithField("addr", cfg.HTTPAddr).Info("companyflow api listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.WithError(err).Fatal("http server")
	}
}
