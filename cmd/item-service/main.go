package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"shardgate/internal/audit"
	"shardgate/internal/broker"
	"shardgate/internal/items"
	"shardgate/internal/policy"
	"shardgate/internal/store"
	"shardgate/pkg/awsx"
	"shardgate/pkg/config"
	"shardgate/pkg/logger"
	"shardgate/pkg/middleware"
)

func main() {
	cfg := config.Load()
	log := logger.New(cfg.Env)

	awsCfg := awsx.MustLoad(cfg, log)

	pool := audit.MustConnect(cfg.DatabaseURL, log)
	if pool != nil {
		if err := audit.EnsureSchema(context.Background(), pool); err != nil {
			log.Fatalw("audit schema", "err", err)
		}
	}
	recorder := audit.NewRecorder(log, pool)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := items.NewMetrics(reg)

	synth := policy.NewSynthesizer(cfg.TableARN)
	b := broker.New(awsCfg, cfg.AssumeRoleARN, cfg.CredentialTTL)
	stores := store.NewFactory(cfg.TableName, cfg.Region)
	svc := items.NewService(cfg, log, synth, b, stores, recorder, metrics)

	r := chi.NewRouter()
	r.Use(middleware.RequestID())
	r.Use(middleware.Recover(log))
	r.Use(middleware.Tracing("shardgate-item-service"))
	r.Use(middleware.BearerAuth(cfg))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) { w.Write([]byte("ok")) })
	items.RegisterHTTP(r, svc, log, cfg.RequestTimeout)
	r.Get("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}).ServeHTTP)

	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: r}
	go func() {
		log.Infow("item-service listening", "addr", cfg.HTTPAddr, "table", cfg.TableName)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalw("ListenAndServe", "err", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctx)
	if pool != nil {
		pool.Close()
	}
	fmt.Println("item-service stopped")
}
