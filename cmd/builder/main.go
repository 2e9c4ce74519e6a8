package main

import (
	"context"
	"log"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/vyvo/contractbuild/backend/pkg/api"
	"github.com/vyvo/contractbuild/backend/pkg/builder"
	"github.com/vyvo/contractbuild/backend/pkg/config"
	"github.com/vyvo/contractbuild/backend/pkg/filestore"
	"github.com/vyvo/contractbuild/backend/pkg/status"
	"github.com/vyvo/contractbuild/backend/pkg/telemetry"
)

func main() {
	cfg, err := config.LoadBuilder()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Tracing {
		shutdown := telemetry.InitTracer(ctx, telemetry.Options{
			ServiceName: "contract-builder",
			SampleRatio: cfg.TraceSampleRatio,
		})
		defer func() {
			if err := shutdown(context.Background()); err != nil {
				log.Printf("tracer shutdown error: %v", err)
			}
		}()
	}

	var (
		persister builder.Persister
		publisher builder.Publisher
	)
	if dsn := strings.TrimSpace(cfg.DatabaseURL); dsn != "" {
		pg, err := builder.NewPostgresStore(dsn)
		if err != nil {
			log.Fatalf("builder postgres init failed: %v", err)
		}
		persister = pg
		defer func() {
			if err := pg.Close(); err != nil {
				log.Printf("builder postgres close error: %v", err)
			}
		}()
	}
	if url := strings.TrimSpace(cfg.RedisURL); url != "" {
		pub, err := status.NewPublisher(url)
		if err != nil {
			log.Fatalf("builder redis init failed: %v", err)
		}
		publisher = pub
		defer func() {
			if err := pub.Close(); err != nil {
				log.Printf("builder redis close error: %v", err)
			}
		}()
	}

	files := filestore.NewClient(cfg.SupabaseURL, cfg.SupabaseKey)
	history := builder.NewHistory(builder.NewMemStoreWithRetention(cfg.RetainedBuilds), persister, publisher)
	orch, err := builder.NewFromConfig(files, cfg.Sandbox, history)
	if err != nil {
		log.Fatalf("builder init failed: %v", err)
	}

	httpSrv := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: api.NewServer(orch, history, files).Routes(),
	}

	go func() {
		<-ctx.Done()
		// In-flight builds are bounded by the build timeout plus container teardown.
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Sandbox.BuildTimeout+30*time.Second)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			log.Printf("builder shutdown error: %v", err)
		}
	}()

	log.Printf("builder listening on %s (image %s, timeout %s, %d concurrent builds)",
		cfg.ListenAddr, cfg.Sandbox.RunnerImage, cfg.Sandbox.BuildTimeout, cfg.Sandbox.MaxConcurrentBuilds)
	if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("builder listen failed: %v", err)
	}

	<-ctx.Done()
	log.Println("builder stopped")
}
