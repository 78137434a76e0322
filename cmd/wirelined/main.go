// Command wirelined runs the messaging-core server: it loads configuration,
// wires the identity/pairwise/group/delivery/presence/media components to
// concrete storage and transport backends, and serves the HTTP+WebSocket
// surface until an interrupt signal arrives.
//
// Grounded on actuallydan-pollis's server/cmd/server/main.go: flag-free
// config loading, a component-construction block, dual listeners started in
// goroutines, and a signal-driven graceful shutdown with a bounded timeout —
// adapted from that teacher's gRPC+Turso wiring to this workspace's
// gin/WebSocket surface over sqlite-backed KV and Postgres-backed logs.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"wireline/internal/config"
	"wireline/internal/delivery"
	"wireline/internal/group"
	"wireline/internal/identity"
	"wireline/internal/media"
	"wireline/internal/pairwise"
	"wireline/internal/presence"
	"wireline/internal/pubsub/natsjs"
	"wireline/internal/storage/pgxlog"
	"wireline/internal/storage/sqlitekv"
	transporthttp "wireline/internal/transport/http"
	"wireline/internal/transport/ws"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ctx, cancelBoot := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelBoot()

	kvPath := firstOr(cfg.Storage.KVEndpoints, "wireline-kv.db")
	kv, err := sqlitekv.Open(kvPath)
	if err != nil {
		return fmt.Errorf("open kv store: %w", err)
	}
	defer kv.Close()

	dsn := firstOr(cfg.Storage.WideColumnNodes, "")
	if dsn == "" {
		return errors.New("wide-column store dsn is required (WIRELINE__WIDE_COLUMN_NODES)")
	}
	logStore, err := pgxlog.Open(ctx, dsn)
	if err != nil {
		return fmt.Errorf("open message log: %w", err)
	}
	defer logStore.Close()

	ps, err := natsjs.Connect(ctx, cfg.PubSub.URL)
	if err != nil {
		return fmt.Errorf("connect pubsub: %w", err)
	}
	defer ps.Close()

	s3Client, err := newS3Client(ctx, cfg.ObjectStore)
	if err != nil {
		return fmt.Errorf("configure object store client: %w", err)
	}
	mediaStore := media.New(s3Client, media.Config{
		Endpoint:  cfg.ObjectStore.Endpoint,
		Bucket:    cfg.ObjectStore.Bucket,
		AccessKey: cfg.ObjectStore.AccessKey,
		SecretKey: cfg.ObjectStore.SecretKey,
		Region:    "auto",
		Expiry:    cfg.ObjectStore.PresignedExpiry,
	})

	tokens := identity.NewTokenService([]byte(cfg.JWT.Secret))
	registry := identity.NewRegistry(kv, tokens)
	pairwiseEngine := pairwise.NewEngine(kv)
	groupEngine := group.NewEngine(kv, cfg.MLS.MaxGroupSize)
	pipeline := delivery.NewPipeline(kv, logStore, logStore, ps)
	presenceRegistry := presence.NewRegistry(kv, ps)

	router := transporthttp.NewRouter(transporthttp.Dependencies{
		Registry: registry,
		Pairwise: pairwiseEngine,
		Groups:   groupEngine,
		Pipeline: pipeline,
		Presence: presenceRegistry,
		Media:    mediaStore,
		Messages: logStore,
		GroupLog: logStore,
	})

	wsManager := ws.NewManager()
	defer wsManager.Shutdown()
	wsHandler := ws.NewHandler(wsManager, registry, pipeline, presenceRegistry)

	mux := http.NewServeMux()
	mux.Handle("/ws", wsHandler)
	mux.Handle("/", transporthttp.WithCORS(router, nil))

	addr := fmt.Sprintf("%s:%d", cfg.Service.Host, cfg.Service.Port)
	httpServer := &http.Server{Addr: addr, Handler: mux}

	go func() {
		log.Printf("wirelined: listening on %s", addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("wirelined: serve failed: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("wirelined: shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("wirelined: shutdown error: %v", err)
	}
	return nil
}

func firstOr(values []string, fallback string) string {
	if len(values) > 0 && values[0] != "" {
		return values[0]
	}
	return fallback
}

func newS3Client(ctx context.Context, cfg config.ObjectStoreConfig) (*s3.Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion("auto"),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")),
	)
	if err != nil {
		return nil, err
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(cfg.Endpoint)
		o.UsePathStyle = true
	}), nil
}
