package main

import (
	"context"
	"errors"
	"io/fs"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"invisimark/internal/auth"
	"invisimark/internal/blob"
	"invisimark/internal/events"
	"invisimark/internal/models"
	"invisimark/internal/payload"
	"invisimark/internal/server"
	"invisimark/internal/storage"
	"invisimark/internal/watermark"
	"invisimark/internal/worker"
)

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Printf("warning: failed to read .env: %v", err)
	}

	cfg, err := models.LoadConfig("config.yaml")
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := storage.Open(ctx, cfg.DatabaseDriver, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("failed to init storage: %v", err)
	}

	files := blob.NewLocalFS(cfg.StoragePath)
	if err := files.EnsureDirs("original", "thumbs", "watermarked"); err != nil {
		log.Fatalf("failed to prepare %s: %v", cfg.StoragePath, err)
	}
	payloads, err := payload.New(cfg.PayloadSecret)
	if err != nil {
		log.Fatalf("failed to init payload generator: %v", err)
	}
	authn, err := auth.NewAuthenticator(cfg.JWTSecret)
	if err != nil {
		log.Fatalf("failed to init auth: %v", err)
	}
	workerClient := worker.New(cfg.Worker.URL, cfg.Worker.InternalToken,
		worker.WithTimeouts(cfg.Worker.ApplyTimeout, cfg.Worker.ExtractTimeout))

	var opts []watermark.Option
	var publisher *events.Publisher
	if cfg.Kafka.Broker != "" && cfg.Kafka.EventsTopic != "" {
		publisher = events.NewPublisher(cfg.Kafka.Broker, cfg.Kafka.EventsTopic)
		opts = append(opts, watermark.WithPublisher(publisher))
		log.Printf("publishing watermark events to %s", cfg.Kafka.EventsTopic)
	}

	svc := watermark.NewService(db, workerClient, payloads, files, watermark.Config{
		CallbackURL:   cfg.CallbackURL(),
		DefaultMethod: cfg.Worker.Method,
	}, opts...)
	srv := server.NewServer(cfg, svc, files, authn)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(srv.Start)

	var consumer *events.CallbackConsumer
	if cfg.Kafka.Broker != "" && cfg.Kafka.CallbackTopic != "" {
		consumer = events.NewCallbackConsumer(cfg.Kafka.Broker, cfg.Kafka.CallbackTopic, cfg.Kafka.GroupID,
			cfg.Worker.InternalToken, func(ctx context.Context, r models.CallbackReport) error {
				_, err := svc.ApplyCallback(ctx, r)
				return err
			})
		g.Go(func() error { return consumer.Run(gctx) })
		log.Printf("consuming worker callbacks from %s", cfg.Kafka.CallbackTopic)
	}

	// Graceful shutdown
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Stop(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Printf("server stopped: %v", err)
	}

	errs := []error{db.Close()}
	if publisher != nil {
		errs = append(errs, publisher.Close())
	}
	if consumer != nil {
		errs = append(errs, consumer.Close())
	}
	if err := multierr.Combine(errs...); err != nil {
		log.Printf("failed to close resources: %v", err)
	}
	log.Println("bye")
}
