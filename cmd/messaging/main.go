package main

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/LeventeLantos/delivery-pipeline/internal/api"
	"github.com/LeventeLantos/delivery-pipeline/internal/cache"
	"github.com/LeventeLantos/delivery-pipeline/internal/config"
	"github.com/LeventeLantos/delivery-pipeline/internal/loop"
	"github.com/LeventeLantos/delivery-pipeline/internal/metrics"
	"github.com/LeventeLantos/delivery-pipeline/internal/repo"
	"github.com/LeventeLantos/delivery-pipeline/internal/service"
	"github.com/LeventeLantos/delivery-pipeline/internal/store"
	"github.com/LeventeLantos/delivery-pipeline/internal/transport"
)

const requestIDHeader = "X-Request-ID"

func main() {
	_ = godotenv.Load()

	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	cfg, err := config.LoadAll()
	if err != nil {
		slog.Error("invalid configuration", "err", err)
		os.Exit(1)
	}

	if err := run(cfg); err != nil {
		slog.Error("delivery pipeline exited", "err", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("delivery pipeline starting",
		"addr", cfg.Server.Address,
		"transport", cfg.Transport.URL,
		"postgres", cfg.Database.PostgresURL != "",
		"redis", cfg.Redis.Enabled,
	)

	var (
		journals    store.Journals
		failed      api.FailedLister
		idempotency cache.IdempotencyStore
	)

	if cfg.Database.PostgresURL != "" {
		db, err := sql.Open("pgx", cfg.Database.PostgresURL)
		if err != nil {
			return err
		}
		defer db.Close()

		pj := repo.NewPostgresJournal(db)
		if err := pj.EnsureSchema(ctx); err != nil {
			return err
		}
		journals = append(journals, pj)
		failed = pj
	}

	if cfg.Redis.Enabled {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()

		if err := rdb.Ping(ctx).Err(); err != nil {
			return err
		}
		rc := cache.NewRedisCache(rdb, cfg.Redis.TTL)
		journals = append(journals, rc)
		idempotency = rc
	}

	journal := store.NewAsyncJournal(journals, cfg.Pipeline.JournalBuffer)
	st := store.NewMemory(journal)

	l := loop.New()
	l.Start()
	defer l.Stop()

	tr := transport.NewHTTPTransport(cfg.Transport.URL, l, transport.HTTPOptions{
		Timeout: cfg.Transport.Timeout,
		RPS:     float64(cfg.Transport.RPS),
		Burst:   cfg.Transport.Burst,
	})
	defer tr.Close()

	m := metrics.New(metrics.Sources{
		Sending:   func() float64 { return float64(st.CountSending()) },
		Journaled: func() float64 { return float64(journal.Written()) },
		Dropped:   func() float64 { return float64(journal.Dropped()) },
	})

	sender := service.NewSender(tr, st, l, service.Options{
		MaxMessageSize: cfg.Pipeline.MaxMessageSize,
		ResolveDelay:   cfg.Pipeline.ResolveDelay,
		DraftDelay:     cfg.Pipeline.DraftDelay,
		SelfID:         cfg.Pipeline.SelfID,
		Metrics:        m,
	})

	h := api.NewHandler(api.Deps{
		Loop:        l,
		Sender:      sender,
		Store:       st,
		Journal:     failed,
		Idempotency: idempotency,
		Metrics:     m.Handler(),
	})

	srv := &http.Server{
		Addr:              cfg.Server.Address,
		Handler:           loggingMiddleware(api.Router(h)),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return journal.Run(gctx)
	})
	g.Go(func() error {
		slog.Info("http server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// loggingMiddleware tags each request with an id and logs its outcome.
func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		id := r.Header.Get(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, id)

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		slog.Info("http request",
			"id", id,
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration", time.Since(start),
		)
	})
}
