package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dmitrymomot/topicbus/bus"
	"github.com/dmitrymomot/topicbus/longpoll"
	"github.com/dmitrymomot/topicbus/pkg/config"
	"github.com/dmitrymomot/topicbus/pkg/httpserver"
	"github.com/dmitrymomot/topicbus/pkg/logger"
	"github.com/dmitrymomot/topicbus/pkg/pg"
	"github.com/dmitrymomot/topicbus/pkg/redis"
	"github.com/dmitrymomot/topicbus/publisher"
	"github.com/dmitrymomot/topicbus/queue"
	"github.com/dmitrymomot/topicbus/site"
	"github.com/dmitrymomot/topicbus/tracking"
)

type appConfig struct {
	ServiceName string        `env:"SERVICE_NAME" envDefault:"busd"`
	PollTimeout time.Duration `env:"POLL_TIMEOUT" envDefault:"25s"`
}

func main() {
	if err := run(); err != nil {
		slog.Error("busd exited with error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var (
		appCfg   appConfig
		logCfg   logger.Config
		redisCfg redis.Config
		pgCfg    pg.Config
		httpCfg  httpserver.Config
	)
	config.MustLoad(&appCfg)
	config.MustLoad(&logCfg)
	config.MustLoad(&redisCfg)
	config.MustLoad(&pgCfg)
	config.MustLoad(&httpCfg)

	log := logger.NewFromConfig(logCfg, logger.WithAttr(slog.String("service", appCfg.ServiceName)))
	slog.SetDefault(log)

	rdb, err := redis.Connect(ctx, redisCfg)
	if err != nil {
		return err
	}
	defer rdb.Close()

	pool, err := pg.Connect(ctx, pgCfg)
	if err != nil {
		return err
	}
	defer pool.Close()

	if err := pg.Migrate(ctx, pool, tracking.Migrations, tracking.MigrationsDir, pgCfg, log); err != nil {
		return err
	}

	b := bus.New(
		bus.NewRedisSequencer(rdb, redisCfg.KeyPrefix),
		bus.NewRedisBacklog(rdb, redisCfg.KeyPrefix, bus.DefaultRetention),
		bus.WithNotifier(bus.NewRedisNotifier(rdb, redisCfg.KeyPrefix, log)),
		bus.WithLogger(log),
		bus.WithMetrics(prometheus.DefaultRegisterer),
	)
	defer b.Close()

	repo := tracking.NewPostgresRepository(pool, tracking.WithLogger(log))

	storage := queue.NewMemoryStorage()
	defer storage.Close()

	enq, err := queue.NewEnqueuer(storage)
	if err != nil {
		return err
	}
	pub, err := publisher.New(b, repo, enq, publisher.WithLogger(log))
	if err != nil {
		return err
	}

	worker, err := queue.NewWorker(storage,
		queue.WithPullInterval(250*time.Millisecond),
		queue.WithConcurrency(4),
		queue.WithWorkerLogger(log),
	)
	if err != nil {
		return err
	}
	worker.RegisterHandler(pub.Handlers()...)
	if err := worker.Start(ctx); err != nil {
		return err
	}
	defer worker.Stop()

	readOnly := site.NewReadOnly(site.NewRedisFlagStore(rdb, redisCfg.KeyPrefix), b)
	assetVersion, err := site.NewAssetVersion(ctx, b, log)
	if err != nil {
		return err
	}
	defer assetVersion.Close()

	transport := longpoll.NewHandler(b, subscriberFromHeader,
		longpoll.WithPollTimeout(appCfg.PollTimeout),
		longpoll.WithLogger(log),
	)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", httpserver.HealthCheckHandler(log))
	r.Get("/readyz", httpserver.HealthCheckHandler(log,
		redis.Healthcheck(rdb),
		pg.Healthcheck(pool),
	))
	r.Handle("/metrics", promhttp.Handler())
	r.Mount("/message-bus", transport.Router())
	mountAdmin(r, readOnly, assetVersion)

	return httpserver.New(httpCfg, log).Run(ctx, r)
}

// subscriberFromHeader is the reference resolver: the embedding application
// terminates auth in front of busd and forwards the user id in a header.
// Absent header means anonymous.
func subscriberFromHeader(r *http.Request) (int64, error) {
	raw := r.Header.Get("X-Subscriber-ID")
	if raw == "" {
		return 0, nil
	}
	return strconv.ParseInt(raw, 10, 64)
}

// mountAdmin exposes the site-wide switches. The embedding application is
// expected to guard this route group.
func mountAdmin(r chi.Router, readOnly *site.ReadOnly, assetVersion *site.AssetVersion) {
	r.Route("/admin", func(admin chi.Router) {
		admin.Post("/read-only/enable", func(w http.ResponseWriter, req *http.Request) {
			writeStatus(w, readOnly.Enable(req.Context()))
		})
		admin.Post("/read-only/disable", func(w http.ResponseWriter, req *http.Request) {
			writeStatus(w, readOnly.Disable(req.Context()))
		})
		admin.Post("/asset-version", func(w http.ResponseWriter, req *http.Request) {
			var body struct {
				Version string `json:"version"`
			}
			if err := json.NewDecoder(req.Body).Decode(&body); err != nil || body.Version == "" {
				http.Error(w, "version required", http.StatusBadRequest)
				return
			}
			_, err := assetVersion.Announce(req.Context(), body.Version)
			writeStatus(w, err)
		})
		admin.Post("/refresh", func(w http.ResponseWriter, req *http.Request) {
			writeStatus(w, assetVersion.RequestRefresh(req.Context()))
		})
	})
}

func writeStatus(w http.ResponseWriter, err error) {
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
