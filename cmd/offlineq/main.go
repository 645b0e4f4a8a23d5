package main

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/agentworkforce/offlineq/internal/cachegate"
	"github.com/agentworkforce/offlineq/internal/httpapi"
	"github.com/agentworkforce/offlineq/internal/offlineq"
)

type config struct {
	Addr      string `env:"OFFLINEQ_ADDR" envDefault:":8080"`
	OriginURL string `env:"OFFLINEQ_ORIGIN_URL,required"`

	QueueDSN      string `env:"OFFLINEQ_QUEUE_DSN" envDefault:"file:offlineq-queue.json"`
	QueueCapacity int    `env:"OFFLINEQ_QUEUE_CAPACITY" envDefault:"1024"`

	CacheDSN     string   `env:"OFFLINEQ_CACHE_DSN" envDefault:"memory:"`
	CacheVersion string   `env:"OFFLINEQ_CACHE_VERSION" envDefault:"v1"`
	Precache     []string `env:"OFFLINEQ_PRECACHE" envSeparator:","`

	APIPrefix    string `env:"OFFLINEQ_API_PREFIX" envDefault:"/api/"`
	StaticPrefix string `env:"OFFLINEQ_STATIC_PREFIX" envDefault:"/static/"`
	OfflinePath  string `env:"OFFLINEQ_OFFLINE_PATH" envDefault:"/offline"`

	ProbeURL      string        `env:"OFFLINEQ_PROBE_URL"`
	ProbeInterval time.Duration `env:"OFFLINEQ_PROBE_INTERVAL" envDefault:"15s"`
	StartOnline   bool          `env:"OFFLINEQ_START_ONLINE" envDefault:"true"`

	BulkPath           string `env:"OFFLINEQ_BULK_PATH" envDefault:"/api/sync/bulk"`
	EnableBulkEndpoint bool   `env:"OFFLINEQ_ENABLE_BULK_ENDPOINT" envDefault:"false"`
	MaxBodyBytes       int64  `env:"OFFLINEQ_MAX_BODY_BYTES" envDefault:"4194304"`
}

func main() {
	cfg, err := env.ParseAs[config]()
	if err != nil {
		log.Fatalf("failed to parse configuration: %v", err)
	}

	queue, err := offlineq.BuildQueueFromDSN(cfg.QueueDSN, cfg.QueueCapacity)
	if err != nil {
		log.Fatalf("failed to initialize queue backend: %v", err)
	}
	defer queue.Close()

	cacheStore, err := cachegate.BuildStoreFromDSN(cfg.CacheDSN)
	if err != nil {
		log.Fatalf("failed to initialize cache backend: %v", err)
	}
	defer cacheStore.Close()

	logger := log.Default()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	gate, err := cachegate.New(cachegate.Options{
		Inner:        http.DefaultTransport,
		Store:        cacheStore,
		BaseURL:      cfg.OriginURL,
		Version:      cfg.CacheVersion,
		StaticPrefix: cfg.StaticPrefix,
		APIPrefix:    cfg.APIPrefix,
		OfflinePath:  cfg.OfflinePath,
		Precache:     cfg.Precache,
		Logger:       logger,
	})
	if err != nil {
		log.Fatalf("failed to initialize cache gate: %v", err)
	}
	if len(cfg.Precache) > 0 {
		if err := gate.Install(ctx); err != nil {
			log.Fatalf("precache install failed: %v", err)
		}
	}

	monitor := offlineq.NewMonitor(cfg.StartOnline)
	notifier := logNotifier{logger: logger}

	transport, err := offlineq.NewTransport(offlineq.TransportOptions{
		Inner:     gate,
		Queue:     queue,
		Monitor:   monitor,
		APIPrefix: cfg.APIPrefix,
		Notifier:  notifier,
		Logger:    logger,
	})
	if err != nil {
		log.Fatalf("failed to initialize interceptor: %v", err)
	}

	syncer, err := offlineq.NewSyncer(offlineq.SyncerOptions{
		Queue:    queue,
		Monitor:  monitor,
		BaseURL:  cfg.OriginURL,
		BulkPath: cfg.BulkPath,
		Notifier: notifier,
		Logger:   logger,
	})
	if err != nil {
		log.Fatalf("failed to initialize syncer: %v", err)
	}
	go syncer.Run(ctx)

	if cfg.ProbeURL != "" {
		prober := offlineq.NewProber(monitor, cfg.ProbeURL, cfg.ProbeInterval, nil, logger)
		go prober.Run(ctx)
	}

	server, err := httpapi.NewServer(httpapi.ServerOptions{
		OriginURL: cfg.OriginURL,
		Transport: transport,
		Queue:     queue,
		Syncer:    syncer,
		Monitor:   monitor,
		Logger:    logger,
		Config: httpapi.ServerConfig{
			MaxBodyBytes:       cfg.MaxBodyBytes,
			EnableBulkEndpoint: cfg.EnableBulkEndpoint,
			BulkPath:           cfg.BulkPath,
		},
	})
	if err != nil {
		log.Fatalf("failed to initialize server: %v", err)
	}

	log.Printf("offlineq listening on %s, proxying %s", cfg.Addr, cfg.OriginURL)
	if err := http.ListenAndServe(cfg.Addr, server); err != nil {
		log.Fatalf("server failed: %v", err)
	}
}

// logNotifier surfaces user-facing alerts on the process log. The HTTP event
// feed carries status snapshots separately.
type logNotifier struct {
	logger *log.Logger
}

func (n logNotifier) Alert(message string, severity offlineq.Severity, duration time.Duration) {
	n.logger.Printf("[%s] %s", severity, message)
}
