package daemon

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/proofmarket/pmkt/internal/api"
	"github.com/proofmarket/pmkt/internal/app/market"
	"github.com/proofmarket/pmkt/internal/domain"
	"github.com/proofmarket/pmkt/internal/health"
	"github.com/proofmarket/pmkt/internal/infra/acl"
	"github.com/proofmarket/pmkt/internal/infra/bank"
	"github.com/proofmarket/pmkt/internal/infra/events"
	"github.com/proofmarket/pmkt/internal/infra/logger"
	"github.com/proofmarket/pmkt/internal/infra/metrics"
	"github.com/proofmarket/pmkt/internal/infra/sqlite"
	"github.com/proofmarket/pmkt/internal/infra/verifier"
	"github.com/proofmarket/pmkt/internal/security"
)

// Daemon is the core pmkt runtime. It wires together all services.
type Daemon struct {
	Config  Config
	DB      *sqlite.DB // nil with the memory store
	Market  *market.Engine
	Events  *events.Hub
	Wallets api.Wallets
	Health  *health.Checker
	Server  *api.Server
	cancel  context.CancelFunc

	logFile io.Closer
	log     *logger.Logger
}

// New creates and initializes a Daemon with all services wired.
func New() (*Daemon, error) {
	cfg, err := LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	return NewWithConfig(cfg)
}

// NewWithConfig creates a Daemon with the given configuration.
func NewWithConfig(cfg Config) (*Daemon, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	d := &Daemon{Config: cfg}

	// Logging first so every component picks up level and output
	var out io.Writer = os.Stderr
	if cfg.Logging.File != "" {
		f, err := os.OpenFile(cfg.Logging.File, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		d.logFile = f
		out = f
	}
	logger.Configure(out, cfg.Logging.Level)
	d.log = logger.New("daemon")

	// Open SQLite
	if cfg.Store.Backend == BackendSQLite {
		db, err := sqlite.Open(cfg.Store.Dir)
		if err != nil {
			d.Close()
			return nil, fmt.Errorf("open database: %w", err)
		}
		d.DB = db
	}

	// External holdings
	var b domain.Bank
	if cfg.Bank.Backend == BackendSQLite {
		w := d.DB.Wallets()
		b, d.Wallets = w, w
	} else {
		m := bank.NewMemory()
		b, d.Wallets = m, bank.Faucet{Memory: m}
	}

	verifiers, err := verifier.FromConfig(cfg.Verifiers.Default, cfg.Verifiers.Protocols)
	if err != nil {
		d.Close()
		return nil, fmt.Errorf("verifiers: %w", err)
	}

	admins := make([]domain.Address, len(cfg.Admin.Addresses))
	for i, a := range cfg.Admin.Addresses {
		admins[i] = domain.Address(a)
	}

	// Events fan out to SSE subscribers and the metrics sink
	d.Events = events.NewHub(metrics.Sink{})

	opts := []market.Option{
		market.WithBank(b),
		market.WithVerifiers(verifiers),
		market.WithEventSink(d.Events),
		market.WithLogger(logger.New("market")),
	}
	if d.DB != nil {
		opts = append(opts, market.WithStateStore(d.DB))
	}
	d.Market, err = market.New(context.Background(), acl.NewStatic(admins...), opts...)
	if err != nil {
		d.Close()
		return nil, fmt.Errorf("start market: %w", err)
	}

	if len(cfg.Protocols) > 0 {
		added, err := d.Market.Seed(context.Background(), admins[0], seeds(cfg.Protocols))
		if err != nil {
			d.Close()
			return nil, fmt.Errorf("seed protocols: %w", err)
		}
		d.log.Info("protocols seeded", "added", added, "configured", len(cfg.Protocols))
	}

	// Health checker
	var pinger health.Pinger
	dataDir := ""
	if d.DB != nil {
		pinger = d.DB
		dataDir = cfg.Store.Dir
	}
	d.Health = health.NewChecker(pinger, d.Market, dataDir)
	d.Health.SetInterval(parseDuration(cfg.Telemetry.HealthInterval, health.DefaultInterval))

	// API server
	srv := api.NewServer(d.Market)
	srv.SetEventHub(d.Events)
	if d.DB != nil {
		srv.SetEventHistory(d.DB)
	}
	srv.SetWallets(d.Wallets, cfg.Bank.Faucet)
	srv.SetHealth(d.Health)
	srv.SetTimeout(parseDuration(cfg.API.RequestTimeout, 30*time.Second))
	if cfg.API.RequireSignatures {
		srv.RequireSignatures(parseDuration(cfg.API.SignatureSkew, security.DefaultSkew))
	}
	if cfg.Telemetry.Prometheus {
		srv.EnableMetrics()
	}
	d.Server = srv

	return d, nil
}

func seeds(protocols []ProtocolConfig) []market.ProtocolSeed {
	out := make([]market.ProtocolSeed, len(protocols))
	for i, p := range protocols {
		out[i] = market.ProtocolSeed{
			Protocol: p.ID,
			Asset:    domain.AssetID(p.Asset),
			MinAsk:   domain.Amount(p.MinAsk),
			MinStake: domain.Amount(p.MinStake),
		}
	}
	return out
}

// Serve starts the HTTP server and blocks until shutdown.
func (d *Daemon) Serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	d.cancel = cancel

	// Health checker (always runs)
	go d.Health.Run(ctx)

	addr := fmt.Sprintf("%s:%d", d.Config.API.Host, d.Config.API.Port)

	httpServer := &http.Server{
		Addr:        addr,
		Handler:     d.Server.Handler(),
		ReadTimeout: 30 * time.Second,
		IdleTimeout: 2 * time.Minute,
		// No WriteTimeout: /v1/events streams indefinitely.
	}

	// Graceful shutdown on signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	go func() {
		select {
		case <-sigCh:
		case <-ctx.Done():
		}
		d.log.Info("shutting down")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()
		cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	fmt.Printf("pmkt serving on http://%s\n", addr)
	if d.DB != nil {
		fmt.Printf("  State: %s\n", d.Config.Store.Dir)
	}
	if d.Config.Telemetry.Prometheus {
		fmt.Printf("  Metrics: http://%s/metrics\n", addr)
	}
	d.log.Info("serving", "addr", addr, "store", d.Config.Store.Backend,
		"bank", d.Config.Bank.Backend, "tasks", d.Market.TaskCount())

	if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Close shuts down all daemon resources.
func (d *Daemon) Close() {
	if d.cancel != nil {
		d.cancel()
	}
	if d.DB != nil {
		_ = d.DB.Close()
	}
	if d.logFile != nil {
		_ = d.logFile.Close()
	}
}
