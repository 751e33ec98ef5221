package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"

	"github.com/medledger/medledger/internal/config"
	"github.com/medledger/medledger/internal/domain/access"
	"github.com/medledger/medledger/internal/domain/addressbook"
	"github.com/medledger/medledger/internal/domain/audit"
	"github.com/medledger/medledger/internal/domain/records"
	"github.com/medledger/medledger/internal/platform/blobstore"
	"github.com/medledger/medledger/internal/platform/db"
	"github.com/medledger/medledger/internal/platform/events"
	"github.com/medledger/medledger/internal/platform/ledger"
	"github.com/medledger/medledger/internal/service"
	"github.com/medledger/medledger/pkg/metrics"
)

const version = "0.1.0"

func newLogger(w io.Writer, cfg *config.Config) zerolog.Logger {
	if cfg.IsDev() {
		w = zerolog.ConsoleWriter{Out: w}
	}
	logger := zerolog.New(w).With().Timestamp().Logger()

	level, err := zerolog.ParseLevel(strings.ToLower(cfg.LogLevel))
	if err != nil || cfg.LogLevel == "" {
		level = zerolog.InfoLevel
	}
	return logger.Level(level)
}

// app holds every long-lived component of one process.
type app struct {
	cfg    *config.Config
	logger zerolog.Logger

	ledger  *ledger.Ledger
	book    *addressbook.Book
	audit   *audit.Log
	content blobstore.Store
	svc     *service.RecordService

	registry *prometheus.Registry
	metrics  *metrics.Collector
	checks   []db.Check
	pool     *pgxpool.Pool

	closers []func() error
}

// buildApp opens the configured ledger backend and content store and wires
// the domain services on top of them.
func buildApp(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}
	built := false
	defer func() {
		if !built {
			a.Close()
		}
	}()

	backend, err := a.openBackend(ctx)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, backend.Close)

	a.ledger, err = ledger.Open(ctx, backend, cfg.AdminAddress, logger)
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	a.checks = append(a.checks, db.Check{Name: "ledger", Fn: func(ctx context.Context) error {
		_, err := a.ledger.Verify(ctx)
		return err
	}})

	if a.content, err = a.openContent(); err != nil {
		return nil, err
	}

	publisher, err := a.openPublisher()
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, publisher.Close)

	a.registry = prometheus.NewRegistry()
	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	a.metrics = metrics.NewCollector("medledger", a.registry)

	client := ledger.NewClient(a.ledger)
	a.book = addressbook.NewBook(client, a.ledger)
	a.audit = audit.NewLog(client, a.ledger, a.book)
	a.svc = service.New(
		a.book,
		records.NewStore(client, a.ledger, a.content, logger),
		access.NewControl(client, a.ledger, logger),
		a.audit,
		service.WithLogger(logger),
		service.WithPublisher(publisher),
		service.WithMetrics(a.metrics),
		service.WithRecentLimit(cfg.AuditRecentLimit),
	)
	built = true
	return a, nil
}

func (a *app) openBackend(ctx context.Context) (ledger.Backend, error) {
	switch a.cfg.LedgerBackend {
	case "leveldb":
		if err := os.MkdirAll(a.cfg.LedgerPath, 0o750); err != nil {
			return nil, fmt.Errorf("create ledger dir: %w", err)
		}
		a.logger.Info().Str("path", a.cfg.LedgerPath).Msg("using leveldb ledger backend")
		return ledger.OpenLevelDB(a.cfg.LedgerPath)
	case "postgres":
		pool, err := db.NewPool(ctx, a.cfg.DatabaseURL, a.cfg.DBMaxConns, a.cfg.DBMinConns)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() error { pool.Close(); return nil })
		a.pool = pool
		a.checks = append(a.checks, db.PoolCheck(pool))
		a.logger.Info().Msg("using postgres ledger backend")
		return ledger.NewPostgresBackend(pool), nil
	default:
		a.logger.Warn().Msg("using in-memory ledger backend; blocks are lost on exit")
		return ledger.NewMemoryBackend(), nil
	}
}

// openContent opens the configured store, wrapped for at-rest encryption
// when CONTENT_KEYS is set.
func (a *app) openContent() (blobstore.Store, error) {
	store, err := a.openRawContent()
	if err != nil || a.cfg.ContentKeys == "" {
		return store, err
	}
	keys, err := blobstore.ParseKeyring(a.cfg.ContentKeys)
	if err != nil {
		return nil, fmt.Errorf("CONTENT_KEYS: %w", err)
	}
	a.logger.Info().Uint8("key_version", keys.CurrentVersion()).Msg("content encryption enabled")
	return blobstore.NewEncryptedStore(store, keys), nil
}

func (a *app) openRawContent() (blobstore.Store, error) {
	switch a.cfg.ContentStore {
	case "leveldb":
		if err := os.MkdirAll(a.cfg.ContentPath, 0o750); err != nil {
			return nil, fmt.Errorf("create content dir: %w", err)
		}
		store, err := blobstore.OpenLevelDBStore(a.cfg.ContentPath)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, store.Close)
		return store, nil
	case "ipfs":
		store := blobstore.NewIPFSStore(blobstore.IPFSConfig{
			APIURL:     a.cfg.IPFSAPIURL,
			GatewayURL: a.cfg.IPFSGatewayURL,
			Timeout:    a.cfg.IPFSTimeout,
		}, a.logger)
		a.checks = append(a.checks, db.Check{Name: "ipfs", Fn: store.Ping})
		return store, nil
	default:
		return blobstore.NewInMemoryStore(), nil
	}
}

// openPublisher fans events out to Kafka and webhooks, whichever are configured.
func (a *app) openPublisher() (events.Publisher, error) {
	var pubs events.MultiPublisher
	if len(a.cfg.KafkaBrokers) > 0 {
		pubs = append(pubs, events.NewKafkaPublisher(a.cfg.KafkaBrokers, a.cfg.KafkaTopic))
		a.logger.Info().Strs("brokers", a.cfg.KafkaBrokers).Str("topic", a.cfg.KafkaTopic).Msg("publishing ledger events to kafka")
	}
	if len(a.cfg.WebhookURLs) > 0 {
		hooks, err := events.NewWebhookPublisher(events.WebhookConfig{
			URLs:   a.cfg.WebhookURLs,
			Secret: a.cfg.WebhookSecret,
			Kinds:  a.cfg.WebhookEvents,
		}, a.logger)
		if err != nil {
			pubs.Close()
			return nil, err
		}
		pubs = append(pubs, hooks)
		a.logger.Info().Int("endpoints", len(a.cfg.WebhookURLs)).Msg("publishing ledger events to webhooks")
	}
	switch len(pubs) {
	case 0:
		return events.NopPublisher{}, nil
	case 1:
		return pubs[0], nil
	}
	return pubs, nil
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn().Err(err).Msg("close failed")
		}
	}
	a.closers = nil
}
