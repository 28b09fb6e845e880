// Command ucan-ledger logs capability invocations and serves the revocation
// ledger over HTTP.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/lmittmann/tint"
	"github.com/wolfeidau/ucan-ledger/agentlog"
	"github.com/wolfeidau/ucan-ledger/backend"
	"github.com/wolfeidau/ucan-ledger/metrics"
	"github.com/wolfeidau/ucan-ledger/registry"
	"github.com/wolfeidau/ucan-ledger/revocation"
	"github.com/wolfeidau/ucan-ledger/server"
	"github.com/wolfeidau/ucan-ledger/store"
	"github.com/wolfeidau/ucan-ledger/store/tabledb"
	"github.com/wolfeidau/ucan-ledger/stream"
	"github.com/wolfeidau/ucan-ledger/subscription"
	"github.com/wolfeidau/ucan-ledger/telemetry"
)

var version = "dev"

// Globals are flags shared by every command.
type Globals struct {
	DataDir   string `help:"Directory holding the object store and table database." default:"./data" env:"UCAN_LEDGER_DATA_DIR"`
	Stream    string `help:"Name of the stream receiving invocation records." default:"ucan" env:"UCAN_LEDGER_STREAM"`
	LogLevel  string `help:"Log level." enum:"debug,info,warn,error" default:"info" env:"UCAN_LEDGER_LOG_LEVEL"`
	LogFormat string `help:"Log format." enum:"text,json" default:"text" env:"UCAN_LEDGER_LOG_FORMAT"`
	NoSync    bool   `help:"Skip fsync on table database commits (testing only)." env:"UCAN_LEDGER_NO_SYNC"`
}

type cli struct {
	Globals

	Serve    ServeCmd    `cmd:"" default:"1" help:"Run the HTTP server."`
	Revoke   RevokeCmd   `cmd:"" help:"Record a delegation revocation."`
	Consumer ConsumerCmd `cmd:"" help:"Subscribe a provider to a space."`
	Usage    UsageCmd    `cmd:"" help:"Report space usage for a provider from the diff log."`
	Tail     TailCmd     `cmd:"" help:"Print stream records after a consumer's committed offset."`
	Version  VersionCmd  `cmd:"" help:"Print the version."`
}

func main() {
	var c cli
	ctx := kong.Parse(&c,
		kong.Name("ucan-ledger"),
		kong.Description("Capability invocation log, revocation ledger and blob registry."),
		kong.UsageOnError(),
	)
	if err := ctx.Run(&c.Globals); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func (g *Globals) logger() *slog.Logger {
	var level slog.Level
	switch g.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var handler slog.Handler
	if g.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	} else {
		handler = tint.NewHandler(os.Stderr, &tint.Options{Level: level, TimeFormat: time.Kitchen})
	}
	return slog.New(handler)
}

// ledger holds the opened storage layers.
type ledger struct {
	objects *store.Objects
	db      *tabledb.DB
	stream  *stream.Log
}

func (g *Globals) open(logger *slog.Logger) (*ledger, error) {
	fs, err := backend.NewFilesystem(filepath.Join(g.DataDir, "objects"))
	if err != nil {
		return nil, fmt.Errorf("creating filesystem backend: %w", err)
	}
	objects, err := store.NewObjects(backend.NewInstrumentedBackend(fs, "filesystem"), store.WithLogger(logger))
	if err != nil {
		return nil, err
	}

	db, err := tabledb.Open(filepath.Join(g.DataDir, "ledger.db"),
		tabledb.WithLogger(logger),
		tabledb.WithNoSync(g.NoSync),
	)
	if err != nil {
		objects.Close()
		return nil, err
	}
	err = db.CreateTables(
		agentlog.TableInvocations,
		agentlog.TableReceipts,
		revocation.Table,
		registry.BlobTable,
		registry.DiffTable,
		metrics.AdminTable,
		metrics.SpaceTable,
		subscription.Table,
	)
	if err != nil {
		objects.Close()
		_ = db.Close()
		return nil, err
	}

	s, err := stream.Open(db.Bolt(), g.Stream, stream.WithLogger(logger))
	if err != nil {
		objects.Close()
		_ = db.Close()
		return nil, err
	}
	return &ledger{objects: objects, db: db, stream: s}, nil
}

func (l *ledger) Close() {
	l.objects.Close()
	_ = l.db.Close()
}

// ServeCmd runs the HTTP server.
type ServeCmd struct {
	Address         string        `help:"Address to listen on." default:":8080" env:"UCAN_LEDGER_ADDRESS"`
	AuthToken       string        `help:"Bearer token required on ingestion routes." env:"UCAN_LEDGER_AUTH_TOKEN"`
	MaxArchiveSize  int64         `help:"Largest accepted agent message in bytes." default:"33554432" env:"UCAN_LEDGER_MAX_ARCHIVE_SIZE"`
	OTLPEndpoint    string        `help:"OTLP gRPC endpoint for metrics export." env:"UCAN_LEDGER_OTLP_ENDPOINT"`
	Prometheus      bool          `help:"Serve Prometheus metrics on /metrics." default:"true" negatable:"" env:"UCAN_LEDGER_PROMETHEUS"`
	MetricsInterval time.Duration `help:"Metrics export interval." default:"10s" env:"UCAN_LEDGER_METRICS_INTERVAL"`
	ShutdownTimeout time.Duration `help:"Graceful shutdown timeout." default:"10s" env:"UCAN_LEDGER_SHUTDOWN_TIMEOUT"`
}

func (cmd *ServeCmd) Run(g *Globals) error {
	logger := g.logger()
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownMetrics, err := telemetry.InitMetrics(ctx, telemetry.MetricsConfig{
		ServiceName:      "ucan-ledger",
		ServiceVersion:   version,
		OTLPEndpoint:     cmd.OTLPEndpoint,
		EnablePrometheus: cmd.Prometheus,
		FlushInterval:    cmd.MetricsInterval,
	})
	if err != nil {
		return fmt.Errorf("initializing metrics: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cmd.ShutdownTimeout)
		defer cancel()
		if err := shutdownMetrics(shutdownCtx); err != nil {
			logger.Error("shutting down metrics", "error", err)
		}
	}()

	l, err := g.open(logger)
	if err != nil {
		return err
	}
	defer l.Close()

	revocations := revocation.NewLedger(l.db, revocation.WithLogger(logger))
	proofs := revocation.NewProofBuilder(revocations, store.NewDelegationStore(l.objects), revocation.WithLogger(logger))
	agents := agentlog.New(store.NewArchiveStore(l.objects), l.db, l.stream, agentlog.WithLogger(logger))

	srv, err := server.New(server.Config{
		Address:        cmd.Address,
		AuthToken:      cmd.AuthToken,
		MaxArchiveSize: cmd.MaxArchiveSize,
		Logger:         logger,
	}, server.Services{
		AgentLog:    agents,
		Revocations: revocations,
		Proofs:      proofs,
	})
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	logger.Info("server started",
		"address", srv.Address(),
		"data_dir", g.DataDir,
		"stream", g.Stream,
		"version", version,
	)

	select {
	case <-ctx.Done():
		logger.Info("received signal, shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cmd.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// VersionCmd prints the version.
type VersionCmd struct{}

func (cmd *VersionCmd) Run(_ *Globals) error {
	fmt.Println(version)
	return nil
}
