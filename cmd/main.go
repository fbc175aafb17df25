package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/docopt/docopt.go"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/TFMV/splitjson"
	"github.com/TFMV/splitjson/config"
	splitflight "github.com/TFMV/splitjson/flight"
	"github.com/TFMV/splitjson/schema"
	"github.com/TFMV/splitjson/stage"
	"github.com/TFMV/splitjson/storage"
)

const usage = `splitjson: expand JSON array columns into one record per element.

Usage:
  splitjson run --config=<path> --input=<path> --output=<path> [--page-size=<rows>]
  splitjson plan --config=<path> --input=<path>
  splitjson serve --config=<path> [--addr=<addr>] [--metrics-addr=<addr>]
  splitjson (-h | --help)
  splitjson --version

Options:
  -h --help              Show this screen.
  --version              Show version.
  --config=<path>        Stage configuration file (yaml, json or toml).
  --input=<path>         Arrow IPC file to read.
  --output=<path>        Arrow IPC file to write.
  --page-size=<rows>     Rows per output page; overrides the configuration.
  --addr=<addr>          Flight listen address [default: localhost:8815].
  --metrics-addr=<addr>  Prometheus listen address [default: :9090].
`

func main() {
	arguments, err := docopt.ParseDoc(usage)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error parsing arguments: %v\n", err)
		os.Exit(1)
	}
	if v, _ := arguments.Bool("--version"); v {
		fmt.Println("splitjson version 1.0.0")
		os.Exit(0)
	}

	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	configPath, _ := arguments.String("--config")
	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Fatal("Failed to load configuration", zap.String("path", configPath), zap.Error(err))
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	switch {
	case isCommand(arguments, "run"):
		err = runCommand(ctx, arguments, cfg, logger)
	case isCommand(arguments, "plan"):
		err = planCommand(arguments, cfg, logger)
	case isCommand(arguments, "serve"):
		err = serveCommand(ctx, arguments, cfg, logger)
	}
	if err != nil {
		logger.Error("Command failed", zap.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}
}

func isCommand(arguments docopt.Opts, name string) bool {
	v, _ := arguments.Bool(name)
	return v
}

func runCommand(ctx context.Context, arguments docopt.Opts, cfg schema.StageConfig, logger *zap.Logger) error {
	if s, err := arguments.String("--page-size"); err == nil && s != "" {
		pageSize, err := arguments.Int("--page-size")
		if err != nil {
			return fmt.Errorf("invalid --page-size %q: %w", s, err)
		}
		cfg.PageSize = pageSize
	}
	inputPath, _ := arguments.String("--input")
	outputPath, _ := arguments.String("--output")

	in, err := storage.OpenFile(inputPath)
	if err != nil {
		return err
	}
	defer in.Close()

	start := time.Now()
	stats, err := splitjson.Run(ctx, in, func(s *arrow.Schema) (stage.Output, error) {
		return storage.CreateFile(outputPath, s)
	}, cfg, logger)
	if err != nil {
		return err
	}
	logger.Info("Expansion complete",
		zap.String("input", inputPath),
		zap.String("output", outputPath),
		zap.Uint64("input_records", stats.InputRecords),
		zap.Uint64("output_records", stats.OutputRecords),
		zap.Uint64("null_arrays", stats.NullArrays),
		zap.Uint64("skipped", stats.Skipped),
		zap.Duration("elapsed", time.Since(start)))
	return nil
}

func planCommand(arguments docopt.Opts, cfg schema.StageConfig, logger *zap.Logger) error {
	inputPath, _ := arguments.String("--input")
	in, err := storage.OpenFile(inputPath)
	if err != nil {
		return err
	}
	defer in.Close()

	input, err := schema.FromArrow(in.Schema())
	if err != nil {
		return err
	}
	out, err := splitjson.Plan(input, cfg, logger)
	if err != nil {
		return err
	}
	for _, c := range out {
		fmt.Printf("%d\t%s\t%s\n", c.Index, c.Name, c.Type)
	}
	return nil
}

func serveCommand(ctx context.Context, arguments docopt.Opts, cfg schema.StageConfig, logger *zap.Logger) error {
	addr, _ := arguments.String("--addr")
	metricsAddr, _ := arguments.String("--metrics-addr")

	srv := flight.NewServerWithMiddleware(nil)
	if err := srv.Init(addr); err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	srv.RegisterFlightService(splitflight.NewService(cfg, logger))

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	metrics := &http.Server{Addr: metricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 2)
	go func() {
		if err := metrics.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("metrics server: %w", err)
		}
	}()
	go func() {
		if err := srv.Serve(); err != nil {
			errCh <- fmt.Errorf("flight server: %w", err)
		}
	}()

	logger.Info("Starting splitjson Flight service",
		zap.String("addr", srv.Addr().String()),
		zap.String("metrics_addr", metricsAddr),
		zap.String("array_column", cfg.JSONArrayColumn))

	var err error
	select {
	case <-ctx.Done():
		logger.Info("Received shutdown signal, shutting down")
	case err = <-errCh:
		logger.Error("Server error", zap.Error(err))
	}

	srv.Shutdown()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = metrics.Shutdown(shutdownCtx)
	return err
}
