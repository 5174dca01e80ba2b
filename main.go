package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/hashicorp/go-hclog"
	"golang.org/x/sync/errgroup"
)

func main() {
	configPath := flag.String("config", "", "path to the YAML configuration file (default "+DefaultConfigFilename+")")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	config, err := ParseConfigFile(configPath)
	if err != nil {
		return err
	}
	if err := config.Validate(); err != nil {
		return err
	}

	logger, closeLog, err := newLogger(config.Log)
	if err != nil {
		return err
	}
	defer closeLog()

	logger.Info("loaded configuration",
		"instance_id", config.Server.InstanceID,
		"server", fmt.Sprintf("%s:%d", config.Server.Host, config.Server.Port),
		"store", config.Store.Path,
		"capacity", config.Filter.Capacity,
		"false_positive_rate", config.Filter.FalsePositiveRate,
		"bucket_size", config.Filter.BucketSize,
	)

	filter, err := NewCuckooFilter(config.Filter)
	if err != nil {
		logger.Error("failed to create filter", "error", err)
		return err
	}
	logger.Info("cuckoo filter initialized",
		"slots", filter.Capacity(),
		"fingerprint_bits", filter.FingerprintBits(),
	)

	store, err := OpenHashStore(config.Store.Path, config.Store.OpenTimeout, logger)
	if err != nil {
		logger.Error("failed to open hash store", "error", err)
		return err
	}
	defer store.Close()

	// The filter is fully populated before the listener accepts lookups.
	if _, err := NewBulkLoader(filter, logger).LoadFromSource(store); err != nil {
		logger.Error("failed to populate filter", "error", err)
		return err
	}

	return serve(config, filter, store, logger)
}

func serve(config *Config, filter *CuckooFilter, store *HashStore, logger hclog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	server := NewServer(config, filter, store, logger)
	g, ctx := errgroup.WithContext(ctx)

	g.Go(server.ListenAndServe)
	g.Go(func() error {
		<-ctx.Done()
		logger.Info("shutting down server")
		return server.Shutdown()
	})

	return g.Wait()
}
