package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/kalambet/claritap/internal/config"
	"github.com/kalambet/claritap/internal/sink"
	"github.com/kalambet/claritap/internal/storage"
)

const checkTimeout = 15 * time.Second

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Verify credentials, state store and sink",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(true)
		if err != nil {
			return err
		}
		logger := setupLogging(cfg)

		results := runChecks(cmd.Context(), cfg, logger)
		return reportChecks(os.Stderr, results)
	},
}

type checkResult struct {
	Name     string
	Detail   string
	Err      error
	Duration time.Duration
}

type healthCheck struct {
	name string
	run  func(ctx context.Context) (string, error)
}

// runChecks runs every check concurrently. Results keep check order.
func runChecks(ctx context.Context, cfg config.Config, logger *slog.Logger) []checkResult {
	checks := []healthCheck{
		{name: "api", run: func(ctx context.Context) (string, error) { return checkAPI(ctx, cfg, logger) }},
		{name: "state store", run: func(ctx context.Context) (string, error) { return checkStore(cfg) }},
		{name: "sink", run: func(ctx context.Context) (string, error) { return checkSink(ctx, cfg, logger) }},
	}

	ctx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()

	results := make([]checkResult, len(checks))
	var g errgroup.Group
	for i, p := range checks {
		i, p := i, p
		g.Go(func() error {
			start := time.Now()
			detail, err := p.run(ctx)
			results[i] = checkResult{Name: p.name, Detail: detail, Err: err, Duration: time.Since(start)}
			return err
		})
	}
	if err := g.Wait(); err != nil {
		logger.Debug("check failed", "error", err)
	}
	return results
}

func checkAPI(ctx context.Context, cfg config.Config, logger *slog.Logger) (string, error) {
	cfg.API.MaxRetries = -1
	client, err := newClient(cfg, logger)
	if err != nil {
		return "", err
	}
	if _, err := client.Get(ctx, "/calls", url.Values{"limit": {"1"}}, nil); err != nil {
		return "", err
	}
	return client.BaseURL(), nil
}

func checkStore(cfg config.Config) (string, error) {
	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return "", err
	}
	defer store.Close()
	if err := store.Ping(); err != nil {
		return "", err
	}
	return cfg.Storage.DataDir, nil
}

func checkSink(ctx context.Context, cfg config.Config, logger *slog.Logger) (string, error) {
	switch cfg.Sink.Type {
	case config.SinkKafka:
		k := sink.NewKafka(cfg.Brokers(), cfg.Sink.KafkaTopicPrefix, logger)
		defer k.Close()
		if err := k.Check(ctx); err != nil {
			return "", err
		}
		return "kafka " + cfg.Sink.KafkaBrokers, nil
	default:
		return "singer on stdout", nil
	}
}

func reportChecks(w io.Writer, results []checkResult) error {
	failed := 0
	for _, r := range results {
		if r.Err != nil {
			failed++
			fmt.Fprintln(w, colorize(colorRed, fmt.Sprintf("✗ %s: %v", r.Name, r.Err)))
			continue
		}
		fmt.Fprintln(w, colorize(colorGreen, fmt.Sprintf("✓ %s: %s (%s)", r.Name, r.Detail, r.Duration.Round(time.Millisecond))))
	}
	if failed > 0 {
		return fmt.Errorf("%s failed", plural(failed, "check"))
	}
	return nil
}
