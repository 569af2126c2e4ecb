package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kalambet/claritap/internal/catalog"
	"github.com/kalambet/claritap/internal/clari"
	"github.com/kalambet/claritap/internal/config"
	"github.com/kalambet/claritap/internal/sink"
	"github.com/kalambet/claritap/internal/storage"
	"github.com/kalambet/claritap/internal/streams"
	"github.com/kalambet/claritap/internal/tap"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Extract calls and call details",
	Long: `Extract calls modified since the stored bookmark, fetch the details of
each call and write them to the configured sink.

Examples:
  claritap sync
  claritap sync --streams call_details
  claritap sync --full-refresh > calls.jsonl`,
	RunE: func(cmd *cobra.Command, args []string) error {
		streamsFlag, _ := cmd.Flags().GetString("streams")
		fullRefresh, _ := cmd.Flags().GetBool("full-refresh")

		cfg, err := loadConfig(true)
		if err != nil {
			return err
		}
		logger := setupLogging(cfg)

		res, err := runSync(cmd.Context(), cfg, syncOptions{
			Streams:     splitList(streamsFlag),
			FullRefresh: fullRefresh,
		}, os.Stdout, logger)
		if err != nil {
			return err
		}
		printSuccess("Sync %s finished: %s", res.RunID, formatCounts(res.Records))
		return nil
	},
}

func init() {
	syncCmd.Flags().String("streams", "", "comma-separated streams to emit (default: all)")
	syncCmd.Flags().Bool("full-refresh", false, "ignore stored bookmarks and start from sync.start_date")
}

type syncOptions struct {
	Streams     []string
	FullRefresh bool
}

// closingSink is a tap.Sink that owns resources.
type closingSink interface {
	tap.Sink
	Close() error
}

func newClient(cfg config.Config, logger *slog.Logger) (*clari.Client, error) {
	timeout, err := cfg.RequestTimeout()
	if err != nil {
		return nil, err
	}
	maxRetries := cfg.API.MaxRetries
	if maxRetries == 0 {
		// clari.Options treats zero as the default; negative disables retries.
		maxRetries = -1
	}
	return clari.New(clari.Options{
		BaseURL:     cfg.API.URL,
		APIKey:      cfg.API.Key,
		APIPassword: cfg.API.Password,
		UserAgent:   cfg.API.UserAgent,
		Timeout:     timeout,
		MaxRetries:  maxRetries,
		Logger:      logger,
	}), nil
}

func newSink(cfg config.Config, out io.Writer, logger *slog.Logger) (closingSink, error) {
	switch cfg.Sink.Type {
	case config.SinkSinger:
		return sink.NewSinger(out), nil
	case config.SinkKafka:
		brokers := cfg.Brokers()
		if len(brokers) == 0 {
			return nil, fmt.Errorf("sink.kafka_brokers is empty")
		}
		return sink.NewKafka(brokers, cfg.Sink.KafkaTopicPrefix, logger), nil
	default:
		return nil, fmt.Errorf("unknown sink type %q", cfg.Sink.Type)
	}
}

func runSync(ctx context.Context, cfg config.Config, opts syncOptions, out io.Writer, logger *slog.Logger) (tap.Result, error) {
	startDate, err := cfg.StartTime()
	if err != nil {
		return tap.Result{}, err
	}
	client, err := newClient(cfg, logger)
	if err != nil {
		return tap.Result{}, err
	}
	graph, err := streams.NewGraph(client, cfg.API.PageSize, logger)
	if err != nil {
		return tap.Result{}, fmt.Errorf("building stream graph: %w", err)
	}
	cat, err := catalog.Load()
	if err != nil {
		return tap.Result{}, fmt.Errorf("loading catalog: %w", err)
	}

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return tap.Result{}, fmt.Errorf("opening storage: %w", err)
	}
	defer store.Close()

	snk, err := newSink(cfg, out, logger)
	if err != nil {
		return tap.Result{}, err
	}

	runner, err := tap.NewRunner(graph, store, snk, tap.Options{
		Streams:     opts.Streams,
		StartDate:   startDate,
		FullRefresh: opts.FullRefresh,
		Catalog:     cat,
		Logger:      logger,
	})
	if err != nil {
		snk.Close()
		return tap.Result{}, err
	}

	res, err := runner.Sync(ctx)
	if cerr := snk.Close(); cerr != nil && err == nil {
		err = fmt.Errorf("closing sink: %w", cerr)
	}
	return res, err
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
