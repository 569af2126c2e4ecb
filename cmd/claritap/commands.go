package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/kalambet/claritap/internal/catalog"
	"github.com/kalambet/claritap/internal/config"
	"github.com/kalambet/claritap/internal/normalize"
	"github.com/kalambet/claritap/internal/storage"
	"github.com/kalambet/claritap/internal/tap"
)

// --- discover ---

var discoverCmd = &cobra.Command{
	Use:   "discover",
	Short: "Print the stream catalog as JSON",
	RunE: func(cmd *cobra.Command, args []string) error {
		cat, err := catalog.Load()
		if err != nil {
			return err
		}
		doc, err := cat.Discover()
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(os.Stdout, string(doc))
		return err
	},
}

// --- state ---

var stateCmd = &cobra.Command{
	Use:   "state",
	Short: "Inspect or edit stored bookmarks",
}

var stateShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print stored bookmarks as a Singer state document",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(func(store *storage.Store) error {
			return showState(os.Stdout, store)
		})
	},
}

var stateSetCmd = &cobra.Command{
	Use:   "set <stream> <timestamp>",
	Short: "Set the bookmark of an incremental stream",
	Long: `Set the bookmark of an incremental stream. The next sync fetches records
modified after the given time.

Examples:
  claritap state set calls 2024-01-01T00:00:00Z`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(func(store *storage.Store) error {
			b, err := setState(store, args[0], args[1])
			if err != nil {
				return err
			}
			printSuccess("Set %s bookmark to %s", b.Stream, b.Value.Format(time.RFC3339Nano))
			return nil
		})
	},
}

var stateResetCmd = &cobra.Command{
	Use:   "reset [stream]",
	Short: "Delete one or all bookmarks",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(func(store *storage.Store) error {
			if len(args) == 1 {
				if err := store.DeleteBookmark(args[0]); err != nil {
					if errors.Is(err, storage.ErrNotFound) {
						return fmt.Errorf("no bookmark stored for %q", args[0])
					}
					return err
				}
				printSuccess("Reset %s bookmark", args[0])
				return nil
			}
			n, err := store.DeleteAllBookmarks()
			if err != nil {
				return err
			}
			if n == 0 {
				printWarning("No bookmarks stored")
				return nil
			}
			printSuccess("Reset %s", plural(n, "bookmark"))
			return nil
		})
	},
}

var stateRunsCmd = &cobra.Command{
	Use:   "runs",
	Short: "List recent sync runs",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		return withStore(func(store *storage.Store) error {
			runs, err := store.RecentRuns(limit)
			if err != nil {
				return err
			}
			printRuns(os.Stdout, runs)
			return nil
		})
	},
}

func init() {
	stateRunsCmd.Flags().Int("limit", 10, "number of runs to show")
	stateCmd.AddCommand(stateShowCmd)
	stateCmd.AddCommand(stateSetCmd)
	stateCmd.AddCommand(stateResetCmd)
	stateCmd.AddCommand(stateRunsCmd)
}

func withStore(fn func(store *storage.Store) error) error {
	cfg, err := loadConfig(false)
	if err != nil {
		return err
	}
	setupLogging(cfg)
	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer store.Close()
	return fn(store)
}

func showState(w io.Writer, store *storage.Store) error {
	bookmarks, err := store.ListBookmarks()
	if err != nil {
		return err
	}
	st := tap.State{Bookmarks: make(map[string]tap.StreamBookmark, len(bookmarks))}
	for _, b := range bookmarks {
		st.Bookmarks[b.Stream] = tap.StreamBookmark{
			ReplicationKey: b.ReplicationKey,
			Value:          b.Value.UTC().Format(time.RFC3339Nano),
		}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(st)
}

// setState stores value as the bookmark of an incremental stream.
func setState(store *storage.Store, stream, value string) (storage.Bookmark, error) {
	var key string
	for _, s := range catalog.Streams {
		if s.Name == stream {
			key = s.ReplicationKey
			if key == "" {
				return storage.Bookmark{}, fmt.Errorf("stream %q is not incremental", stream)
			}
		}
	}
	if key == "" {
		return storage.Bookmark{}, fmt.Errorf("unknown stream %q", stream)
	}
	t, err := normalize.ParseTimestamp(value)
	if err != nil {
		return storage.Bookmark{}, fmt.Errorf("invalid timestamp %q: %w", value, err)
	}
	b := storage.Bookmark{Stream: stream, ReplicationKey: key, Value: t.UTC()}
	if err := store.SetBookmark(b); err != nil {
		return storage.Bookmark{}, err
	}
	return b, nil
}

func printRuns(w io.Writer, runs []storage.SyncRun) {
	if len(runs) == 0 {
		fmt.Fprintln(w, "No sync runs recorded.")
		return
	}
	for _, r := range runs {
		status := r.Status
		switch r.Status {
		case storage.RunCompleted:
			status = colorize(colorGreen, r.Status)
		case storage.RunFailed:
			status = colorize(colorRed, r.Status)
		}
		fmt.Fprintf(w, "%s  %s  %-9s  %s\n", r.StartedAt.Local().Format(time.DateTime), r.ID, status, formatCounts(r.Records))
		if r.LastError != "" {
			fmt.Fprintf(w, "    %s\n", r.LastError)
		}
	}
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(false)
		if err != nil {
			return err
		}

		printStatus("file", "%s", config.ConfigFilePath())
		printStatus("secrets", "%s", config.SecretsFilePath())
		for _, k := range config.ShowAll(cfg) {
			fmt.Printf("  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long: `Set a configuration value. api.key and api.password are written to the
secrets file, every other key to the config file.

Examples:
  claritap config set api.key abc123
  claritap config set sync.start_date 2024-01-01T00:00:00Z`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		shown := value
		if config.IsSecret(key) {
			shown = "(secret)"
		}
		printSuccess("Set %s = %s", key, shown)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}
