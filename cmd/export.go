// Package cmd provides the offline export CLI. It opens the local database
// directly, so it must not run while the server holds the write connection
// for anything but WAL reads.
package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"threatcloud/config"
	"threatcloud/feed"
	"threatcloud/storage"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	successColor = color.New(color.FgGreen, color.Bold)
	errorColor   = color.New(color.FgRed, color.Bold)
	infoColor    = color.New(color.FgCyan)
)

var (
	outputJSON    bool
	noColor       bool
	minReputation float64
	sinceFlag     string
)

const defaultTimeout = 2 * time.Minute

// NewExportCmd creates the root export command with all subcommands.
func NewExportCmd() *cobra.Command {
	exportCmd := &cobra.Command{
		Use:   "export",
		Short: "Export feeds from the local database",
		Long: `Export egress projections directly from the local database without
starting the server: the plain-text blocklist, the JSON indicator feed, or an
agent update bundle.`,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if noColor {
				color.NoColor = true
			}
		},
	}

	exportCmd.PersistentFlags().BoolVar(&outputJSON, "json", false, "Output JSON instead of formatted text")
	exportCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "Disable colored output")
	exportCmd.PersistentFlags().Float64Var(&minReputation, "min-reputation", 0, "Minimum reputation score (0 uses the configured default)")

	exportCmd.AddCommand(newBlocklistCmd())
	exportCmd.AddCommand(newIoCsCmd())
	exportCmd.AddCommand(newBundleCmd())
	return exportCmd
}

// openDistributor loads config and builds a distributor over the local store.
func openDistributor(ctx context.Context) (*feed.Distributor, *storage.SQLite, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	logger := zap.NewNop().Sugar()
	sqlite, err := storage.NewSQLite(cfg.DataPaths.SQLitePath, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open database: %w", err)
	}

	distributor := feed.NewDistributor(
		storage.NewSQLiteIndicatorStorage(sqlite, logger),
		storage.NewSQLiteRuleStorage(sqlite, logger),
		feed.Params{
			MinReputation:       cfg.Feeds.MinReputation,
			CacheTTL:            cfg.Feeds.CacheTTL,
			BlocklistMaxEntries: cfg.Feeds.BlocklistMaxEntries,
		},
		logger,
	)
	return distributor, sqlite, nil
}

func newBlocklistCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "blocklist",
		Short: "Print the plain-text blocklist",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), defaultTimeout)
			defer cancel()

			distributor, sqlite, err := openDistributor(ctx)
			if err != nil {
				return err
			}
			defer sqlite.Close()

			blocklist, err := distributor.Blocklist(ctx, minReputation)
			if err != nil {
				errorColor.Fprintln(os.Stderr, "Blocklist export failed")
				return err
			}
			fmt.Print(blocklist)
			return nil
		},
	}
}

func newIoCsCmd() *cobra.Command {
	var limit, offset int

	iocsCmd := &cobra.Command{
		Use:   "iocs",
		Short: "Print one page of the indicator feed",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), defaultTimeout)
			defer cancel()

			distributor, sqlite, err := openDistributor(ctx)
			if err != nil {
				return err
			}
			defer sqlite.Close()

			updatedSince, err := parseSinceFlag()
			if err != nil {
				return err
			}

			page, err := distributor.IoCFeed(ctx, minReputation, updatedSince, limit, offset)
			if err != nil {
				errorColor.Fprintln(os.Stderr, "Indicator export failed")
				return err
			}

			if outputJSON {
				return json.NewEncoder(os.Stdout).Encode(page)
			}

			infoColor.Printf("Indicators (%d, has_more=%t):\n", page.Count, page.HasMore)
			for _, rec := range page.Indicators {
				fmt.Printf("  %-8s %-45s score=%-6.1f sightings=%-5d last_seen=%s\n",
					rec.Type, rec.Normalized, rec.ReputationScore, rec.Sightings,
					rec.LastSeen.Format(time.RFC3339))
			}
			return nil
		},
	}
	iocsCmd.Flags().IntVar(&limit, "limit", 100, "Page size")
	iocsCmd.Flags().IntVar(&offset, "offset", 0, "Page offset")
	iocsCmd.Flags().StringVar(&sinceFlag, "updated-since", "", "Only indicators updated at or after this RFC3339 time")
	return iocsCmd
}

func newBundleCmd() *cobra.Command {
	bundleCmd := &cobra.Command{
		Use:   "bundle",
		Short: "Print an agent update bundle",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), defaultTimeout)
			defer cancel()

			distributor, sqlite, err := openDistributor(ctx)
			if err != nil {
				return err
			}
			defer sqlite.Close()

			since := time.Time{}
			if updatedSince, err := parseSinceFlag(); err != nil {
				return err
			} else if updatedSince != nil {
				since = *updatedSince
			}

			bundle, err := distributor.BuildAgentBundle(ctx, since)
			if err != nil {
				errorColor.Fprintln(os.Stderr, "Bundle export failed")
				return err
			}

			if outputJSON {
				return json.NewEncoder(os.Stdout).Encode(bundle)
			}

			successColor.Printf("Bundle generated at %s\n", bundle.GeneratedAt.Format(time.RFC3339))
			infoColor.Printf("  rules: %d\n  indicators: %d\n", bundle.RuleCount, bundle.IoCCount)
			return nil
		},
	}
	bundleCmd.Flags().StringVar(&sinceFlag, "since", "", "Bundle everything published at or after this RFC3339 time")
	return bundleCmd
}

func parseSinceFlag() (*time.Time, error) {
	if sinceFlag == "" {
		return nil, nil
	}
	ts, err := time.Parse(time.RFC3339, sinceFlag)
	if err != nil {
		return nil, fmt.Errorf("invalid time %q: must be RFC3339", sinceFlag)
	}
	return &ts, nil
}
