package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"purgectl/internal/purgectl"
)

var errPurgeFailed = errors.New("one or more purges failed")

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

type rootOptions struct {
	configPath string
	proxyURL   string
	logLevel   string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "purgectl",
		Short:         "Invalidate cached objects on a caching reverse proxy",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&opts.configPath, "config", getenvDefault("PURGECTL_CONFIG", "purgectl.yaml"), "path to purgectl.yaml or .toml")
	cmd.PersistentFlags().StringVar(&opts.proxyURL, "proxy", "", "override proxy.url")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "override logging.level")

	cmd.AddCommand(newPurgeCmd(opts), newSitemapCmd(opts), newHistoryCmd(opts))
	return cmd
}

// loadConfig layers LOG_LEVEL and then the command line flags over the
// config file before normalizing it.
func (o *rootOptions) loadConfig() (purgectl.Config, error) {
	cfg, err := purgectl.ReadConfig(o.configPath)
	if err != nil {
		return purgectl.Config{}, errors.Wrap(err, "load config")
	}
	if env := os.Getenv("LOG_LEVEL"); env != "" {
		cfg.Logging.Level = env
	}
	if o.logLevel != "" {
		cfg.Logging.Level = o.logLevel
	}
	if o.proxyURL != "" {
		cfg.Proxy.URL = o.proxyURL
	}
	if err := cfg.Normalize(); err != nil {
		return purgectl.Config{}, errors.Wrap(err, "load config")
	}
	return cfg, nil
}

// setup loads the config and builds the logger and client shared by the
// purge commands.
func (o *rootOptions) setup() (*purgectl.Client, *zap.Logger, error) {
	cfg, err := o.loadConfig()
	if err != nil {
		return nil, nil, err
	}
	logger, err := purgectl.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		return nil, nil, err
	}
	client, err := purgectl.NewClient(cfg, purgectl.WithLogger(logger))
	if err != nil {
		_ = logger.Sync()
		return nil, nil, errors.Wrap(err, "init client")
	}
	return client, logger, nil
}

func newPurgeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "purge <url-or-pattern>...",
		Short: "Purge URLs or ban path patterns",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, logger, err := opts.setup()
			if err != nil {
				return report(cmd, err)
			}
			defer logger.Sync() //nolint:errcheck
			defer client.Close()

			results := client.PurgeAll(cmd.Context(), args)
			return report(cmd, printResults(cmd.OutOrStdout(), results))
		},
	}
}

func newSitemapCmd(opts *rootOptions) *cobra.Command {
	var (
		dryRun  bool
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "sitemap <sitemap-url>",
		Short: "Purge every URL listed in a sitemap",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, logger, err := opts.setup()
			if err != nil {
				return report(cmd, err)
			}
			defer logger.Sync() //nolint:errcheck
			defer client.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			urls, err := purgectl.ExpandSitemap(ctx, &http.Client{Timeout: 30 * time.Second}, args[0])
			cancel()
			if err != nil {
				return report(cmd, err)
			}
			logger.Info("sitemap expanded", zap.String("sitemap", args[0]), zap.Int("urls", len(urls)))

			if dryRun {
				for _, u := range urls {
					fmt.Fprintln(cmd.OutOrStdout(), u)
				}
				return nil
			}
			results := client.PurgeAll(cmd.Context(), urls)
			return report(cmd, printResults(cmd.OutOrStdout(), results))
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "list URLs without purging")
	cmd.Flags().DurationVar(&timeout, "fetch-timeout", 2*time.Minute, "overall time budget for fetching sitemaps")
	return cmd
}

func newHistoryCmd(opts *rootOptions) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent purges from the journal",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return report(cmd, err)
			}
			if cfg.Journal.Path == "" {
				return report(cmd, errors.New("journal.path is not configured"))
			}
			j, err := purgectl.OpenJournal(cfg.Journal.Path, cfg.JournalMaxBytes(), nil)
			if err != nil {
				return report(cmd, err)
			}
			defer j.Close()

			entries, err := j.List(limit)
			if err != nil {
				return report(cmd, err)
			}
			w := cmd.OutOrStdout()
			for _, e := range entries {
				state := "OK  "
				detail := fmt.Sprintf("%d", e.Status)
				if !e.OK {
					state = "FAIL"
					detail = e.Reason
				}
				fmt.Fprintf(w, "%s %s %s (%s, attempts=%d)\n",
					e.CompletedAt.Local().Format(time.RFC3339), state, e.Target, detail, e.Attempts)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "number of entries to show, 0 for all")
	return cmd
}

func printResults(w io.Writer, results []purgectl.Result) error {
	failed := 0
	for _, r := range results {
		if r.OK() {
			fmt.Fprintf(w, "OK   %s (status=%d, attempts=%d)\n", r.Target, r.Status, r.Attempts)
			continue
		}
		failed++
		fmt.Fprintf(w, "FAIL %s: %s\n", r.Target, r.Reason)
	}
	if failed > 0 {
		return errors.Wrapf(errPurgeFailed, "%d of %d", failed, len(results))
	}
	return nil
}

func report(cmd *cobra.Command, err error) error {
	if err != nil {
		fmt.Fprintf(cmd.ErrOrStderr(), "purgectl: %v\n", err)
	}
	return err
}

func getenvDefault(name, def string) string {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	return v
}
