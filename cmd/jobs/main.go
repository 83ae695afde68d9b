// Command jobs runs the wiki's batch maintenance jobs: stale page regeneration, cache warming,
// fetch cache clearing and quality evaluation.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/refwiki/backend/internal/app"
	"github.com/refwiki/backend/internal/cache"
	"github.com/refwiki/backend/pkg/config"
	appLogger "github.com/refwiki/backend/pkg/logger"
)

// errBatchFailed makes the process exit non-zero after the summary is printed.
var errBatchFailed = errors.New("one or more items failed")

type runner struct {
	configPath string
	out        io.Writer
	// open builds the application; replaced in tests.
	open func(ctx context.Context, cfg *config.Config) (*app.App, error)
}

func main() {
	r := &runner{out: os.Stdout, open: app.New}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := r.rootCommand().ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}

func (r *runner) rootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:          "jobs",
		Short:        "Reference wiki maintenance jobs",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&r.configPath, "config", "", "path to config file")

	root.AddCommand(r.regenerateCommand(), r.warmCommand(), r.clearFetchCacheCommand(), r.evaluateCommand())
	return root
}

func (r *runner) regenerateCommand() *cobra.Command {
	var opts cache.RegenerateOptions

	cmd := &cobra.Command{
		Use:   "regenerate-stale",
		Short: "Regenerate expired pages, most viewed first",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return r.withApp(cmd.Context(), nil, func(ctx context.Context, a *app.App) error {
				summary, err := a.Regenerator.RegenerateStale(ctx, opts)
				if err != nil {
					return err
				}
				return r.report(summary)
			})
		},
	}
	cmd.Flags().IntVar(&opts.MaxPages, "max-pages", 0, "maximum pages to regenerate (default: configured batch size)")
	cmd.Flags().BoolVar(&opts.DryRun, "dry-run", false, "list the pages without regenerating them")
	return cmd
}

func (r *runner) warmCommand() *cobra.Command {
	var (
		opts     cache.WarmOptions
		delaySec int
	)

	cmd := &cobra.Command{
		Use:   "warm-cache",
		Short: "Generate pages for popular topics ahead of demand",
		RunE: func(cmd *cobra.Command, _ []string) error {
			override := func(cfg *config.Config) {
				if delaySec >= 0 {
					cfg.Cache.RegenerationDelaySec = delaySec
				}
			}
			return r.withApp(cmd.Context(), override, func(ctx context.Context, a *app.App) error {
				summary, err := a.Warmer.Warm(ctx, opts)
				if err != nil {
					return err
				}
				return r.report(summary)
			})
		},
	}
	cmd.Flags().StringSliceVar(&opts.Topics, "topics", nil, "comma-separated topics (default: configured warm topics)")
	cmd.Flags().BoolVar(&opts.SkipExisting, "skip-existing", true, "skip topics that already have a page")
	cmd.Flags().IntVar(&delaySec, "delay", -1, "seconds between generations (default: configured delay)")
	cmd.Flags().IntVar(&opts.MaxTopics, "max-topics", 0, "maximum topics to warm")
	cmd.Flags().BoolVar(&opts.DryRun, "dry-run", false, "list the topics without generating")
	cmd.Flags().BoolVar(&opts.IncludePopular, "include-popular", false, "also warm frequently mentioned topics that have no page")
	return cmd
}

func (r *runner) clearFetchCacheCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "clear-fetch-cache",
		Short: "Drop cached pages fetched from augmentation sources",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return r.withApp(cmd.Context(), nil, func(ctx context.Context, a *app.App) error {
				if a.Redis == nil {
					return errors.New("redis is not enabled; the in-process fetch cache needs no clearing")
				}
				n, err := a.Redis.ClearFetchCache(ctx)
				if err != nil {
					return err
				}
				return r.print(map[string]int{"cleared": n})
			})
		},
	}
}

func (r *runner) evaluateCommand() *cobra.Command {
	var all bool

	cmd := &cobra.Command{
		Use:   "evaluate [slug...]",
		Short: "Grade pages on accuracy, completeness, clarity, relevance and source use",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 && !all {
				return errors.New("pass page slugs or --all")
			}
			return r.withApp(cmd.Context(), nil, func(ctx context.Context, a *app.App) error {
				slugs := args
				if all {
					var err error
					if slugs, err = a.Store.ListSlugs(ctx); err != nil {
						return err
					}
				}
				report, err := a.Evaluator.EvaluatePages(ctx, slugs)
				if err != nil {
					return err
				}
				if err := r.print(report); err != nil {
					return err
				}
				if report.Failed > 0 {
					return errBatchFailed
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "evaluate every stored page")
	return cmd
}

func (r *runner) withApp(ctx context.Context, override func(*config.Config), fn func(context.Context, *app.App) error) error {
	cfg, err := config.LoadFile(r.configPath)
	if err != nil {
		return err
	}
	if override != nil {
		override(cfg)
	}

	if err := appLogger.Init(cfg.Logging.Level, cfg.Logging.Format, "stderr"); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer appLogger.Sync()

	a, err := r.open(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			appLogger.Warn("Failed to close application", zap.Error(err))
		}
	}()

	return fn(ctx, a)
}

// report prints the summary and fails when a live run had failed items.
func (r *runner) report(summary *cache.BatchSummary) error {
	if err := r.print(summary); err != nil {
		return err
	}
	if summary.HasFailures() {
		return errBatchFailed
	}
	return nil
}

func (r *runner) print(v interface{}) error {
	enc := json.NewEncoder(r.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
