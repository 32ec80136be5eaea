// Package cli wires the ingestion pipeline behind the ingestd command.
package cli

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/spreadeagle/ingest-core/internal/config"
	"github.com/spreadeagle/ingest-core/internal/dataset"
	"github.com/spreadeagle/ingest-core/internal/manifest"
	"github.com/spreadeagle/ingest-core/internal/merge"
	"github.com/spreadeagle/ingest-core/internal/orchestrate"
	"github.com/spreadeagle/ingest-core/internal/plan"
	"github.com/spreadeagle/ingest-core/internal/source"
	"github.com/spreadeagle/ingest-core/internal/store/object"
	"github.com/spreadeagle/ingest-core/pkg/snapshot"
	"github.com/spreadeagle/ingest-core/pkg/staging"
)

// NewRootCommand builds the ingestd command tree.
func NewRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "ingestd",
		Short:         "Incremental sports-data ingestion service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newRunCommand())
	root.AddCommand(newDatasetsCommand())
	root.AddCommand(newPlanCommand())
	return root
}

func newRunCommand() *cobra.Command {
	var (
		mode            string
		datasets        []string
		continueOnError bool
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Execute an ingestion run",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := config.Load()
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			runner, cleanup, err := buildRunner(ctx, cfg)
			if err != nil {
				return err
			}
			defer cleanup()

			summary, err := runner.Run(ctx, orchestrate.Options{
				Mode:            orchestrate.Mode(mode),
				Datasets:        datasets,
				ContinueOnError: continueOnError,
			})
			if err != nil {
				return err
			}
			printSummary(cmd, summary)
			if summary.Status == orchestrate.StatusFailed {
				return fmt.Errorf("run %s failed", summary.RunID)
			}
			if summary.Status == orchestrate.StatusPartial {
				return fmt.Errorf("run %s completed with failures", summary.RunID)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&mode, "mode", string(orchestrate.ModeIncremental), "run mode: full or incremental")
	cmd.Flags().StringSliceVar(&datasets, "datasets", nil, "restrict the run to these datasets")
	cmd.Flags().BoolVar(&continueOnError, "continue-on-error", true, "keep pulling remaining datasets after a failure")
	return cmd
}

func newDatasetsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "datasets",
		Short: "List the dataset catalog",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := config.Load()
			catalog, err := dataset.LoadCatalog(cfg.CatalogPath)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tRANK\tSTRATEGY\tENDPOINT\tKEY")
			for _, ds := range dataset.Order(catalog) {
				fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%v\n", ds.Name, ds.Rank, ds.Strategy, ds.Endpoint, ds.NaturalKey)
			}
			return w.Flush()
		},
	}
}

func newPlanCommand() *cobra.Command {
	var (
		mode   string
		season int
	)
	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Show the extraction windows a run would use",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := config.Load()
			now := time.Now().UTC()

			var windows []plan.Window
			switch orchestrate.Mode(mode) {
			case orchestrate.ModeIncremental:
				windows = []plan.Window{plan.RollingWindow(now, cfg.IncrementalDays)}
			case orchestrate.ModeFull:
				first := cfg.StartSeason
				last := plan.SeasonOf(now)
				if season > 0 {
					first, last = season, season
				}
				for s := first; s <= last; s++ {
					windows = append(windows, plan.SeasonWindows(s)...)
				}
			default:
				return fmt.Errorf("unknown mode %q", mode)
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "WINDOW\tSEASONS")
			for _, win := range windows {
				fmt.Fprintf(w, "%s\t%v\n", win, plan.Seasons(win))
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVar(&mode, "mode", string(orchestrate.ModeIncremental), "run mode: full or incremental")
	cmd.Flags().IntVar(&season, "season", 0, "limit a full plan to one season")
	return cmd
}

// buildRunner assembles the pipeline from config. The cleanup closes the
// database pool.
func buildRunner(ctx context.Context, cfg *config.Config) (*orchestrate.Runner, func(), error) {
	if cfg.DatabaseURL == "" {
		return nil, nil, fmt.Errorf("INGEST_DATABASE_URL is required")
	}
	if cfg.APIKey == "" {
		return nil, nil, fmt.Errorf("INGEST_API_KEY is required")
	}

	catalog, err := dataset.LoadCatalog(cfg.CatalogPath)
	if err != nil {
		return nil, nil, err
	}

	retry := source.DefaultRetryPolicy()
	retry.MaxAttempts = cfg.MaxAttempts
	retry.RetryDelay = cfg.RetryDelay
	client := source.NewClient(&source.ClientConfig{
		BaseURL: cfg.APIBaseURL,
		Auth:    source.BearerToken{Token: cfg.APIKey},
		Timeout: cfg.RequestTimeout,
		Pacing:  cfg.RateLimitDelay,
		Retry:   retry,
	})

	pool, err := merge.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}
	engine := merge.NewEngine(merge.NewPostgresStore(pool, cfg.RawSchema, cfg.StageSchema))

	objStore, err := buildObjectStore(cfg)
	if err != nil {
		pool.Close()
		return nil, nil, err
	}
	if err := objStore.EnsureBucket(ctx, cfg.ObjectBucket); err != nil {
		pool.Close()
		return nil, nil, err
	}
	archive := snapshot.NewArchive(objStore, cfg.ObjectBucket, cfg.SnapshotPrefix)
	recorder := manifest.NewRecorder(archive)

	registry := staging.NewRegistry(
		staging.NewMemoryProvider(0),
		staging.NewObjectStoreProvider(""),
	)
	provider, err := registry.SelectProvider(cfg.StagingProvider, 0, 0)
	if err != nil {
		pool.Close()
		return nil, nil, err
	}
	runner := orchestrate.NewRunner(cfg, catalog, client, provider, archive, engine, recorder)
	return runner, pool.Close, nil
}

func buildObjectStore(cfg *config.Config) (object.Store, error) {
	if cfg.ObjectEndpoint == "" {
		log.Printf("[cli] MINIO_ENDPOINT not set, archiving snapshots to local disk")
		return object.NewLocalStore(""), nil
	}
	return object.NewS3Store(&object.S3Config{
		EndpointURL:     cfg.ObjectEndpoint,
		AccessKeyID:     cfg.ObjectAccessKey,
		SecretAccessKey: cfg.ObjectSecretKey,
		UseSSL:          cfg.ObjectUseSSL,
	})
}

func printSummary(cmd *cobra.Command, s *orchestrate.Summary) {
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "DATASET\tSTATE\tRECORDS\tDROPPED\tMERGED\tERRORS")
	for _, o := range s.Outcomes {
		fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%d\t%d\n", o.Dataset, o.State, o.Records, o.Dropped, o.Merged, len(o.Errors))
	}
	w.Flush()
	fmt.Fprintf(cmd.OutOrStdout(), "\nrun %s: %s, %d records in %s\n", s.RunID, s.Status, s.RecordCount, s.Duration.Round(time.Millisecond))
	for _, e := range s.Errors {
		fmt.Fprintf(cmd.ErrOrStderr(), "error: %s\n", e)
	}
}
