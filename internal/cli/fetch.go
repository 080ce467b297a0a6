package cli

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"stacktap/internal/archive"
	"stacktap/internal/config"
	"stacktap/internal/logging"
	"stacktap/internal/output"
	"stacktap/internal/stackexchange"
	"stacktap/internal/transport"
)

var (
	fetchSite          string
	fetchTagged        string
	fetchCategory      string
	fetchSince         string
	fetchPageSize      int
	fetchOutput        string
	fetchFormat        string
	fetchArchive       bool
	fetchFromArchive   bool
	fetchArchivedSince string
)

var fetchCmd = &cobra.Command{
	Use:   "fetch",
	Short: "Harvest question records from a StackExchange site",
	RunE:  fetchAction,
}

func init() {
	fetchCmd.Flags().StringVar(&fetchSite, "site", "", "site to harvest (overrides config)")
	fetchCmd.Flags().StringVar(&fetchTagged, "tagged", "", "semicolon-separated tags to filter by (overrides config)")
	fetchCmd.Flags().StringVar(&fetchCategory, "category", "", `category of items to fetch (only "question")`)
	fetchCmd.Flags().StringVar(&fetchSince, "since", "", "only questions updated at or after this time (RFC 3339 or YYYY-MM-DD)")
	fetchCmd.Flags().IntVar(&fetchPageSize, "page-size", 0, "questions per page, up to 100 (overrides config)")
	fetchCmd.Flags().StringVar(&fetchOutput, "output", "", "destination file, - for stdout (overrides config)")
	fetchCmd.Flags().StringVar(&fetchFormat, "format", "", "output format: jsonl, json (overrides config)")
	fetchCmd.Flags().BoolVar(&fetchArchive, "archive", false, "record fetched pages into a new archive session")
	fetchCmd.Flags().BoolVar(&fetchFromArchive, "from-archive", false, "replay recorded sessions instead of calling the API")
	fetchCmd.Flags().StringVar(&fetchArchivedSince, "archived-since", "", "with --from-archive, only sessions created at or after this time")
	rootCmd.AddCommand(fetchCmd)
}

func fetchAction(cmd *cobra.Command, _ []string) error {
	if fetchArchive && fetchFromArchive {
		return errors.New("--archive and --from-archive are mutually exclusive")
	}

	cfg, err := config.Load(configDir)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	applyFetchFlags(cfg)

	log, err := logging.New(cfg.Log.Level)
	if err != nil {
		return fmt.Errorf("set up logging: %w", err)
	}
	defer func() { _ = log.Sync() }()

	since, err := parseSince(fetchSince)
	if err != nil {
		return fmt.Errorf("parse --since: %w", err)
	}

	dest, err := output.Open(cfg.Output.Path)
	if err != nil {
		return err
	}
	defer func() { _ = dest.Close() }()

	enc, err := output.NewEncoder(dest, cfg.Output.Format)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	if fetchFromArchive {
		err = replayFetch(ctx, cfg, log, enc)
	} else {
		err = liveFetch(ctx, cfg, log, enc, since)
	}
	if err != nil {
		return err
	}

	if err := enc.Close(); err != nil {
		return fmt.Errorf("finish output: %w", err)
	}
	return nil
}

// applyFetchFlags lets command-line flags override the loaded config.
func applyFetchFlags(cfg *config.Config) {
	if fetchSite != "" {
		cfg.Source.Site = fetchSite
	}
	if fetchTagged != "" {
		cfg.Source.Tagged = fetchTagged
	}
	if fetchPageSize > 0 {
		cfg.Source.PageSize = fetchPageSize
	}
	if fetchOutput != "" {
		cfg.Output.Path = fetchOutput
	}
	if fetchFormat != "" {
		cfg.Output.Format = fetchFormat
	}
}

// newLiveGetter builds the network transport for a live fetch. It is a
// variable so tests can substitute a canned getter.
var newLiveGetter = func(cfg *config.Config) transport.Getter {
	return newTransport(cfg)
}

func liveFetch(ctx context.Context, cfg *config.Config, log *zap.Logger, enc output.Encoder, since time.Time) error {
	getter := newLiveGetter(cfg)

	category := fetchCategory
	if category == "" {
		category = stackexchange.CategoryQuestion
	}

	if fetchArchive {
		manager, err := archive.NewManager(cfg.Archive.Root)
		if err != nil {
			return fmt.Errorf("open archive root: %w", err)
		}
		arc, err := manager.NewArchive()
		if err != nil {
			return fmt.Errorf("create archive: %w", err)
		}
		defer func() { _ = arc.Close() }()

		meta := archive.Metadata{
			Origin:         cfg.Source.Site,
			BackendName:    stackexchange.BackendName,
			BackendVersion: stackexchange.BackendVersion,
			Category:       category,
			Tagged:         cfg.Source.Tagged,
			Tag:            cfg.Source.Tag,
			PageSize:       cfg.Source.PageSize,
			Since:          since,
			CreatedAt:      time.Now().UTC(),
		}
		if err := arc.WriteMetadata(ctx, meta); err != nil {
			return fmt.Errorf("write archive metadata: %w", err)
		}

		getter = transport.NewRecorder(getter, arc, stackexchange.SanitizeArchive)
		log.Info("recording pages", zap.String("archive", arc.Path()))
	}

	backend, err := stackexchange.NewBackend(stackexchange.Params{
		Site:        cfg.Source.Site,
		Tagged:      cfg.Source.Tagged,
		Key:         cfg.Source.Key,
		AccessToken: cfg.Source.AccessToken,
		PageSize:    cfg.Source.PageSize,
		Tag:         cfg.Source.Tag,
	}, getter, log)
	if err != nil {
		return err
	}

	items, err := backend.Fetch(ctx, category, since)
	if err != nil {
		return err
	}

	n := 0
	for items.Next() {
		if err := enc.Encode(items.Record()); err != nil {
			return fmt.Errorf("write record: %w", err)
		}
		n++
	}
	if err := items.Err(); err != nil {
		return err
	}

	log.Info("fetch complete",
		zap.String("site", cfg.Source.Site),
		zap.Int("records", n))
	return nil
}

func replayFetch(ctx context.Context, cfg *config.Config, log *zap.Logger, enc output.Encoder) error {
	manager, err := archive.NewManager(cfg.Archive.Root)
	if err != nil {
		return fmt.Errorf("open archive root: %w", err)
	}

	after, err := parseSince(fetchArchivedSince)
	if err != nil {
		return fmt.Errorf("parse --archived-since: %w", err)
	}

	paths, err := manager.Search(ctx, cfg.Source.Site, fetchCategory, after)
	if err != nil {
		log.Warn("some archives were skipped", zap.Error(err))
	}
	if len(paths) == 0 {
		return errors.New("no matching archive sessions; run fetch --archive first")
	}

	total := 0
	for _, path := range paths {
		n, err := replaySession(ctx, path, log, enc)
		if err != nil {
			return fmt.Errorf("replay %s: %w", path, err)
		}
		total += n
	}

	log.Info("replay complete",
		zap.Int("records", total),
		zap.Int("sessions", len(paths)))
	return nil
}

func replaySession(ctx context.Context, path string, log *zap.Logger, enc output.Encoder) (n int, err error) {
	arc, err := archive.Open(path)
	if err != nil {
		return 0, err
	}
	defer func() { err = multierr.Append(err, arc.Close()) }()

	meta, err := arc.Metadata(ctx)
	if err != nil {
		return 0, err
	}

	// The session descriptor rebuilds the exact queries that were
	// recorded, minus credentials, so replay needs no key or token.
	backend, err := stackexchange.NewBackend(stackexchange.Params{
		Site:     meta.Origin,
		Tagged:   meta.Tagged,
		PageSize: meta.PageSize,
		Tag:      meta.Tag,
	}, transport.NewReplayer(arc, stackexchange.SanitizeArchive), log)
	if err != nil {
		return 0, err
	}

	items, err := backend.Fetch(ctx, meta.Category, meta.Since)
	if err != nil {
		return 0, err
	}
	for items.Next() {
		if err := enc.Encode(items.Record()); err != nil {
			return n, fmt.Errorf("write record: %w", err)
		}
		n++
	}
	return n, items.Err()
}

func newTransport(cfg *config.Config) *transport.Client {
	opts := []transport.Option{
		transport.WithTimeout(cfg.HTTP.Timeout.Duration),
		transport.WithRetries(cfg.HTTP.Retries),
	}
	if cfg.HTTP.UserAgent != "" {
		opts = append(opts, transport.WithUserAgent(cfg.HTTP.UserAgent))
	}
	if cfg.HTTP.InsecureSkipVerify {
		opts = append(opts, transport.WithInsecureTLS())
	}
	return transport.NewClient(opts...)
}

// parseSince accepts RFC 3339 timestamps or bare dates. An empty value
// means no lower bound.
func parseSince(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return time.Time{}, fmt.Errorf("%q is not RFC 3339 or YYYY-MM-DD", s)
	}
	return t, nil
}
