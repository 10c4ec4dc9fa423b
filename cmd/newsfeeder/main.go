// Command newsfeeder runs the feed ingestion daemon and its management CLI.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"newsfeeder/internal/config"
	"newsfeeder/internal/database"
	"newsfeeder/internal/extract"
	"newsfeeder/internal/fetch"
	"newsfeeder/internal/ingest"
	"newsfeeder/internal/model"
	"newsfeeder/internal/opml"
	"newsfeeder/internal/scheduler"
	"newsfeeder/internal/server"
)

const usage = `Usage: newsfeeder <command> [options]

Commands:
  serve                 run the HTTP API and the polling scheduler
  run                   run one ingestion cycle and exit
  add-source            register a source
  add-feed              register a feed under a source
  feeds                 list registered feeds
  activate              activate a feed
  deactivate            deactivate a feed
  import-opml           import feeds from an OPML file
`

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	cfg, err := config.Load()
	if err != nil {
		logger.Error("loading configuration failed", "error", err)
		os.Exit(1)
	}

	store, err := openStore(cfg)
	if err != nil {
		logger.Error("opening database failed", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	args := os.Args[2:]
	switch os.Args[1] {
	case "serve":
		err = cmdServe(ctx, cfg, store, logger)
	case "run":
		err = cmdRun(ctx, cfg, store, logger, args)
	case "add-source":
		err = cmdAddSource(ctx, store, args)
	case "add-feed":
		err = cmdAddFeed(ctx, store, args)
	case "feeds":
		err = cmdFeeds(ctx, store)
	case "activate":
		err = cmdSetActive(ctx, store, args, true)
	case "deactivate":
		err = cmdSetActive(ctx, store, args, false)
	case "import-opml":
		err = cmdImportOPML(ctx, store, args)
	default:
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	if err != nil {
		logger.Error("command failed", "command", os.Args[1], "error", err)
		os.Exit(1)
	}
}

func openStore(cfg *config.Config) (database.Store, error) {
	if cfg.DatabaseURL != "" {
		return database.NewPostgres(cfg.DatabaseURL)
	}
	return database.New(cfg.SQLitePath)
}

func buildIngestor(cfg *config.Config, store database.Store, logger *slog.Logger) *ingest.Ingestor {
	fetcher := fetch.New(cfg.FetchTimeout, logger)
	var recognizer extract.Recognizer
	if cfg.ExtractionEnabled() {
		recognizer = extract.NewHTTPRecognizer(cfg.ExtractionURL, cfg.ExtractionAPIKey, cfg.ExtractionRate, cfg.FetchTimeout)
	} else {
		logger.Info("entity extraction disabled; items will be marked skipped")
	}
	dispatcher := extract.NewDispatcher(store, recognizer, cfg.ExtractionRetries, logger)
	return ingest.New(store, fetcher, dispatcher, cfg.Concurrency, logger)
}

func cmdServe(ctx context.Context, cfg *config.Config, store database.Store, logger *slog.Logger) error {
	ingestor := buildIngestor(cfg, store, logger)
	sched := scheduler.New(ingestor, cfg.PollInterval, logger)
	sched.Start(ctx)
	defer sched.Stop()

	srv := server.New(store, sched, logger)
	httpSrv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", "addr", cfg.ListenAddr, "database", store.DatabaseType())
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpSrv.Shutdown(shutdownCtx)
}

func cmdRun(ctx context.Context, cfg *config.Config, store database.Store, logger *slog.Logger, args []string) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	feedID := fs.Int64("feed", 0, "run only this feed")
	source := fs.String("source", "", "run only feeds of this source slug")
	fs.Parse(args)

	ingestor := buildIngestor(cfg, store, logger)
	summary, err := ingestor.RunCycle(ctx, ingest.Scope{FeedID: *feedID, SourceSlug: *source})
	if err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(summary)
}

func cmdAddSource(ctx context.Context, store database.Store, args []string) error {
	fs := flag.NewFlagSet("add-source", flag.ExitOnError)
	name := fs.String("name", "", "source name (required)")
	desc := fs.String("desc", "", "source description")
	url := fs.String("url", "", "source homepage url")
	fs.Parse(args)
	if *name == "" {
		return errors.New("-name is required")
	}

	source, err := store.CreateSource(ctx, *name, *desc, *url)
	if err != nil {
		return err
	}
	fmt.Printf("created source %d (%s)\n", source.ID, source.Slug)
	return nil
}

func cmdAddFeed(ctx context.Context, store database.Store, args []string) error {
	fs := flag.NewFlagSet("add-feed", flag.ExitOnError)
	sourceSlug := fs.String("source", "", "source slug (required)")
	name := fs.String("name", "", "feed name (required)")
	desc := fs.String("desc", "", "feed description")
	url := fs.String("url", "", "feed url (required)")
	format := fs.String("format", "rss", "feed format: rss or atom")
	fs.Parse(args)
	if *sourceSlug == "" || *name == "" || *url == "" {
		return errors.New("-source, -name and -url are required")
	}
	ff := model.FeedFormat(*format)
	if !ff.Valid() {
		return fmt.Errorf("unknown format %q", *format)
	}

	source, err := store.GetSourceBySlug(ctx, *sourceSlug)
	if err != nil {
		return err
	}
	feed, err := store.CreateFeed(ctx, source.ID, *name, *desc, *url, ff)
	if err != nil {
		return err
	}
	fmt.Printf("created feed %d (%s)\n", feed.ID, feed.Slug)
	return nil
}

func cmdFeeds(ctx context.Context, store database.Store) error {
	feeds, err := store.ListFeeds(ctx)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tACTIVE\tFORMAT\tLAST POLLED\tURL")
	for _, f := range feeds {
		polled := "never"
		if !f.LastPolled.IsZero() {
			polled = f.LastPolled.Format(time.RFC3339)
		}
		fmt.Fprintf(w, "%d\t%t\t%s\t%s\t%s\n", f.ID, f.Active, f.Format, polled, f.URL)
	}
	return w.Flush()
}

func cmdSetActive(ctx context.Context, store database.Store, args []string, active bool) error {
	name := "deactivate"
	if active {
		name = "activate"
	}
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	feedID := fs.Int64("feed", 0, "feed id (required)")
	fs.Parse(args)
	if *feedID == 0 {
		return errors.New("-feed is required")
	}

	if err := store.SetFeedActive(ctx, *feedID, active); err != nil {
		return err
	}
	fmt.Printf("feed %d %sd\n", *feedID, name)
	return nil
}

func cmdImportOPML(ctx context.Context, store database.Store, args []string) error {
	fs := flag.NewFlagSet("import-opml", flag.ExitOnError)
	path := fs.String("file", "", "opml file to import (required)")
	fs.Parse(args)
	if *path == "" {
		return errors.New("-file is required")
	}

	f, err := os.Open(*path)
	if err != nil {
		return err
	}
	defer f.Close()

	entries, err := opml.Parse(f)
	if err != nil {
		return err
	}

	imported := 0
	for _, entry := range entries {
		sourceName := entry.Source
		if sourceName == "" {
			sourceName = "Imported"
		}
		source, err := store.GetSourceBySlug(ctx, database.Slugify(sourceName))
		if errors.Is(err, database.ErrNotFound) {
			source, err = store.CreateSource(ctx, sourceName, "", "")
		}
		if err != nil {
			return err
		}

		_, err = store.CreateFeed(ctx, source.ID, entry.Title, "", entry.URL, model.FeedFormat(entry.Format))
		if errors.Is(err, database.ErrDuplicateFeed) {
			continue
		}
		if err != nil {
			return err
		}
		imported++
	}
	fmt.Printf("imported %d of %d feeds\n", imported, len(entries))
	return nil
}
