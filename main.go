package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/grabbitd/grabbit/internal"
	"github.com/grabbitd/grabbit/internal/listing"
	"github.com/grabbitd/grabbit/pkg/logger"
	"github.com/mitchellh/go-homedir"
)

var log = logger.Get("Main")

func defaultConfigPath() string {
	home, err := homedir.Dir()
	if err != nil {
		return "config.yaml"
	}

	return filepath.Join(home, ".config", "grabbit", "config.yaml")
}

func main() {
	configPath := flag.String("config", defaultConfigPath(), "path to the YAML configuration file")
	setup := flag.Bool("setup", false, "write a starter configuration file and exit")
	urls := flag.String("urls", "", "comma-separated origin URLs to ingest directly")
	source := flag.String("source", "", "poll one source once (r/<subreddit> or u/<user>)")
	scrape := flag.Bool("scrape", false, "run a single scheduler pass over all eligible sources")
	loop := flag.Bool("loop", false, "run the scheduler loop until interrupted")
	checkDeleted := flag.String("check-deleted", "", "liveness-check ingested origins ('all' or a subreddit name)")
	flag.Parse()

	if *setup {
		if err := internal.WriteDefaultConfig(*configPath); err != nil {
			fmt.Fprintf(os.Stderr, "Setup failed: %v\n", err)
			os.Exit(1)
		}

		fmt.Printf("Wrote starter configuration to %s\n", *configPath)
		return
	}

	config := internal.GrabbitConfig{}
	if err := config.LoadFromFile(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\nRun with -setup to create a starter config.\n", err)
		os.Exit(1)
	}

	// The upstream listing client is injected here once one is available;
	// until then the listing-driven modes report ErrNoListingClient.
	var lister listing.Lister

	grabbit := internal.New(config, lister)
	if err := grabbit.Connect(); err != nil {
		log.Emit(logger.FATAL, "Failed to connect to database: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	switch {
	case *urls != "":
		result := grabbit.IngestURLs(ctx, splitURLs(*urls))
		log.Emit(logger.SUCCESS, "Ingested %d, failed %d\n", result.Ingested, result.Failed)
	case *source != "":
		sourceType, name, err := parseSource(*source)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			os.Exit(1)
		}

		ingested, err := grabbit.IngestSource(ctx, sourceType, name)
		if err != nil {
			log.Emit(logger.FATAL, "Failed to poll %s: %v\n", *source, err)
			os.Exit(1)
		}
		log.Emit(logger.SUCCESS, "Ingested %d items from %s\n", ingested, *source)
	case *scrape:
		summary, err := grabbit.RunSchedulerPass(ctx)
		if err != nil {
			log.Emit(logger.FATAL, "Scheduler pass failed: %v\n", err)
			os.Exit(1)
		}
		log.Emit(logger.SUCCESS, "Polled %d sources, ingested %d items (%d forbidden, %d backed off)\n",
			summary.Polled, summary.Ingested, len(summary.Forbidden), len(summary.BackedOff))
	case *checkDeleted != "":
		scope := *checkDeleted
		if scope == "all" {
			scope = ""
		}

		report, err := grabbit.CheckDeleted(ctx, scope)
		if err != nil {
			log.Emit(logger.FATAL, "Liveness check failed: %v\n", err)
			os.Exit(1)
		}
		log.Emit(logger.SUCCESS, "Probed %d origins, marked %d deleted\n", report.Probed, report.MarkedDeleted)
	case *loop:
		if err := grabbit.Run(ctx); err != nil {
			log.Emit(logger.FATAL, "Grabbit stopped: %v\n", err)
			os.Exit(1)
		}
	default:
		flag.Usage()
		os.Exit(2)
	}
}

func splitURLs(raw string) []string {
	var urls []string
	for _, u := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(u); trimmed != "" {
			urls = append(urls, trimmed)
		}
	}

	return urls
}

func parseSource(raw string) (listing.SourceType, string, error) {
	switch {
	case strings.HasPrefix(raw, "r/"):
		return listing.SourceSubreddit, strings.TrimPrefix(raw, "r/"), nil
	case strings.HasPrefix(raw, "u/"):
		return listing.SourceUser, strings.TrimPrefix(raw, "u/"), nil
	default:
		return "", "", fmt.Errorf("source must be r/<subreddit> or u/<user>, got %q", raw)
	}
}
