package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	apiclient "github.com/splax/peepmetrics/pkg/api/client"
	"github.com/splax/peepmetrics/pkg/config"
	"github.com/splax/peepmetrics/pkg/logger"
	"github.com/splax/peepmetrics/pkg/tracker"
)

func main() {
	input := flag.String("file", "-", "newline-delimited JSON events to send (- for stdin)")
	verify := flag.String("verify", "", "after sending, print the persisted event count for this range (e.g. 1h)")
	settle := flag.Duration("settle", 2*time.Second, "wait before verifying so queued batches can persist")
	flag.Parse()

	cfg, err := config.LoadTrackerConfig()
	log := logger.NewWithWriter(os.Stderr, "track", slog.LevelInfo)
	if err != nil {
		log.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	httpClient := &http.Client{Timeout: cfg.Timeout}
	sender, err := tracker.NewSender(cfg.APIURL, cfg.Token, httpClient)
	if err != nil {
		log.Error("failed to configure sender", "error", err)
		os.Exit(1)
	}
	batcher := tracker.New(sender, tracker.Options{
		MaxBatch:      cfg.MaxBatch,
		FlushInterval: cfg.FlushInterval,
		Logger:        log,
	})

	if err := feed(ctx, *input, batcher); err != nil {
		log.Error("failed to read events", "error", err)
	}
	batcher.Close()

	waitCtx, cancel := context.WithTimeout(context.Background(), cfg.Timeout+time.Second)
	defer cancel()
	if err := sender.Wait(waitCtx); err != nil {
		log.Warn("pending deliveries abandoned", "error", err)
	}

	stats := batcher.Stats()
	fmt.Printf("tracked=%d sent=%d beaconed=%d dropped=%d attempts=%d\n", stats.Tracked, stats.Sent, stats.Beaconed, stats.Dropped, stats.Attempts)

	if strings.TrimSpace(*verify) == "" {
		return
	}
	select {
	case <-ctx.Done():
		return
	case <-time.After(*settle):
	}
	api, err := apiclient.New(cfg.APIURL, apiclient.WithHTTPClient(httpClient))
	if err != nil {
		log.Error("failed to configure api client", "error", err)
		os.Exit(1)
	}
	count, err := api.CountEvents(ctx, cfg.Token, *verify)
	if err != nil {
		log.Error("failed to count persisted events", "error", err)
		os.Exit(1)
	}
	fmt.Printf("persisted=%d since=%s\n", count.Count, count.Start.Format(time.RFC3339))
}

func feed(ctx context.Context, path string, batcher *tracker.Batcher) error {
	in := os.Stdin
	if path != "-" && path != "" {
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		in = f
	}
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	line := 0
	for scanner.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		var event tracker.Event
		if err := json.Unmarshal([]byte(text), &event); err != nil {
			return fmt.Errorf("line %d: %w", line, err)
		}
		batcher.Track(event)
	}
	return scanner.Err()
}
