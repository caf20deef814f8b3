package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/akamensky/argparse"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/docker/go-units"
	"github.com/gabriel-vasile/mimetype"

	"github.com/chunkwise/chunkwise/codec"
	"github.com/chunkwise/chunkwise/httpapi"
	"github.com/chunkwise/chunkwise/plan"
	"github.com/chunkwise/chunkwise/transfer"
)

func main() {
	args := argparse.NewParser("chunkwise", "Chunked object transfer client")

	server := args.String("s", "server", &argparse.Options{Required: true,
		Help: "Server base URL, e.g. http://localhost:8600"})
	file := args.String("f", "file", &argparse.Options{Required: true,
		Help: "Path of the object to upload"})
	compress := args.Flag("z", "zstd", &argparse.Options{
		Help: "Compress chunks with zstandard in transit"})

	if err := args.Parse(os.Args); err != nil {
		fmt.Print(args.Usage(err))
		os.Exit(1)
	}

	logger := log.NewLogger()
	if err := run(*server, *file, *compress, logger); err != nil {
		logger.Errorf("%v", err)
		os.Exit(1)
	}
}

func run(serverURL, path string, compress bool, logger log.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat %s: %w", path, err)
	}
	size := info.Size()
	name := filepath.Base(path)

	mimeType := "application/octet-stream"
	if detected, err := mimetype.DetectFile(path); err == nil {
		mimeType = detected.String()
	}

	var chunkCodec codec.Codec = codec.Identity{}
	if compress {
		chunkCodec = codec.Zstd{}
	}

	client := httpapi.NewClient(serverURL, chunkCodec, logger)
	upload, err := client.InitUpload(ctx, name, size, mimeType)
	if err != nil {
		return fmt.Errorf("init upload: %w", err)
	}

	p := plan.For(size).WithChunkSize(upload.RecommendedChunkSize)
	logger.Infof("Uploading %s (%s, %s) in %d chunks of %s, concurrency %d",
		name, units.HumanSizeWithPrecision(float64(size), 3), mimeType,
		p.TotalChunks(), units.HumanSize(float64(p.ChunkSize)), p.Concurrency)

	provider, err := transfer.NewFileChunkProvider(path, p.ChunkSize)
	if err != nil {
		return err
	}
	defer provider.Close()

	cfg := transfer.ConfigFromPlan(p)
	cfg.AlreadyReceived = upload.AlreadyReceived

	scheduler := transfer.NewScheduler(upload, provider, cfg, logger)
	if err := scheduler.Start(ctx); err != nil {
		return err
	}

	return watch(ctx, scheduler, logger)
}

func watch(ctx context.Context, scheduler *transfer.Scheduler, logger log.Logger) error {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			scheduler.Cancel()
			return fmt.Errorf("upload cancelled")
		case <-ticker.C:
			state := scheduler.Snapshot()
			switch state.Status {
			case transfer.StatusDone:
				logger.Printf("100%% - %s transferred", units.HumanSizeWithPrecision(float64(state.TotalBytes), 3))
				return nil
			case transfer.StatusError:
				return state.LastError
			default:
				logger.Printf("%3.0f%% - %s/%s at %s/s (ETA %s)",
					state.Percent(),
					units.HumanSizeWithPrecision(float64(state.SentBytes), 3),
					units.HumanSizeWithPrecision(float64(state.TotalBytes), 3),
					units.HumanSize(state.SpeedBps),
					eta(state))
			}
		}
	}
}

func eta(state transfer.State) string {
	if state.SpeedBps <= 0 {
		return "unknown"
	}
	return (time.Duration(state.ETASeconds) * time.Second).Round(time.Second).String()
}
