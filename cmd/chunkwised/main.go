package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"

	"github.com/akamensky/argparse"
	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/go-git/go-billy/v5/osfs"

	"github.com/chunkwise/chunkwise/httpapi"
	"github.com/chunkwise/chunkwise/session"
)

func main() {
	args := argparse.NewParser("chunkwised", "Chunked object transfer server")

	listen := args.String("l", "listen", &argparse.Options{Required: false, Default: ":8600",
		Help: "Listen address"})
	dataDir := args.String("d", "data-dir", &argparse.Options{Required: false, Default: "./chunkwise-data",
		Help: "Root directory for per-session temp chunk storage"})
	outputDir := args.String("o", "output-dir", &argparse.Options{Required: false, Default: "./chunkwise-objects",
		Help: "Root directory for assembled artifacts"})

	if err := args.Parse(os.Args); err != nil {
		fmt.Print(args.Usage(err))
		os.Exit(1)
	}

	logger := log.NewLogger()
	if err := run(*listen, *dataDir, *outputDir, logger); err != nil {
		logger.Errorf("%v", err)
		os.Exit(1)
	}
}

func run(listen, dataDir, outputDir string, logger log.Logger) error {
	for _, dir := range []string{dataDir, outputDir} {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}

	outputRoot, err := filepath.Abs(outputDir)
	if err != nil {
		return fmt.Errorf("resolve output dir: %w", err)
	}

	registry := session.NewRegistry(osfs.New(dataDir), logger)
	receiver := session.NewReceiver(registry, logger)

	archiver, err := archiverFromEnv(env.NewRepository(), logger)
	if err != nil {
		return err
	}

	assembler := session.NewAssembler(registry, osfs.New(outputDir), outputRoot, archiver, logger)
	server := httpapi.NewServer(registry, receiver, assembler, logger)

	logger.Infof("Serving chunk transfers on %s (data: %s, output: %s)", listen, dataDir, outputRoot)
	return http.ListenAndServe(listen, server.Router())
}

// archiverFromEnv builds the optional S3 archive step. Archiving is off
// unless CHUNKWISE_S3_BUCKET is set; credentials follow the usual AWS
// environment variables or the default chain.
func archiverFromEnv(envRepo env.Repository, logger log.Logger) (session.Archiver, error) {
	bucket := envRepo.Get("CHUNKWISE_S3_BUCKET")
	if bucket == "" {
		return nil, nil
	}

	archiver, err := session.NewS3Archiver(context.Background(), session.S3ArchiverParams{
		Region:          envRepo.Get("CHUNKWISE_S3_REGION"),
		Bucket:          bucket,
		KeyPrefix:       envRepo.Get("CHUNKWISE_S3_PREFIX"),
		AccessKeyID:     envRepo.Get("AWS_ACCESS_KEY_ID"),
		SecretAccessKey: envRepo.Get("AWS_SECRET_ACCESS_KEY"),
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("configure S3 archiver: %w", err)
	}

	logger.Infof("Archiving finalized artifacts to s3://%s", bucket)
	return archiver, nil
}
