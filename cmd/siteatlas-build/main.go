// Command siteatlas-build runs one artifact build: it reads a catalogue of
// assets, builds the spatial index, location table, feature-store
// partitions, catalogue snapshot and manifest, publishes them to a local
// artifact directory, and optionally mirrors the build to S3-compatible
// object storage.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/harwick/siteatlas/blobstore"
	miniostore "github.com/harwick/siteatlas/blobstore/minio"
	"github.com/harwick/siteatlas/builder"
	"github.com/harwick/siteatlas/codec"
	"github.com/harwick/siteatlas/manifest"
)

const envPrefix = "SITEATLAS_"

type mirrorConfig struct {
	Endpoint  string `koanf:"endpoint"`
	Bucket    string `koanf:"bucket"`
	Prefix    string `koanf:"prefix"`
	AccessKey string `koanf:"accesskey"`
	SecretKey string `koanf:"secretkey"`
	UseSSL    bool   `koanf:"ssl"`
}

type buildConfig struct {
	// Assets is the path of the catalogue JSON: an array of builder assets.
	Assets string `koanf:"assets"`

	// Out is the local artifact directory the build is published to.
	Out string `koanf:"out"`

	// LogLevel is debug, info, warn or error.
	LogLevel string `koanf:"loglevel"`

	// Mirror, when an endpoint is set, receives a copy of the build.
	Mirror mirrorConfig `koanf:"mirror"`
}

func defaultConfig() *buildConfig {
	return &buildConfig{
		Assets:   "assets.json",
		Out:      "artifacts",
		LogLevel: "info",
	}
}

// loadConfig layers defaults, an optional YAML file, and SITEATLAS_*
// environment variables, in increasing precedence.
func loadConfig(path string) (*buildConfig, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	envProvider := env.Provider(envPrefix, ".", func(s string) string {
		return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, envPrefix)), "_", ".")
	})
	if err := k.Load(envProvider, nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	cfg := &buildConfig{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return cfg, nil
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func main() {
	configPath := flag.String("config", "", "path of an optional YAML config file")
	flag.Parse()

	if err := run(context.Background(), *configPath); err != nil {
		fmt.Fprintln(os.Stderr, "siteatlas-build:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, configPath string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: parseLevel(cfg.LogLevel),
	}))

	assets, err := readAssets(cfg.Assets)
	if err != nil {
		return err
	}

	arts, err := builder.New(builder.WithLogger(logger)).Build(ctx, assets)
	if err != nil {
		return fmt.Errorf("build: %w", err)
	}

	if err := os.MkdirAll(cfg.Out, 0o755); err != nil {
		return err
	}
	local := blobstore.NewLocalStore(cfg.Out)
	if err := publish(ctx, arts, local, local); err != nil {
		return fmt.Errorf("publish to %s: %w", cfg.Out, err)
	}
	logger.Info("build published",
		"build_id", arts.Manifest.BuildID,
		"features", arts.Manifest.FeatureCount,
		"registries", len(arts.Manifest.Registries),
		"out", cfg.Out,
	)

	if cfg.Mirror.Endpoint == "" {
		return nil
	}

	client, err := minio.New(cfg.Mirror.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.Mirror.AccessKey, cfg.Mirror.SecretKey, ""),
		Secure: cfg.Mirror.UseSSL,
	})
	if err != nil {
		return fmt.Errorf("mirror client: %w", err)
	}
	remote := miniostore.NewStore(client, cfg.Mirror.Bucket, cfg.Mirror.Prefix)
	if err := publish(ctx, arts, remote, remote); err != nil {
		return fmt.Errorf("mirror to %s/%s: %w", cfg.Mirror.Endpoint, cfg.Mirror.Bucket, err)
	}
	logger.Info("build mirrored", "endpoint", cfg.Mirror.Endpoint, "bucket", cfg.Mirror.Bucket)
	return nil
}

// publish writes the blobs first, then the manifest and CURRENT pointer, so
// a reader following CURRENT never sees a half-published build.
func publish(ctx context.Context, arts *builder.Artifacts, store blobstore.Store, put blobstore.PutStore) error {
	if err := arts.Publish(ctx, put); err != nil {
		return err
	}
	return manifest.NewStore(store, put, nil).Save(ctx, arts.Manifest)
}

func readAssets(path string) ([]builder.Asset, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalogue: %w", err)
	}
	var assets []builder.Asset
	if err := codec.Default.Unmarshal(data, &assets); err != nil {
		return nil, fmt.Errorf("decode catalogue %s: %w", path, err)
	}
	return assets, nil
}
