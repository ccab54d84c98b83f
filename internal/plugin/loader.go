package plugin

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// LoaderConfig locates transform modules in object storage.
type LoaderConfig struct {
	Endpoint  string `yaml:"endpoint"`
	Bucket    string `yaml:"bucket"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	UseSSL    bool   `yaml:"use_ssl"`
}

// Loader fetches transform modules from S3/MinIO and compiles them through
// the runtime, caching bytes and compilations independently.
type Loader struct {
	cfg     LoaderConfig
	client  *minio.Client
	runtime *Runtime
	logger  *slog.Logger

	cacheMu sync.RWMutex
	cache   map[string][]byte
}

// NewLoader creates a Loader over the given runtime.
func NewLoader(cfg LoaderConfig, runtime *Runtime, logger *slog.Logger) (*Loader, error) {
	if logger == nil {
		logger = slog.Default()
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create object storage client: %w", err)
	}

	return &Loader{
		cfg:     cfg,
		client:  client,
		runtime: runtime,
		logger:  logger,
		cache:   make(map[string][]byte),
	}, nil
}

// Load fetches and compiles the transform module for pluginID.
func (l *Loader) Load(ctx context.Context, pluginID string) (*CompiledModule, error) {
	objectKey := fmt.Sprintf("plugins/%s/transform.wasm", pluginID)

	l.cacheMu.RLock()
	wasmBytes, cached := l.cache[pluginID]
	l.cacheMu.RUnlock()

	if !cached {
		l.logger.Debug("downloading transform module",
			"plugin_id", pluginID,
			"bucket", l.cfg.Bucket,
			"key", objectKey,
		)

		obj, err := l.client.GetObject(ctx, l.cfg.Bucket, objectKey, minio.GetObjectOptions{})
		if err != nil {
			return nil, fmt.Errorf("get module object: %w", err)
		}
		defer obj.Close()

		var buf bytes.Buffer
		if _, err := io.Copy(&buf, obj); err != nil {
			return nil, fmt.Errorf("read module object: %w", err)
		}
		wasmBytes = buf.Bytes()

		l.cacheMu.Lock()
		l.cache[pluginID] = wasmBytes
		l.cacheMu.Unlock()
	}

	return l.runtime.Compile(pluginID, wasmBytes)
}

// Invalidate drops the cached bytes and compilation for pluginID so the
// next Load refetches.
func (l *Loader) Invalidate(pluginID string) {
	l.cacheMu.Lock()
	delete(l.cache, pluginID)
	l.cacheMu.Unlock()

	l.runtime.Invalidate(pluginID)

	l.logger.Debug("invalidated transform module", "plugin_id", pluginID)
}
