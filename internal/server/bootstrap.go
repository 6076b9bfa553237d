package server

import (
	"fmt"
	"net/http"

	"github.com/sirupsen/logrus"

	"github.com/murajaah/murajaah-cache/internal/cache"
	"github.com/murajaah/murajaah-cache/internal/config"
	"github.com/murajaah/murajaah-cache/internal/generation"
	"github.com/murajaah/murajaah-cache/internal/lifecycle"
	"github.com/murajaah/murajaah-cache/internal/metrics"
	"github.com/murajaah/murajaah-cache/internal/policy"
	"github.com/murajaah/murajaah-cache/internal/strategy"
)

// Runtime 汇总进程级共享组件，所有版本的 Controller 共用同一份存储与连接池。
type Runtime struct {
	Storage cache.Storage
	Client  *http.Client
	Metrics *metrics.Recorder
	Logger  *logrus.Logger
}

// NewStorage 根据 StorageBackend 创建缓存存储。
func NewStorage(cfg *config.Config) (cache.Storage, error) {
	switch cfg.Global.StorageBackend {
	case "", "file":
		return cache.NewStore(cfg.Global.StoragePath, cache.StoreOptions{
			MetadataEntries: cfg.Global.MetadataCacheEntries,
		})
	case "memory":
		return cache.NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unsupported storage backend %q", cfg.Global.StorageBackend)
	}
}

// BuildController 按配置装配一个部署版本：generation 管理器、分类器、执行器与 Controller。
func BuildController(cfg *config.Config, rt Runtime) (*lifecycle.Controller, error) {
	if rt.Storage == nil {
		return nil, fmt.Errorf("storage is required")
	}

	generations, err := cfg.GenerationMap()
	if err != nil {
		return nil, err
	}
	manager, err := generation.New(cfg.App.Name, rt.Storage, generations)
	if err != nil {
		return nil, fmt.Errorf("generation manager: %w", err)
	}

	classifierOpts, err := cfg.ClassifierOptions()
	if err != nil {
		return nil, err
	}
	origin, err := cfg.App.OriginURL()
	if err != nil {
		return nil, fmt.Errorf("invalid app origin: %w", err)
	}

	client := rt.Client
	if client == nil {
		client = NewUpstreamClient(cfg)
	}
	fetcher := strategy.NewHTTPFetcher(client, origin, cfg.Global.MaxResponseSize)

	executor, err := strategy.New(strategy.Options{
		Manager:           manager,
		Fetcher:           fetcher,
		Logger:            rt.Logger,
		Metrics:           rt.Metrics,
		MaxKeyLength:      cfg.App.MaxKeyLength,
		ShellDocument:     cfg.App.ShellDocumentURL(),
		OfflinePage:       cfg.App.OfflinePageBody,
		BackgroundTimeout: cfg.Global.BackgroundTimeout.DurationValue(),
	})
	if err != nil {
		return nil, err
	}

	return lifecycle.NewController(lifecycle.Options{
		Manager:        manager,
		Classifier:     policy.NewClassifier(classifierOpts),
		Executor:       executor,
		Fetcher:        fetcher,
		Origin:         origin,
		Precache:       cfg.App.Precache,
		PinnedURLs:     cfg.App.PinnedURLs,
		MaxRetries:     cfg.Global.MaxRetries,
		InitialBackoff: cfg.Global.InitialBackoff.DurationValue(),
		Logger:         rt.Logger,
		Metrics:        rt.Metrics,
	})
}
