package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/murajaah/murajaah-cache/internal/config"
	"github.com/murajaah/murajaah-cache/internal/lifecycle"
	"github.com/murajaah/murajaah-cache/internal/logging"
	"github.com/murajaah/murajaah-cache/internal/metrics"
	"github.com/murajaah/murajaah-cache/internal/proxy"
	"github.com/murajaah/murajaah-cache/internal/server"
	"github.com/murajaah/murajaah-cache/internal/server/routes"
	"github.com/murajaah/murajaah-cache/internal/version"
)

const configEnvVar = "MURAJAAH_CACHE_CONFIG"

// cliOptions 汇总 CLI 标志解析后的结果，便于在测试中注入。
type cliOptions struct {
	configPath  string
	checkOnly   bool
	showVersion bool
}

var (
	stdOut io.Writer = os.Stdout
	stdErr io.Writer = os.Stderr
)

func main() {
	opts, err := parseCLIFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintln(stdErr, err.Error())
		os.Exit(2)
	}
	os.Exit(run(opts))
}

// run 根据解析到的 CLI 选项执行业务流程，并返回退出码，方便测试。
func run(opts cliOptions) int {
	if opts.showVersion {
		printVersion()
		return 0
	}

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		fmt.Fprintf(stdErr, "加载配置失败: %v\n", err)
		return 1
	}

	logger, err := logging.InitLogger(cfg.Global)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化日志失败: %v\n", err)
		return 1
	}

	if opts.checkOnly {
		fields := logging.BaseFields("check_config", opts.configPath)
		fields["app"] = cfg.App.Name
		fields["generation"] = cfg.Generations
		fields["external_hosts"] = len(cfg.App.ExternalHosts())
		fields["result"] = "ok"
		logger.WithFields(fields).Info("配置校验通过")
		return 0
	}

	targets, err := server.NewTargetRegistry(cfg)
	if err != nil {
		fmt.Fprintf(stdErr, "构建 Host 映射失败: %v\n", err)
		return 1
	}

	// 启动顺序：配置 → 缓存存储 → Controller 安装/激活 → Fiber server，
	// 所有版本的 Controller 共用同一份存储、连接池与指标。
	storage, err := server.NewStorage(cfg)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化缓存存储失败: %v\n", err)
		return 1
	}
	rt := server.Runtime{
		Storage: storage,
		Client:  server.NewUpstreamClient(cfg),
		Metrics: metrics.New(),
		Logger:  logger,
	}

	reg := lifecycle.NewRegistration(logger, rt.Metrics)
	if err := installController(context.Background(), reg, cfg, rt); err != nil {
		fmt.Fprintf(stdErr, "安装 Controller 失败: %v\n", err)
		return 1
	}

	fields := logging.BaseFields("startup", opts.configPath)
	fields["app"] = cfg.App.Name
	fields["listen_port"] = cfg.Global.ListenPort
	fields["storage_backend"] = cfg.Global.StorageBackend
	fields["generation"] = cfg.Generations
	fields["version"] = version.Full()
	logger.WithFields(fields).Info("配置加载完成")

	if cfg.Global.WatchConfig {
		watcher := config.NewWatcher(opts.configPath, cfg, reloadHandler(reg, rt, logger), func(err error) {
			logger.WithFields(logging.BaseFields("config_reload", opts.configPath)).
				WithError(err).Warn("配置重载失败，保留旧配置")
		})
		if err := watcher.Start(); err != nil {
			logger.WithError(err).Warn("配置监听启动失败")
		}
	}

	handler := proxy.NewHandler(reg, logger)
	forwarder := proxy.NewForwarder(handler, logger)
	if err := startHTTPServer(cfg, targets, forwarder, reg, rt, logger); err != nil {
		fmt.Fprintf(stdErr, "HTTP 服务启动失败: %v\n", err)
		return 1
	}
	return 0
}

// installController 按当前配置构建并注册一个部署版本。
func installController(ctx context.Context, reg *lifecycle.Registration, cfg *config.Config, rt server.Runtime) error {
	controller, err := server.BuildController(cfg, rt)
	if err != nil {
		return err
	}
	report, err := reg.Register(ctx, controller, cfg.App.SkipWaiting)
	if err != nil {
		return err
	}
	if report != nil && report.Partial() {
		rt.Logger.WithFields(logrus.Fields{
			"action":        "install",
			"controller_id": controller.ID(),
			"failed":        len(report.Failed),
		}).Warn("预缓存部分失败")
	}
	return nil
}

// reloadHandler 在 generation 变化时安装新版本；Host 映射与监听端口需重启生效。
func reloadHandler(reg *lifecycle.Registration, rt server.Runtime, logger *logrus.Logger) func(prev, next *config.Config) {
	return func(prev, next *config.Config) {
		if !config.GenerationsChanged(prev, next) {
			logger.WithField("action", "config_reload").Info("generation 未变化，忽略")
			return
		}
		if err := installController(context.Background(), reg, next, rt); err != nil {
			logger.WithField("action", "config_reload").WithError(err).Error("新版本安装失败")
		}
	}
}

// parseCLIFlags 解析 CLI 参数，并结合环境变量计算最终的配置路径。
func parseCLIFlags(args []string) (cliOptions, error) {
	fs := flag.NewFlagSet("murajaah-cache", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var (
		configFlag string
		checkOnly  bool
		showVer    bool
	)

	fs.StringVar(&configFlag, "config", "", "配置文件路径（默认 ./config.toml，可被 "+configEnvVar+" 覆盖）")
	fs.BoolVar(&checkOnly, "check-config", false, "仅校验配置后退出")
	fs.BoolVar(&showVer, "version", false, "显示版本信息")

	if err := fs.Parse(args); err != nil {
		return cliOptions{}, fmt.Errorf("解析参数失败: %w", err)
	}

	path := os.Getenv(configEnvVar)
	if configFlag != "" {
		path = configFlag
	}
	if path == "" {
		path = "config.toml"
	}

	return cliOptions{
		configPath:  path,
		checkOnly:   checkOnly,
		showVersion: showVer,
	}, nil
}

func startHTTPServer(
	cfg *config.Config,
	targets *server.TargetRegistry,
	proxyHandler server.ProxyHandler,
	reg *lifecycle.Registration,
	rt server.Runtime,
	logger *logrus.Logger,
) error {
	port := cfg.Global.ListenPort
	app, err := server.NewApp(server.AppOptions{
		Logger:     logger,
		Registry:   targets,
		Proxy:      proxyHandler,
		ListenPort: port,
	})
	if err != nil {
		return err
	}
	routes.RegisterDiagnosticsRoutes(app, routes.DiagnosticsOptions{
		Registration: reg,
		Storage:      rt.Storage,
		Metrics:      rt.Metrics,
		Targets:      targets,
		Logger:       logger,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.WithFields(logrus.Fields{
			"action": "listen",
			"port":   port,
		}).Info("Fiber 服务启动")
		errCh <- app.Listen(fmt.Sprintf(":%d", port), fiber.ListenConfig{DisableStartupMessage: true})
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.WithField("action", "shutdown").Info("收到退出信号，等待后台写入完成")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := app.ShutdownWithContext(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	reg.Wait()
	return nil
}
