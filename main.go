package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/site-shelter/site-shelter/internal/cache"
	"github.com/site-shelter/site-shelter/internal/config"
	"github.com/site-shelter/site-shelter/internal/controller"
	"github.com/site-shelter/site-shelter/internal/logging"
	"github.com/site-shelter/site-shelter/internal/server"
	"github.com/site-shelter/site-shelter/internal/server/routes"
	"github.com/site-shelter/site-shelter/internal/version"
)

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
		fields["sites"] = len(cfg.Sites)
		fields["credentials"] = config.CredentialModes(cfg.Sites)
		fields["result"] = "ok"
		logger.WithFields(fields).Info("配置校验通过")
		return 0
	}

	registry, err := server.NewSiteRegistry(cfg)
	if err != nil {
		fmt.Fprintf(stdErr, "构建站点注册表失败: %v\n", err)
		return 1
	}

	// 启动遵循“配置 → SiteRegistry → 磁盘缓存 → 控制器安装/激活 → Fiber server”
	// 顺序，保证所有请求共享统一的路由、HTTP 客户端与缓存实例。
	store, err := cache.NewStore(cfg.Global.StoragePath)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化缓存目录失败: %v\n", err)
		return 1
	}

	httpClient := server.NewUpstreamClient(cfg)
	dispatcher, err := bootControllers(cfg, registry, httpClient, store, logger)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化站点控制器失败: %v\n", err)
		return 1
	}

	if interval := cfg.Global.SyncInterval.DurationValue(); interval > 0 {
		go dispatcher.RunSyncLoop(context.Background(), interval)
	}

	fields := logging.BaseFields("startup", opts.configPath)
	fields["sites"] = len(cfg.Sites)
	fields["listen_port"] = cfg.Global.ListenPort
	fields["credentials"] = config.CredentialModes(cfg.Sites)
	fields["sync_interval"] = cfg.Global.SyncInterval.DurationValue().String()
	fields["version"] = version.Full()
	logger.WithFields(fields).Info("配置加载完成")

	if err := startHTTPServer(cfg, registry, dispatcher, store, logger); err != nil {
		fmt.Fprintf(stdErr, "HTTP 服务启动失败: %v\n", err)
		return 1
	}
	return 0
}

// bootControllers 为每个站点构建控制器并推进安装/激活。安装失败不阻断启动：
// 控制器自行退回历史版本桶或纯转发模式，降级事实由日志与 /-/status 暴露。
func bootControllers(
	cfg *config.Config,
	registry *server.SiteRegistry,
	httpClient *http.Client,
	store cache.Store,
	logger *logrus.Logger,
) (*controller.Dispatcher, error) {
	dispatcher := controller.NewDispatcher(logger)
	ctx := context.Background()

	for _, site := range cfg.Sites {
		route, ok := registry.Lookup(site.Domain)
		if !ok {
			return nil, fmt.Errorf("站点 %s 缺少路由", site.Name)
		}

		ctrl, err := controller.New(route, httpClient, logger, store)
		if err != nil {
			return nil, fmt.Errorf("站点 %s: %w", site.Name, err)
		}
		if err := ctrl.Install(ctx); err == nil {
			if err := ctrl.Activate(ctx); err != nil {
				logger.WithFields(logrus.Fields{
					"action": "activate",
					"site":   site.Name,
					"error":  err.Error(),
				}).Warn("站点激活失败")
			}
		}
		if err := dispatcher.Register(ctrl); err != nil {
			return nil, fmt.Errorf("站点 %s: %w", site.Name, err)
		}
	}
	return dispatcher, nil
}

// parseCLIFlags 解析 CLI 参数，并结合环境变量计算最终的配置路径。
func parseCLIFlags(args []string) (cliOptions, error) {
	fs := flag.NewFlagSet("site-shelter", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var (
		configFlag string
		checkOnly  bool
		showVer    bool
	)

	fs.StringVar(&configFlag, "config", "", "配置文件路径（默认 ./config.toml，可被 SITE_SHELTER_CONFIG 覆盖）")
	fs.BoolVar(&checkOnly, "check-config", false, "仅校验配置后退出")
	fs.BoolVar(&showVer, "version", false, "显示版本信息")

	if err := fs.Parse(args); err != nil {
		return cliOptions{}, fmt.Errorf("解析参数失败: %w", err)
	}

	path := os.Getenv("SITE_SHELTER_CONFIG")
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
	registry *server.SiteRegistry,
	dispatcher *controller.Dispatcher,
	store cache.Store,
	logger *logrus.Logger,
) error {
	port := cfg.Global.ListenPort
	app, err := server.NewApp(server.AppOptions{
		Logger:     logger,
		Registry:   registry,
		Fetch:      dispatcher,
		ListenPort: port,
	})
	if err != nil {
		return err
	}
	routes.RegisterControlRoutes(app, registry, dispatcher)
	routes.RegisterStatusRoutes(app, registry, dispatcher, store)

	logger.WithFields(logrus.Fields{
		"action": "listen",
		"port":   port,
	}).Info("Fiber 服务启动")

	return app.Listen(fmt.Sprintf(":%d", port))
}
