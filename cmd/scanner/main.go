package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"grid-scanner-go/internal/alert"
	"grid-scanner-go/internal/config"
	"grid-scanner-go/internal/downloader"
	"grid-scanner-go/internal/exchange"
	"grid-scanner-go/internal/logger"
	"grid-scanner-go/internal/metrics"
	"grid-scanner-go/internal/models"
	"grid-scanner-go/internal/persistence"
	"grid-scanner-go/internal/reporter"
	"grid-scanner-go/internal/scanner"
	"grid-scanner-go/internal/storage"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	// --- 命令行参数定义 ---
	configPath := flag.String("config", "", "path to the config file (.yaml or .json), defaults to $SCANNER_CONFIG or config.yaml")
	mode := flag.String("mode", "live", "running mode: live or replay")
	dataPath := flag.String("data", "", "comma separated kline CSV files for replay")
	symbols := flag.String("symbol", "", "comma separated symbols to download for replay (e.g., ETHUSDT,SOLUSDT)")
	startDate := flag.String("start", "", "start date for replay download (YYYY-MM-DD)")
	endDate := flag.String("end", "", "end date for replay download (YYYY-MM-DD)")
	duration := flag.Duration("duration", 0, "stop the live scan after this long, 0 runs until interrupted")
	flag.Parse()

	// 在加载配置之前先使用默认的日志配置
	logger.InitLogger(models.LogConfig{Level: "info", Output: "console"})

	// --- 加载 .env 文件 ---
	if err := godotenv.Load(); err != nil {
		logger.S().Info("未找到 .env 文件，将从系统环境变量中读取。")
	} else {
		logger.S().Info("成功从 .env 文件加载配置。")
	}

	path := *configPath
	if path == "" {
		path = config.PathFromEnv("config.yaml")
	}
	cfg, err := config.LoadConfig(path)
	if err != nil {
		logger.S().Fatalf("无法加载配置文件: %v", err)
	}
	config.ApplyEnv(cfg)

	// --- 使用文件中的配置重新初始化日志 ---
	logger.InitLogger(cfg.LogConfig)
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- 根据模式执行 ---
	switch *mode {
	case "live":
		if *duration > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, *duration)
			defer cancel()
		}
		err = runLiveMode(ctx, cfg)
	case "replay":
		var paths []string
		paths, err = handleReplayMode(ctx, cfg, *symbols, *startDate, *endDate, *dataPath)
		if err == nil {
			err = runReplayMode(ctx, cfg, paths)
		}
	default:
		err = fmt.Errorf("未知的运行模式: %s。请选择 'live' 或 'replay'。", *mode)
	}
	if err != nil {
		logger.S().Errorf("扫描器异常退出: %v", err)
		logger.Sync()
		os.Exit(1)
	}
}

// app 持有一次运行中的扫描器和它的所有输出
type app struct {
	cfg     *models.Config
	scanner *scanner.Scanner
	metrics *metrics.Server
	journal *storage.AlertJournal
	repo    persistence.SnapshotRepository

	subscribed func() []string // 实时模式下订阅的交易对
}

// newApp 按配置组装扫描器: 指标, 报警日志, 快照导出和终端表格
func newApp(cfg *models.Config, sessionStart time.Time, clock func() time.Time) (*app, error) {
	a := &app{cfg: cfg}
	log := logger.L()

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		m = metrics.New(reg)
		a.metrics = metrics.NewServer(cfg.Metrics.ListenAddr, reg, log)
		if err := a.metrics.Start(); err != nil {
			return nil, fmt.Errorf("启动指标服务失败: %w", err)
		}
	}

	notifiers := alert.MultiNotifier{alert.LogNotifier{Logger: log}}
	if cfg.Storage.AlertDBPath != "" {
		journal, err := storage.NewAlertJournal(cfg.Storage.AlertDBPath)
		if err != nil {
			a.close()
			return nil, fmt.Errorf("打开报警日志失败: %w", err)
		}
		a.journal = journal
		notifiers = append(notifiers, journal)
	}

	sinks := []scanner.SnapshotSink{reporter.NewTableReporter(os.Stdout, cfg.Scanner.TopN)}
	if cfg.Storage.SnapshotDBPath != "" {
		repo, err := persistence.NewBadgerRepository(cfg.Storage.SnapshotDBPath, sessionStart)
		if err != nil {
			a.close()
			return nil, fmt.Errorf("打开快照存储失败: %w", err)
		}
		a.repo = repo
		sinks = append(sinks, repo)
		log.Info("快照导出已开启",
			zap.String("path", cfg.Storage.SnapshotDBPath),
			zap.String("session", persistence.SessionID(sessionStart)))
	}

	sc, err := scanner.New(scanner.Options{
		Config:   cfg,
		Notifier: notifiers,
		Metrics:  m,
		TradeLog: logger.TradeLogger(),
		Logger:   log,
		Sinks:    sinks,
		Clock:    clock,
	})
	if err != nil {
		a.close()
		return nil, err
	}
	a.scanner = sc
	return a, nil
}

// close 打印摘要并释放所有资源
func (a *app) close() {
	if a.scanner != nil {
		var noData []string
		if a.subscribed != nil {
			noData = a.scanner.NoData(a.subscribed())
			if len(noData) > 0 {
				logger.S().Warnf("%d 个交易对订阅成功但从未收到价格: %s", len(noData), strings.Join(noData, ", "))
			}
		}
		reporter.PrintSummary(os.Stdout, a.scanner.Snapshot(), a.scanner.Stats(), a.scanner.AlertStatus(), noData, a.cfg.Scanner.TopN)
		a.scanner.Stop()
	}
	if a.metrics != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := a.metrics.Stop(ctx); err != nil {
			logger.S().Warnf("关闭指标服务失败: %v", err)
		}
		cancel()
	}
	if a.repo != nil {
		if err := a.repo.Close(); err != nil {
			logger.S().Warnf("关闭快照存储失败: %v", err)
		}
	}
	if a.journal != nil {
		if err := a.journal.Close(); err != nil {
			logger.S().Warnf("关闭报警日志失败: %v", err)
		}
	}
}

// runLiveMode 订阅实时行情并持续扫描, 直到收到中断信号
func runLiveMode(ctx context.Context, cfg *models.Config) error {
	logger.S().Info("--- 启动实时扫描模式 ---")

	a, err := newApp(cfg, time.Now(), time.Now)
	if err != nil {
		return err
	}
	defer a.close()

	feed := exchange.NewLiveExchange(cfg.Feed, logger.L())
	a.subscribed = feed.Symbols

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.scanner.Run(gctx) })
	g.Go(func() error { return feed.Run(gctx, a.scanner) })
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	logger.S().Info("扫描器已停止。")
	return nil
}

// handleReplayMode 处理回放模式的数据来源, 包括数据下载。
// 成功后返回数据文件路径，失败则返回错误。
func handleReplayMode(ctx context.Context, cfg *models.Config, symbols, startDate, endDate, dataPath string) ([]string, error) {
	// 检查是否需要下载数据
	shouldDownload := symbols != "" && startDate != "" && endDate != ""

	if shouldDownload {
		startTime, err1 := time.Parse("2006-01-02", startDate)
		endTime, err2 := time.Parse("2006-01-02", endDate)
		if err1 != nil || err2 != nil {
			return nil, fmt.Errorf("日期格式错误，请使用 YYYY-MM-DD 格式。start: %v, end: %v", err1, err2)
		}
		if !endTime.After(startTime) {
			return nil, fmt.Errorf("结束日期 %s 必须晚于开始日期 %s", endDate, startDate)
		}

		d := downloader.NewKlineDownloader(cfg.Feed.RestBaseURL, logger.L())
		var paths []string
		for _, symbol := range splitList(symbols) {
			symbol = strings.ToUpper(symbol)
			fileName := downloader.FileName("data", symbol, startTime, endTime)
			if err := d.DownloadKlines(ctx, symbol, fileName, startTime, endTime); err != nil {
				return nil, fmt.Errorf("下载 %s 数据失败: %w", symbol, err)
			}
			paths = append(paths, fileName)
		}
		return paths, nil
	}

	// 如果不下载，则必须提供数据路径
	if dataPath == "" {
		return nil, errors.New("回放模式需要通过 --data 或 --symbol/start/end 参数指定数据源")
	}
	var paths []string
	for _, p := range splitList(dataPath) {
		matches, err := filepath.Glob(p)
		if err != nil {
			return nil, err
		}
		if len(matches) == 0 {
			return nil, fmt.Errorf("找不到数据文件: %s", p)
		}
		paths = append(paths, matches...)
	}
	return paths, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// runReplayMode 使用历史K线回放, 按回放时间计算 APR 和报警
func runReplayMode(ctx context.Context, cfg *models.Config, paths []string) error {
	logger.S().Info("--- 启动回放模式 ---")

	feed := exchange.NewReplayExchange(paths, cfg.Scanner.SweepInterval(), logger.L())

	// 回放中的时间来自数据本身, 会话以启动时间命名
	a, err := newApp(cfg, time.Now(), func() time.Time { return feed.LastTime() })
	if err != nil {
		return err
	}
	defer a.close()

	if err := feed.Run(ctx, a.scanner); err != nil {
		return err
	}
	a.scanner.Publish(ctx)

	logger.S().Infof("回放结束, 共 %d 个价格, 跳过 %d 行。", feed.Ticks(), feed.Skipped())
	return nil
}
