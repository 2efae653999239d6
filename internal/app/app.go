// internal/app/app.go
package app

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/Corphon/CharacterStudio/internal/api"
	"github.com/Corphon/CharacterStudio/internal/config"
	"github.com/Corphon/CharacterStudio/internal/di"
	"github.com/Corphon/CharacterStudio/internal/placeholder"
	"github.com/Corphon/CharacterStudio/internal/services"
	"github.com/Corphon/CharacterStudio/internal/storage"
	"github.com/Corphon/CharacterStudio/internal/utils"
)

const (
	sweepInterval   = time.Minute
	metricsInterval = 30 * time.Second
	shutdownTimeout = 30 * time.Second

	imageCacheSize = 64
	imageCacheTTL  = 30 * time.Minute
)

// Server Run 使用的 *http.Server 方法
type Server interface {
	ListenAndServe() error
	Shutdown(ctx context.Context) error
}

// App 应用程序
type App struct {
	config   *config.AppConfig
	router   http.Handler
	routes   *api.Router
	server   Server
	stopChan chan os.Signal

	metricsCancel context.CancelFunc
}

var (
	instance *App
	mu       sync.Mutex
)

// GetApp 获取应用程序单例
func GetApp() *App {
	mu.Lock()
	defer mu.Unlock()

	if instance == nil {
		instance = &App{
			stopChan: make(chan os.Signal, 1),
		}
	}
	return instance
}

// Initialize 加载配置、初始化日志、注册服务并设置路由
func Initialize(configPath string) error {
	if err := config.InitConfig(configPath); err != nil {
		return fmt.Errorf("failed to initialise config: %w", err)
	}

	app := GetApp()
	app.config = config.GetCurrentConfig()

	if err := initLogger(app.config.LogDir); err != nil {
		return fmt.Errorf("failed to initialise logger: %w", err)
	}

	if app.config.UseLocalPlaceholders {
		written, err := placeholder.EnsureAll(filepath.Join(app.config.StaticDir, "images"))
		if err != nil {
			log.Printf("⚠️ 占位图像生成失败: %v", err)
		} else if len(written) > 0 {
			log.Printf("✅ 已生成 %d 张占位图像", len(written))
		}
	}

	if err := InitServices(); err != nil {
		return fmt.Errorf("failed to initialise services: %w", err)
	}

	routes, err := api.SetupRouter()
	if err != nil {
		return fmt.Errorf("failed to set up router: %w", err)
	}
	app.routes = routes
	app.router = routes.Engine

	ctx, cancel := context.WithCancel(context.Background())
	app.metricsCancel = cancel
	if metrics, err := di.Resolve[*utils.StudioMetrics](di.GetContainer(), di.ServiceMetrics); err == nil {
		metrics.StartMetricsCollection(ctx, metricsInterval)
	}

	return nil
}

// initLogger 初始化日志，输出到 <logDir>/app.log
func initLogger(logDir string) error {
	if logDir == "" {
		logDir = "logs"
	}
	return utils.InitLogger(filepath.Join(logDir, "app.log"))
}

// InitServices 按依赖顺序创建并注册服务
func InitServices() error {
	cfg := config.GetCurrentConfig()
	container := di.GetContainer()

	metrics := utils.NewStudioMetricsWith(utils.GetMetricsCollector())
	container.Register(di.ServiceMetrics, metrics)

	fileStorage, err := storage.NewFileStorage(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("failed to open data directory: %w", err)
	}
	container.Register(di.ServiceStorage, fileStorage)

	imageCache := storage.NewImageCache(imageCacheSize, imageCacheTTL)
	container.Register(di.ServiceImageCache, imageCache)

	locks := services.NewLockManager()
	container.Register(di.ServiceLocks, locks)

	progress := services.NewProgressService()
	container.Register(di.ServiceProgress, progress)

	downloads := services.NewDownloadService(fileStorage, services.DownloadOptions{
		StaticDir: cfg.StaticDir,
		Stagger:   cfg.DownloadStagger.Std(),
		Cache:     imageCache,
		Metrics:   metrics,
	})
	container.Register(di.ServiceDownload, downloads)

	studio := services.NewStudioService(services.StudioOptions{
		GenerationDelay: cfg.GenerationDelay.Std(),
		SessionTTL:      cfg.SessionTTL.Std(),
		Progress:        progress,
		Downloads:       downloads,
		Locks:           locks,
		Metrics:         metrics,
	})
	studio.StartSweeper(sweepInterval)
	container.Register(di.ServiceStudio, studio)

	log.Printf("✅ 服务已注册: %v", container.GetNames())
	return nil
}

// Run 启动 HTTP 服务，收到 SIGINT 或 SIGTERM 后优雅关闭
func Run() error {
	app := GetApp()

	if app.server == nil {
		if app.router == nil {
			return fmt.Errorf("application not initialised")
		}
		app.server = &http.Server{
			Addr:    ":" + app.config.Port,
			Handler: app.router,
		}
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Printf("🌐 服务器监听端口 %s", app.config.Port)
		if err := app.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	signal.Notify(app.stopChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(app.stopChan)

	select {
	case err := <-serverErr:
		app.cleanup()
		return fmt.Errorf("server failed: %w", err)
	case <-app.stopChan:
	}

	log.Println("🛑 正在关闭服务器...")
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	err := app.server.Shutdown(ctx)
	app.cleanup()
	if err != nil {
		return fmt.Errorf("forced shutdown: %w", err)
	}

	log.Println("✅ 服务器已停止")
	return nil
}

// cleanup 停止后台任务并刷新日志
func (app *App) cleanup() {
	if app.metricsCancel != nil {
		app.metricsCancel()
	}
	if app.routes != nil {
		app.routes.Close()
	}

	container := di.GetContainer()
	if studio, err := di.Resolve[*services.StudioService](container, di.ServiceStudio); err == nil {
		studio.Stop()
	}
	if cache, err := di.Resolve[*storage.ImageCache](container, di.ServiceImageCache); err == nil {
		cache.Clear()
	}
	if err := config.SaveConfig(); err != nil {
		log.Printf("⚠️ 保存配置失败: %v", err)
	}

	utils.GetLogger().Close()
}

// GetConfig 获取应用配置
func (app *App) GetConfig() *config.AppConfig {
	return app.config
}

// GetDIContainer 获取依赖注入容器
func GetDIContainer() *di.Container {
	return di.GetContainer()
}

// IsDebugMode 是否为调试模式
func IsDebugMode() bool {
	mu.Lock()
	defer mu.Unlock()

	return instance != nil && instance.config != nil && instance.config.DebugMode
}
