// cmd/server/main.go
package main

import (
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/Corphon/CharacterStudio/internal/app"
	"github.com/Corphon/CharacterStudio/internal/config"
	"github.com/Corphon/CharacterStudio/internal/di"
)

func main() {
	log.Println("🚀 启动 Character Studio 服务器...")

	// 1. 加载基础配置
	baseConfig, err := config.Load()
	if err != nil {
		log.Fatalf("加载配置失败: %v", err)
	}
	log.Printf("✅ 基础配置已加载，端口: %s", baseConfig.Port)

	// 2. 创建必要目录
	createDirectories(baseConfig)
	log.Println("✅ 目录已就绪")

	// 3. 初始化配置、日志、服务和路由
	if err := app.Initialize(baseConfig.ConfigFile); err != nil {
		log.Fatalf("❌ 初始化失败: %v", err)
	}

	if err := performHealthCheck(); err != nil {
		log.Printf("⚠️ 健康检查警告: %v", err)
	}

	log.Printf("🔗 访问 http://localhost:%s", baseConfig.Port)
	if err := app.Run(); err != nil {
		log.Fatalf("❌ %v", err)
	}
}

// performHealthCheck 检查关键服务是否已注册
func performHealthCheck() error {
	container := di.GetContainer()

	critical := []string{di.ServiceStudio, di.ServiceProgress, di.ServiceDownload, di.ServiceMetrics, di.ServiceEvents}
	for _, name := range critical {
		if !container.Has(name) {
			return fmt.Errorf("critical service not registered: %s", name)
		}
	}

	log.Println("✅ 健康检查通过")
	return nil
}

// createDirectories 创建数据、日志和静态文件目录
func createDirectories(cfg *config.Config) {
	dirs := []string{
		cfg.DataDir,
		filepath.Join(cfg.DataDir, "downloads"),
		cfg.LogDir,
		cfg.StaticDir,
		filepath.Join(cfg.StaticDir, "css"),
		filepath.Join(cfg.StaticDir, "js"),
		filepath.Join(cfg.StaticDir, "images"),
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			log.Fatalf("创建目录失败 %s: %v", dir, err)
		}
	}
}
