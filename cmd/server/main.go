// cmd/server/main.go
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Corphon/StoryboardMCP/internal/app"
	"github.com/Corphon/StoryboardMCP/internal/config"
)

func main() {
	log.Println("🚀 启动 Storyboard 服务器...")

	// 1. 加载配置
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("❌ 加载配置失败: %v", err)
	}
	log.Printf("✅ 配置加载完成，端口: %s", cfg.Port)

	// 2. 装配组件
	application, err := app.New(context.Background(), cfg)
	if err != nil {
		log.Fatalf("❌ 初始化服务失败: %v", err)
	}
	log.Printf("✅ 所有服务初始化完成: %v", application.Container().Names())

	// 3. 健康检查
	if err := application.HealthCheck(); err != nil {
		log.Fatalf("❌ 服务健康检查失败: %v", err)
	}
	log.Println("✅ 服务健康检查通过")

	// 4. 后台任务
	application.Start()
	log.Printf("✅ 状态推送已启动，LLM: %s / %s，ComfyUI: %s", cfg.LLMProvider, cfg.LLMModel, cfg.ComfyAddress)

	// 5. 启动服务器
	log.Printf("🌐 服务器启动在端口 %s", cfg.Port)
	log.Printf("🔗 状态接口: http://localhost:%s/api/pipeline/status", cfg.Port)
	log.Printf("🔗 状态推送: ws://localhost:%s/ws/pipeline", cfg.Port)

	setupGracefulShutdown(application, cfg.Port)
}

// 优雅关闭函数
func setupGracefulShutdown(application *app.App, port string) {
	srv := &http.Server{
		Addr:    ":" + port,
		Handler: application.Router,
	}

	// 在新的 goroutine 中启动服务器
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("❌ 启动服务器失败: %v", err)
		}
	}()

	// 等待中断信号以进行优雅关闭
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("🛑 正在关闭服务器...")

	// 给定超时时间关闭服务器
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("⚠️ HTTP 服务器强制关闭: %v", err)
	}

	if err := application.Shutdown(ctx); err != nil {
		log.Printf("⚠️ 流水线未能在超时前结束: %v", err)
	}

	log.Println("✅ 服务器优雅关闭完成")
}
