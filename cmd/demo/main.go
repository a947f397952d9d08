// cmd/demo/main.go
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"
	"unicode/utf8"

	"github.com/Corphon/StoryboardMCP/internal/app"
	"github.com/Corphon/StoryboardMCP/internal/config"
	"github.com/Corphon/StoryboardMCP/internal/models"
	"github.com/Corphon/StoryboardMCP/internal/utils"
)

// 终端中每段文本最多显示的字符数
const previewRunes = 160

func main() {
	theme := flag.String("theme", "", "故事主题，留空时从标准输入读取")
	outDir := flag.String("out", "output", "通过审阅的图片保存目录")
	flag.Parse()

	fmt.Println("🚀 Storyboard Console")
	fmt.Println("=================================")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("❌ 加载配置失败: %v", err)
	}

	if strings.TrimSpace(*theme) == "" {
		*theme = readTheme(os.Stdin)
	}

	// 终端模式下结构化日志只写文件，避免和事件输出混在一起
	logger := utils.NewLogger(io.Discard, utils.ParseLogLevel(cfg.LogLevel))
	if cfg.LogDir != "" {
		logFile := filepath.Join(cfg.LogDir, fmt.Sprintf("console_%s.log", time.Now().Format("2006-01-02")))
		if err := os.MkdirAll(cfg.LogDir, 0755); err == nil {
			if f, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644); err == nil {
				defer f.Close()
				logger.SetOutput(f)
			}
		}
	}

	application, err := app.New(context.Background(), cfg, app.WithLogger(logger))
	if err != nil {
		log.Fatalf("❌ 初始化服务失败: %v", err)
	}

	events, unsubscribe := application.Hub.Subscribe()
	printed := make(chan struct{})
	go func() {
		defer close(printed)
		for event := range events {
			printEvent(event)
		}
	}()

	// 第一次 Ctrl+C 在下一个检查点中止，第二次直接退出
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigs := make(chan os.Signal, 2)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigs
		if application.Pipeline.Abort() {
			fmt.Println("\n🛑 已请求中止，将在当前步骤完成后停止（再按一次强制退出）")
		}
		<-sigs
		cancel()
	}()

	fmt.Printf("🎬 主题: %s (最多 %d 次尝试)\n\n", *theme, application.Pipeline.MaxRetries())
	result, err := application.Pipeline.Run(ctx, *theme)

	unsubscribe()
	<-printed

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	application.Shutdown(shutdownCtx)

	if err != nil {
		log.Fatalf("❌ 无法启动: %v", err)
	}

	fmt.Println()
	fmt.Println("=================================")
	fmt.Printf("结果: %s，共 %d 次尝试\n", result.Status, result.Attempts)

	switch result.Status {
	case models.RunStatusApproved:
		path, err := saveImage(*outDir, result)
		if err != nil {
			log.Fatalf("❌ 保存图片失败: %v", err)
		}
		fmt.Printf("✅ 图片已保存: %s\n", path)
		fmt.Printf("最终提示词: %s\n", result.FinalPrompt)
	case models.RunStatusExhausted:
		fmt.Printf("⚠️ 最后一次审阅意见: %s\n", result.LastFeedback)
		os.Exit(2)
	case models.RunStatusFailed:
		fmt.Printf("❌ 错误: %s\n", result.Error)
		os.Exit(1)
	case models.RunStatusAborted:
		fmt.Println("🛑 运行已中止")
		os.Exit(130)
	}
}

// readTheme 从输入读取一行作为主题
func readTheme(r io.Reader) string {
	reader := bufio.NewReader(r)
	for {
		fmt.Print("请输入故事主题: ")
		line, err := reader.ReadString('\n')
		if theme := strings.TrimSpace(line); theme != "" {
			return theme
		}
		if err != nil {
			log.Fatalf("❌ 未提供主题")
		}
	}
}

func printEvent(event models.StatusEvent) {
	label := string(event.Stage)
	if event.Attempt > 0 {
		label = fmt.Sprintf("%s #%d/%d", event.Stage, event.Attempt, event.MaxAttempts)
	}

	fmt.Printf("%s %-16s %s\n", stateIcon(event.State), label, event.Message)

	if event.Artifact == nil {
		return
	}
	switch event.Artifact.Kind {
	case models.ArtifactText:
		if event.Stage != models.StagePipeline || event.IsTerminal() {
			fmt.Printf("   └─ %s\n", preview(event.Artifact.Text))
		}
	case models.ArtifactImage:
		fmt.Printf("   └─ [%s, %d 字节]\n", event.Artifact.MimeType, len(event.Artifact.Image))
	}
}

func stateIcon(state models.StageState) string {
	switch state {
	case models.StageStarted:
		return "⏳"
	case models.StageCompleted:
		return "✅"
	case models.StageFailed:
		return "❌"
	case models.StageRetry:
		return "🔁"
	case models.StageApproved:
		return "🎉"
	}
	return "•"
}

// preview 压成一行并截断
func preview(text string) string {
	text = strings.Join(strings.Fields(text), " ")
	if utf8.RuneCountInString(text) <= previewRunes {
		return text
	}
	runes := []rune(text)
	return string(runes[:previewRunes]) + "…"
}

// saveImage 按运行ID命名，扩展名取自图片类型
func saveImage(dir string, result *models.RunResult) (string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", err
	}

	ext := ".png"
	if len(result.Image) >= 3 && result.Image[0] == 0xFF && result.Image[1] == 0xD8 && result.Image[2] == 0xFF {
		ext = ".jpg"
	}

	path := filepath.Join(dir, fmt.Sprintf("storyboard_%s%s", result.RunID, ext))
	if err := os.WriteFile(path, result.Image, 0644); err != nil {
		return "", err
	}
	return path, nil
}
