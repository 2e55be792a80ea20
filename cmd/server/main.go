// Package main 是应用程序的入口点。
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"

	"saha-ai-go/internal/config"
	"saha-ai-go/internal/handler"
	"saha-ai-go/internal/pipeline"
	"saha-ai-go/internal/repository"
	"saha-ai-go/internal/service"
	"saha-ai-go/pkg/database"
	"saha-ai-go/pkg/kafka"
	"saha-ai-go/pkg/llm"
	"saha-ai-go/pkg/log"
	"saha-ai-go/pkg/token"
)

func main() {
	configPath := flag.String("config", "./configs/config.yaml", "path to config file")
	flag.Parse()

	// 1. 初始化配置
	config.Init(*configPath)
	cfg := config.Conf

	// 2. 初始化日志记录器
	log.Init(cfg.Log.Level, cfg.Log.Format, cfg.Log.OutputPath)
	defer log.Sync() // 确保在程序退出时刷新所有缓冲的日志条目
	log.Info("日志记录器初始化成功")
	if cfg.LLM.APIKey == "" {
		log.Warnf("llm.api_key 未配置，模型调用将会失败 (可通过 SAHA_LLM_API_KEY 设置)")
	}

	// 3. 初始化数据库和 Redis
	database.InitDB(cfg.Database)
	database.InitRedis(cfg.Database.Redis)

	// 4. 初始化 Repository
	userRepo := repository.NewUserRepository(database.DB)
	chatRepo := repository.NewChatRepository(database.DB)
	messageRepo := repository.NewMessageRepository(database.DB)
	blacklist := repository.NewTokenBlacklist(database.RDB)

	// 5. 初始化孤儿消息清理管道：配置了 Kafka 则异步投递，否则同步执行
	processor := pipeline.NewPurgeProcessor(messageRepo)
	var (
		purger   service.PurgeScheduler
		consumer *kafka.Consumer
	)
	if cfg.Kafka.Enabled() {
		producer := kafka.NewProducer(cfg.Kafka)
		defer producer.Close()
		purger = producer
		consumer = kafka.NewConsumer(cfg.Kafka, processor, kafka.NewRedisAttemptTracker(database.RDB))
	} else {
		log.Info("未配置 Kafka，孤儿消息清理将同步执行")
		purger = pipeline.NewInlineScheduler(processor)
	}

	// 6. 初始化 Service (依赖注入)
	jwtManager := token.NewJWTManager(cfg.JWT.Secret, cfg.JWT.AccessTokenExpireHours, cfg.JWT.RefreshTokenExpireDays)
	llmClient := llm.NewClient(cfg.LLM)
	contextBuilder := service.NewContextBuilder(messageRepo, cfg.Chat.ContextLimit)
	services := handler.Services{
		User:         service.NewUserService(userRepo, blacklist, jwtManager),
		Conversation: service.NewConversationService(chatRepo, messageRepo, purger, cfg.Chat.DefaultTitle),
		Chat: service.NewChatService(chatRepo, messageRepo, contextBuilder, llmClient, service.ChatOptions{
			ContextLimit: cfg.Chat.ContextLimit,
			TitleLength:  cfg.Chat.TitleLength,
			DefaultTitle: cfg.Chat.DefaultTitle,
		}),
	}

	// 7. 设置 Gin 模式并注册路由
	gin.SetMode(cfg.Server.Mode)
	r := handler.NewRouter(jwtManager, services)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.Server.Port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// 8. 启动 HTTP 服务器与后台消费者，收到停机信号后优雅关闭
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	g, gctx := errgroup.WithContext(ctx)

	if consumer != nil {
		g.Go(func() error {
			// 消费者异常退出不影响 HTTP 服务
			if err := consumer.Run(gctx); err != nil {
				log.Error("Kafka 消费者异常退出", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		log.Infof("服务启动于 %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP 服务监听失败: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		log.Info("接收到停机信号，正在关闭服务...")
		// 模型调用可能接近超时，关机等待时间需覆盖它
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.LLM.Timeout()+5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Errorf("服务异常退出: %v", err)
	}
	if err := database.RDB.Close(); err != nil {
		log.Errorf("关闭 Redis 连接失败: %v", err)
	}
	log.Info("服务已优雅关闭")
}
