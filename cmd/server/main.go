// Package main 是应用程序的入口点。
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"polychat-go/internal/config"
	"polychat-go/internal/handler"
	"polychat-go/internal/middleware"
	"polychat-go/internal/pipeline"
	"polychat-go/internal/repository"
	"polychat-go/internal/service"
	"polychat-go/pkg/database"
	"polychat-go/pkg/es"
	"polychat-go/pkg/kafka"
	"polychat-go/pkg/llm"
	"polychat-go/pkg/log"
	"polychat-go/pkg/storage"
	"polychat-go/pkg/token"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	// 1. 初始化配置
	config.Init("./configs/config.yaml")
	cfg := config.Conf

	// 2. 初始化日志记录器
	log.Init(cfg.Log.Level, cfg.Log.Format, cfg.Log.OutputPath)
	defer log.Sync() // 确保在程序退出时刷新所有缓冲的日志条目
	log.Info("日志记录器初始化成功")

	// 3. 初始化数据库、Redis 与外部组件
	database.InitMySQL(cfg.Database.MySQL.DSN, cfg.Database.MySQL.AutoMigrate)
	database.InitRedis(cfg.Database.Redis.Addr, cfg.Database.Redis.Password, cfg.Database.Redis.DB)
	storage.InitMinIO(cfg.MinIO)
	if err := es.InitES(cfg.Elasticsearch); err != nil {
		log.Errorf("es 初始化失败 %s", err)
		return
	}
	kafka.InitProducer(cfg.Kafka)

	// 4. 初始化 Repository
	userRepo := repository.NewUserRepository(database.DB)
	chatRepo := repository.NewChatRepository(database.DB)
	msgRepo := repository.NewMessageRepository(database.DB)
	streamRepo := repository.NewStreamRepository(database.DB)
	modelRepo := repository.NewModelRepository(database.DB)
	prefRepo := repository.NewPreferenceRepository(database.DB)
	attRepo := repository.NewAttachmentRepository(database.DB)
	notifier := repository.NewStreamNotifier(database.RDB)

	// 5. 初始化 Service (依赖注入)
	jwtManager := token.NewJWTManager(cfg.JWT.Secret, cfg.JWT.AccessTokenExpireHours, cfg.JWT.RefreshTokenExpireDays)
	llmClient := llm.NewClient(cfg.LLM)
	messageIndex := es.NewMessageIndex(es.ESClient, cfg.Elasticsearch.IndexName)

	registry := service.NewModelRegistry(modelRepo)
	if err := registry.SeedIfEmpty(context.Background(), service.DefaultModels(), service.DefaultCategoryMapping()); err != nil {
		log.Fatalf("初始化模型注册表失败: %v", err)
	}
	userService := service.NewUserService(userRepo, jwtManager, database.RDB)
	adminService := service.NewAdminService(userRepo, registry)
	preferenceService := service.NewPreferenceService(prefRepo, registry)
	attachmentService := service.NewAttachmentService(attRepo, storage.NewMinioStore(storage.MinioClient, cfg.MinIO.BucketName), cfg.MinIO.PresignExpiry)
	classifier := service.NewCategoryClassifier(llmClient, cfg.Classifier)
	resolver := service.NewModelResolver(registry, classifier)
	chatService := service.NewChatService(chatRepo, userRepo)
	searchService := service.NewSearchService(messageIndex, chatRepo)
	messageService := service.NewMessageService(msgRepo, chatRepo, streamRepo, attRepo, preferenceService, resolver)
	streamManager := service.NewStreamManager(service.StreamDeps{
		Streams:     streamRepo,
		Messages:    msgRepo,
		Registry:    registry,
		Preferences: preferenceService,
		Attachments: attachmentService,
		LLM:         llmClient,
		Notifier:    notifier,
		Events:      kafka.StreamEventPublisher{},
	}, service.StreamManagerConfig{
		GenerationTimeout: cfg.Stream.GenerationTimeout,
		PollInterval:      cfg.Stream.PollInterval,
		LeaseTTL:          cfg.Stream.LeaseTTL,
		SystemRules:       cfg.LLM.Prompt.Rules,
	})
	identity := middleware.NewIdentity(jwtManager, userService)

	// 6. 初始化流结束事件的处理管道 (标题生成 + 全文索引)
	processor := pipeline.NewProcessor(llmClient, cfg.Stream.TitleModel, messageIndex, chatRepo, msgRepo)

	// 7. 启动后台 Kafka 消费者与过期流回收
	bgCtx, cancelBackground := context.WithCancel(context.Background())
	defer cancelBackground()
	go kafka.StartConsumer(bgCtx, cfg.Kafka, processor, database.RDB)
	go streamManager.RunReaper(bgCtx)

	// 8. 设置 Gin 模式并创建路由引擎
	gin.SetMode(cfg.Server.Mode)
	r := gin.New()
	r.Use(middleware.RequestLogger("/chat-stream", "/api/v1/streams/*/ws"), gin.Recovery())

	// 9. 注册路由
	chatStream := handler.NewChatStreamHandler(identity, messageService, streamManager)
	streamHandler := handler.NewStreamHandler(identity, messageService, streamManager)
	userHandler := handler.NewUserHandler(userService)
	authMiddleware := middleware.AuthMiddleware(identity)

	cs := r.Group("/chat-stream", middleware.StreamCORS(cfg.CORS))
	{
		cs.POST("", chatStream.Stream)
		cs.OPTIONS("", middleware.Preflight(cfg.CORS))
	}
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	apiV1 := r.Group("/api/v1")
	{
		// Auth 路由组
		auth := apiV1.Group("/auth")
		{
			auth.POST("/refreshToken", handler.NewAuthHandler(userService).RefreshToken)
		}

		users := apiV1.Group("/users")
		{
			// 无需认证的路由 (公开访问)
			users.POST("/register", userHandler.Register)
			users.POST("/login", userHandler.Login)

			// 需要认证的路由 (仅限登录用户访问)
			authed := users.Group("/")
			authed.Use(authMiddleware)
			{
				authed.GET("/me", userHandler.GetProfile)
				authed.POST("/logout", userHandler.Logout)
				authed.GET("/preferences", handler.NewPreferenceHandler(preferenceService).Get)
				authed.PUT("/preferences", handler.NewPreferenceHandler(preferenceService).Update)
			}
		}

		models := apiV1.Group("/models")
		models.Use(authMiddleware)
		{
			models.GET("", handler.NewModelHandler(registry).List)
			models.GET("/categories", handler.NewModelHandler(registry).Categories)
		}

		// Chat 路由组
		chats := apiV1.Group("/chats")
		chats.Use(authMiddleware)
		{
			chats.GET("", handler.NewChatHandler(chatService).List)
			chats.PATCH("/:clientId", handler.NewChatHandler(chatService).Update)
			chats.DELETE("/:clientId", handler.NewChatHandler(chatService).Delete)
			chats.POST("/:clientId/collaborators", handler.NewChatHandler(chatService).AddCollaborator)
			chats.GET("/:clientId/collaborators", handler.NewChatHandler(chatService).ListCollaborators)
			chats.POST("/:clientId/messages", handler.NewMessageHandler(messageService, cfg.Server.PublicBaseURL).Send)
			chats.GET("/:clientId/messages", handler.NewMessageHandler(messageService, cfg.Server.PublicBaseURL).List)
		}

		messages := apiV1.Group("/messages")
		messages.Use(authMiddleware)
		{
			messages.POST("/:messageId/retry", handler.NewMessageHandler(messageService, cfg.Server.PublicBaseURL).Retry)
			messages.PUT("/:messageId", handler.NewMessageHandler(messageService, cfg.Server.PublicBaseURL).Edit)
			messages.GET("/:messageId/stream", handler.NewMessageHandler(messageService, cfg.Server.PublicBaseURL).GetStream)
		}

		// websocket 握手无法携带自定义头时改用 ?token=，由处理器自行鉴权
		apiV1.GET("/streams/:streamId/ws", streamHandler.Subscribe)
		streams := apiV1.Group("/streams")
		streams.Use(authMiddleware)
		{
			streams.GET("/:streamId", streamHandler.Body)
			streams.POST("/:streamId/stop", streamHandler.Stop)
		}

		attachments := apiV1.Group("/attachments")
		attachments.Use(authMiddleware)
		{
			attachments.POST("", handler.NewAttachmentHandler(attachmentService).Upload)
			attachments.GET("/:id", handler.NewAttachmentHandler(attachmentService).Get)
			attachments.DELETE("/:id", handler.NewAttachmentHandler(attachmentService).Delete)
		}

		// Search 路由组
		search := apiV1.Group("/search")
		search.Use(authMiddleware)
		{
			search.GET("/messages", handler.NewSearchHandler(searchService).SearchMessages)
		}

		admin := apiV1.Group("/admin")
		// 管理员路由组，需要同时通过认证和管理员授权两个中间件
		admin.Use(authMiddleware, middleware.AdminAuthMiddleware())
		{
			admin.GET("/users/list", handler.NewAdminHandler(adminService).ListUsers)
			// 模型 key 形如 openai/gpt-4o，包含斜杠
			admin.PUT("/models/*key", handler.NewAdminHandler(adminService).UpsertModel)
			admin.PUT("/categories/:category/best-model", handler.NewAdminHandler(adminService).SetBestModel)
		}
	}

	// 启动 HTTP 服务器并实现优雅停机
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Server.Port),
		Handler: r,
	}

	go func() {
		log.Infof("服务启动于 %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("HTTP 服务监听失败: %s\n", err)
		}
	}()

	// 等待中断信号以实现优雅停机
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("接收到停机信号，正在关闭服务...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// 关闭 HTTP 服务器
	if err := srv.Shutdown(ctx); err != nil {
		log.Errorf("HTTP 服务器关闭失败: %v", err)
	}
	// 等待仍在生成的流写完日志，超时则中断并以 error 封存
	if err := streamManager.Shutdown(ctx); err != nil {
		log.Warnf("停机超时，未完成的流已中断: %v", err)
	}
	cancelBackground()
	kafka.CloseProducer()
	log.Info("服务已优雅关闭")
}
