package main

import (
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"advisor-backend/internal/assistant"
	"advisor-backend/internal/config"
	"advisor-backend/internal/handler"
	"advisor-backend/internal/service"
	"advisor-backend/pkg/logger"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "./configs/config.yaml", "配置文件路径")
	flag.Parse()

	// 加载配置
	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// 初始化日志
	if err := logger.Init(cfg.Log.Level, cfg.Log.Format); err != nil {
		log.Fatalf("Failed to init logger: %v", err)
	}

	if cfg.OpenAI.APIKey == "" {
		logger.Fatalf("OPENAI_API_KEY 未配置")
	}
	if cfg.OpenAI.AssistantID == "" {
		// 不直接退出：前端通过 /api/assistants 收到 500 后展示阻断提示
		logger.Warnf("ASSISTANT_ID 未配置，聊天界面将不可用")
	}

	// 初始化服务
	client := assistant.NewClient(cfg.OpenAI)
	sessionService := service.NewSessionService(service.NewGateway(client), cfg)
	recorderService := service.NewRecorderService(client)

	// 初始化处理器
	h := handler.New(cfg, sessionService, client, client, recorderService)

	// 创建路由
	router := setupRouter(cfg, h)

	// 创建HTTP服务器
	server := &http.Server{
		Addr:           fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:        router,
		ReadTimeout:    cfg.Server.ReadTimeout,
		WriteTimeout:   cfg.Server.WriteTimeout,
		MaxHeaderBytes: cfg.Server.MaxHeaderBytes,
	}

	// 启动服务器
	go func() {
		logger.Infof("服务器启动在端口 %d", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("服务器启动失败: %v", err)
		}
	}()

	// 等待信号优雅关闭
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("服务器正在关闭...")
	if err := server.Close(); err != nil {
		logger.Errorf("服务器关闭失败: %v", err)
	}
	logger.Info("服务器已关闭")
}

func setupRouter(cfg *config.Config, h *handler.Handler) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()

	// 中间件
	router.Use(gin.Logger())
	router.Use(gin.Recovery())

	// CORS配置
	corsConfig := cors.Config{
		AllowOrigins:     cfg.CORS.AllowedOrigins,
		AllowMethods:     cfg.CORS.AllowedMethods,
		AllowHeaders:     cfg.CORS.AllowedHeaders,
		ExposeHeaders:    cfg.CORS.ExposedHeaders,
		AllowCredentials: cfg.CORS.AllowCredentials,
		MaxAge:           time.Duration(cfg.CORS.MaxAge) * time.Second,
	}
	router.Use(cors.New(corsConfig))

	// 健康检查
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":    "ok",
			"timestamp": time.Now().Unix(),
		})
	})

	// API路由
	api := router.Group("/api")
	{
		api.GET("/config", h.GetChatConfig)
		api.POST("/assistants", h.GetAssistant)
		api.POST("/assistants/threads", h.CreateThread)
		api.GET("/assistants/threads/:thread_id/messages", h.GetTranscript)
		api.POST("/assistants/threads/:thread_id/messages", h.StreamMessage)
		api.POST("/assistants/threads/:thread_id/actions", h.SubmitActions)

		api.POST("/upload", h.UploadFile)
		api.GET("/files/:file_id", h.DownloadFile)

		api.POST("/transcribe", h.Transcribe)

		voice := api.Group("/voice")
		{
			voice.POST("", h.StartRecording)
			voice.POST("/:recording_id/chunks", h.AppendChunk)
			voice.DELETE("/:recording_id", h.CancelRecording)
			voice.POST("/:recording_id/finish", h.FinishRecording)
		}
	}

	return router
}
