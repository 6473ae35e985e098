package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"

	"talkgen/internal/api/handlers"
	"talkgen/internal/api/middleware"
	"talkgen/internal/config"
	"talkgen/internal/core"
	"talkgen/internal/executor"
	"talkgen/internal/history"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid config: %v", err)
	}

	for _, dir := range []string{cfg.Paths.Uploads, cfg.Paths.Outputs} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			log.Fatalf("Failed to create directory %s: %v", dir, err)
		}
	}

	historyStore, err := history.New(history.Config{
		Path:      cfg.History.Path,
		Retention: cfg.History.Retention,
	})
	if err != nil {
		log.Fatalf("Failed to open history store: %v", err)
	}
	defer historyStore.Close()

	historyStore.Start()
	defer historyStore.Stop()

	hub := core.NewHub()

	gen := executor.New(executor.Config{
		PythonBin:   cfg.Executor.PythonBin,
		Script:      cfg.Executor.Script,
		WorkDir:     cfg.Executor.WorkDir,
		WeightsDir:  cfg.Executor.WeightsDir,
		SampleSteps: cfg.Executor.SampleSteps,
		Size:        cfg.Executor.Size,
		UploadsDir:  cfg.Paths.Uploads,
		OutputsDir:  cfg.Paths.Outputs,
	})

	queue := core.NewQueue(gen, hub, historyStore, core.QueueConfig{
		MaxQueueSize:  cfg.Queue.MaxQueueSize,
		MaxConcurrent: cfg.Queue.MaxConcurrent,
		JobTimeout:    cfg.Queue.JobTimeout,
	})
	queue.Start()

	auth, err := middleware.NewAuthMiddleware(cfg.Auth.PasswordHash)
	if err != nil {
		log.Fatalf("Failed to initialize auth: %v", err)
	}

	jobHandler := handlers.NewJobHandler(queue, historyStore, cfg.Paths.Uploads)
	wsHandler := handlers.NewWSHandler(queue, hub)

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.Default()
	router.MaxMultipartMemory = 32 << 20

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := router.Group("/api")
	{
		api.POST("/generate", jobHandler.Generate)
		api.GET("/status/:id", jobHandler.Status)
		api.GET("/queue", jobHandler.QueueStatus)
		api.GET("/result/:id", jobHandler.Result)

		api.POST("/auth/login", auth.LoginHandler)
		api.POST("/auth/logout", auth.LogoutHandler)
		api.GET("/auth/status", auth.StatusHandler)

		admin := api.Group("", auth.RequireAuth())
		{
			admin.POST("/cancel/:id", jobHandler.Cancel)
			admin.DELETE("/result/:id", jobHandler.Delete)
			admin.GET("/history", jobHandler.History)
		}
	}

	router.GET("/ws", wsHandler.Serve)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		log.Printf("Starting server on port %d", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed to start: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	}
	if err := queue.Stop(shutdownCtx); err != nil {
		log.Printf("Queue shutdown: %v", err)
	}

	log.Println("Server exited")
}
