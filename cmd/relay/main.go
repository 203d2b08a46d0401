package main

import (
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/gin-gonic/gin"

	"github.com/app-builder/realtime/api/handlers"
	"github.com/app-builder/realtime/internal/history"
	"github.com/app-builder/realtime/internal/relay"
)

func main() {
	// Get configuration from environment
	port := getEnv("PORT", "8080")
	upstream := getEnv("UPSTREAM_URL", "ws://localhost:8000/ws")
	token := getEnv("AUTH_TOKEN", "")
	dbPath := getEnv("DB_PATH", "")

	// Optional history store for the status/history endpoints
	var store *history.Store
	if dbPath != "" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
			log.Fatalf("Failed to create database directory: %v", err)
		}
		var err error
		store, err = history.Open(dbPath)
		if err != nil {
			log.Fatalf("Failed to open history store: %v", err)
		}
		defer store.Close()
	}

	// Initialize the relay and handlers
	wsRelay := relay.New(upstream, token)
	relayHandler := handlers.NewRelayHandler(wsRelay, store)

	// Initialize Gin router
	r := gin.Default()

	// Enable CORS for development
	r.Use(corsMiddleware())

	// Health check endpoint
	r.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{
			"status": "ok",
		})
	})

	// API routes
	api := r.Group("/api")
	{
		relayHandler.RegisterRoutes(api)
	}

	// Graceful shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		log.Println("Shutting down relay...")
		if store != nil {
			store.Close()
		}
		os.Exit(0)
	}()

	// Start server
	log.Printf("Starting relay on port %s, upstream %s", port, upstream)
	if err := r.Run(":" + port); err != nil {
		log.Fatalf("Failed to start relay: %v", err)
	}
}

// getEnv returns the value of an environment variable or a default value.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// corsMiddleware returns a CORS middleware for development.
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, X-CSRF-Token, Authorization, accept, origin, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT, DELETE")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	}
}
