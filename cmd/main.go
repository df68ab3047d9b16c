package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"

	"github.com/kkumarsourav9-ux/otpflow-bot/internal/infrastructure"
	httpapi "github.com/kkumarsourav9-ux/otpflow-bot/internal/interfaces/http"
	"github.com/kkumarsourav9-ux/otpflow-bot/internal/repository"
	"github.com/kkumarsourav9-ux/otpflow-bot/internal/usecases"
)

func main() {
	// Load .env file
	if err := godotenv.Load(); err != nil {
		fmt.Println("No .env file found, using process environment")
	}

	databaseURL := os.Getenv("DATABASE_URL")
	if databaseURL == "" {
		panic("DATABASE_URL is required")
	}
	jwtSecret := os.Getenv("JWT_SECRET")
	if jwtSecret == "" {
		panic("JWT_SECRET is required")
	}

	// Connect to PostgreSQL
	pgClient, err := infrastructure.NewPostgresClient(databaseURL)
	if err != nil {
		panic("Failed to connect to database: " + err.Error())
	}
	defer pgClient.Close()

	// Initialize Repositories
	instanceRepo := repository.NewInstanceRepository(pgClient.Pool)
	credentialRepo := repository.NewCredentialRepository(pgClient.Pool)
	userRepo := repository.NewUserRepository(pgClient.Pool)

	// Admin auth for the API
	authUsecase := usecases.NewAuthUsecase(userRepo, jwtSecret)
	adminUser := envOr("ADMIN_USER", "root")
	adminPass := envOr("ADMIN_PASSWORD", "root")
	if err := authUsecase.EnsureAdmin(context.Background(), adminUser, adminPass); err != nil {
		fmt.Println("Warning: Failed to ensure admin user:", err)
	}

	// Optional operator alerting via Telegram
	var notifier *infrastructure.TelegramNotifier
	if token := os.Getenv("TELEGRAM_BOT_TOKEN"); token != "" {
		chatID, _ := strconv.ParseInt(os.Getenv("TELEGRAM_CHAT_ID"), 10, 64)
		notifier, err = infrastructure.NewTelegramNotifier(token, chatID)
		if err != nil {
			fmt.Println("Telegram alerts disabled:", err)
		} else {
			fmt.Println("Telegram alerts enabled")
		}
	}

	// WhatsApp protocol adapter, one device store per instance
	dialer, err := infrastructure.NewWhatsmeowDialer(envOr("DEVICE_STORE_DIR", "devices"))
	if err != nil {
		panic("Failed to init device store: " + err.Error())
	}

	throttle := infrastructure.NewSendThrottle(envFloat("SEND_RATE_PER_MINUTE", 20), 5)

	registryOpts := infrastructure.RegistryOptions{Throttle: throttle}
	engineOpts := usecases.EngineOptions{
		OwnerPolicy: usecases.RotationPolicy(envOr("ROTATION_POLICY", string(usecases.PolicyPriority))),
	}
	if notifier != nil {
		registryOpts.Notifier = notifier
		engineOpts.Notifier = notifier
	}

	registry := infrastructure.NewSessionRegistry(dialer, credentialRepo, instanceRepo, registryOpts)
	engine := usecases.NewRotationEngine(instanceRepo, registry, engineOpts)
	supervisor := infrastructure.NewSupervisor(registry, instanceRepo, 3*time.Second)
	gateway := usecases.NewGateway(registry, supervisor, engine, instanceRepo)

	// Revive sessions that were alive before the last shutdown, and keep the
	// staleness watchdog running for hung handshakes.
	ctx := context.Background()
	go registry.RunWatchdog(ctx, 15*time.Second)
	go func() {
		if _, err := gateway.RestoreAllSessions(ctx); err != nil {
			log.Printf("session restore: %v", err)
		}
	}()

	// Setup HTTP server
	authMiddleware := httpapi.NewMiddleware(jwtSecret)
	r := gin.Default()
	httpapi.SetupRoutes(r, gateway, authUsecase, authMiddleware)

	port := envOr("PORT", "8080")
	if err := r.Run("0.0.0.0:" + port); err != nil {
		fmt.Printf("FAILED to start HTTP Server: %v\n", err)
		os.Exit(1)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}
