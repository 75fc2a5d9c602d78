package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/Tosin-A/Cora-Lockin/controllers"
	"github.com/Tosin-A/Cora-Lockin/database"
	"github.com/Tosin-A/Cora-Lockin/jobs"
	"github.com/Tosin-A/Cora-Lockin/models"
	"github.com/Tosin-A/Cora-Lockin/routes"
	"github.com/Tosin-A/Cora-Lockin/services"
	"github.com/Tosin-A/Cora-Lockin/utils"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("[main] no .env file found, using process environment")
	}

	required := []string{"DB_HOST", "DB_USER", "DB_PASS", "DB_NAME", "JWT_SECRET", "ASSISTANT_API_KEY", "ASSISTANT_PROFILE_ID"}
	for _, key := range required {
		if os.Getenv(key) == "" {
			log.Fatalf("[main] required environment variable %s is not set", key)
		}
	}

	db, err := database.Connect()
	if err != nil {
		log.Fatalf("[main] database connection failed: %v", err)
	}

	if os.Getenv("ENV") != "production" {
		err := db.AutoMigrate(
			&models.User{},
			&models.CoachSession{},
			&models.Turn{},
			&models.Message{},
			&models.QuotaRecord{},
			&models.AICallLog{},
			&models.AbuseLog{},
			&models.RateLimitWindow{},
			&models.UserMemory{},
			&models.NotificationEvent{},
		)
		if err != nil {
			log.Fatalf("[main] auto migration failed: %v", err)
		}
		log.Println("[main] auto migration complete")
	}

	assistantID := os.Getenv("ASSISTANT_PROFILE_ID")
	api := utils.NewAssistantClient()

	quota := services.NewQuotaStore(db)
	limiter := services.NewRateLimiter(db)
	abuse := services.NewAbuseDetector(db)
	gateway := services.NewQuotaGateway(quota, limiter, abuse)
	sessions := services.NewSessionRegistry(db, api, assistantID)
	ledger := services.NewReconciliationLedger(db)
	locks := services.NewLockManager()
	notifier := services.NewNotifier(db)
	orchestrator := services.NewOrchestrator(db, api, sessions, ledger, gateway, locks, notifier, assistantID)

	coach := controllers.NewCoachController(orchestrator, gateway, ledger, sessions)
	handler := routes.InitRouter(coach)

	schedCtx, stopScheduler := context.WithCancel(context.Background())
	scheduler := jobs.NewScheduler(db, nil, limiter, locks)
	go scheduler.Run(schedCtx)

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}
	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Printf("[main] listening on :%s", port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("[main] server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("[main] shutting down")

	stopScheduler()
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("[main] forced shutdown: %v", err)
	}
	log.Println("[main] stopped")
}
