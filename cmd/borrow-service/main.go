package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/Zahkklm/LibraryManagementSystem-sub000/internal/bus"
	"github.com/Zahkklm/LibraryManagementSystem-sub000/internal/handlers"
	"github.com/Zahkklm/LibraryManagementSystem-sub000/internal/inbox"
	"github.com/Zahkklm/LibraryManagementSystem-sub000/internal/repositories"
	"github.com/Zahkklm/LibraryManagementSystem-sub000/internal/services"
)

func main() {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		log.Fatal("DATABASE_URL environment variable is required")
	}
	brokersEnv := os.Getenv("KAFKA_BROKERS")
	if brokersEnv == "" {
		log.Fatal("KAFKA_BROKERS environment variable is required")
	}
	inboxPath := os.Getenv("INBOX_PATH")
	if inboxPath == "" {
		inboxPath = "borrow-service-inbox.db"
	}

	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("failed to build logger: %v", err)
	}
	defer logger.Sync()

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		log.Fatalf("failed to connect database: %v", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		log.Fatalf("failed to get generic DB: %v", err)
	}
	sqlDB.SetMaxOpenConns(20)
	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetConnMaxLifetime(time.Hour)

	store, err := inbox.NewBoltStore(inboxPath)
	if err != nil {
		log.Fatalf("failed to open inbox store: %v", err)
	}
	defer store.Close()

	eventBus := bus.NewKafkaBus(strings.Split(brokersEnv, ","), logger)
	defer eventBus.Close()

	borrowRepo := repositories.NewBorrowRecordRepository(db)
	borrowService := services.NewBorrowService(db, borrowRepo, eventBus, logger, nil)

	if err := services.RegisterBorrowConsumers(eventBus, borrowService, store, logger); err != nil {
		log.Fatalf("failed to register consumers: %v", err)
	}

	router := gin.Default()
	handlers.RegisterBorrowRoutes(router, borrowService)

	serverAddr := os.Getenv("SERVER_ADDR")
	if serverAddr == "" {
		serverAddr = ":8080"
	}

	srv := &http.Server{
		Addr:         serverAddr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.Info("borrow service listening", zap.String("addr", serverAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown failed", zap.Error(err))
	}
}
