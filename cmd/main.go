package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"civic-notification-service/internal/config"
	"civic-notification-service/internal/database/mongo"
	"civic-notification-service/internal/delivery"
	"civic-notification-service/internal/delivery/channels"
	"civic-notification-service/internal/event"
	"civic-notification-service/internal/geo"
	"civic-notification-service/internal/handlers"
	"civic-notification-service/internal/matching"
	"civic-notification-service/internal/repository"
	"civic-notification-service/internal/services"
	"civic-notification-service/pkg/discovery"

	"github.com/gofiber/fiber/v3"
	"github.com/redis/go-redis/v9"
)

func setupLogging() (*os.File, error) {
	logDir := filepath.Join("/evolvia", "log", "civic_notification_service")
	err := os.MkdirAll(logDir, 0755)
	if err != nil {
		return nil, fmt.Errorf("failed to create log directory: %v", err)
	}

	currentTime := time.Now()
	logFileName := fmt.Sprintf("log_%s.log", currentTime.Format("2006-01-02"))
	logFile := filepath.Join(logDir, logFileName)

	file, err := os.OpenFile(logFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %v", err)
	}

	log.SetOutput(file)
	log.SetFlags(log.Ldate | log.Ltime | log.Lshortfile)

	return file, nil
}

// geoServiceURL resolves the geo service through Consul, falling back to a
// statically configured URL.
func geoServiceURL(cfg *config.Config) string {
	if cfg.Matching.GeoServiceURL != "" {
		return cfg.Matching.GeoServiceURL
	}

	address, err := discovery.ServiceDiscovery.GetServiceAddress(cfg.Matching.GeoServiceName, "http")
	if err != nil {
		log.Printf("Warning: could not resolve %s via Consul: %v", cfg.Matching.GeoServiceName, err)
		return "http://" + cfg.Matching.GeoServiceName
	}
	return "http://" + address
}

func main() {
	logFile, err := setupLogging()
	if err != nil {
		log.Fatalf("Failed to set up logging: %v", err)
	}
	defer logFile.Close()

	cfg := config.ServiceConfig

	app := fiber.New(fiber.Config{
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	})

	// Initialize repositories
	notificationRepo := repository.NewNotificationRepository(mongo.Mongo_Database)
	deliveryRepo := repository.NewDeliveryRepository(mongo.Mongo_Database)

	// Create database indexes
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := notificationRepo.CreateIndexes(ctx); err != nil {
		log.Printf("Warning: Failed to create notification indexes: %v", err)
	}
	if err := deliveryRepo.CreateIndexes(ctx); err != nil {
		log.Printf("Warning: Failed to create delivery indexes: %v", err)
	}
	cancel()

	// Redis backs the proximity answer cache
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Address,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	// Matching core
	oracle := geo.NewClient(geoServiceURL(cfg), cfg.Matching.GeoTimeout, redisClient, cfg.Matching.GeoCacheTTL)
	matcher := matching.NewMatcher(oracle, cfg.Matching.OracleConcurrency)

	// Delivery core
	emailChannel := channels.NewEmailChannel(channels.SMTPConfig{
		Host:     cfg.Providers.SMTPHost,
		Port:     cfg.Providers.SMTPPort,
		Username: cfg.Providers.SMTPUsername,
		Password: cfg.Providers.SMTPPassword,
		From:     cfg.Providers.SMTPFrom,
		FromName: cfg.Providers.SMTPFromName,
	})
	messageChannel := channels.NewMessageChannel(channels.MessageProviderConfig{
		WhatsAppBaseURL: cfg.Providers.WhatsAppBaseURL,
		WhatsAppToken:   cfg.Providers.WhatsAppToken,
		SMSBaseURL:      cfg.Providers.SMSBaseURL,
		SMSToken:        cfg.Providers.SMSToken,
		Timeout:         cfg.Delivery.ProviderTimeout,
	})
	engine := delivery.NewEngine(deliveryRepo, emailChannel, messageChannel, cfg.Delivery.ProviderTimeout)

	// Initialize event publisher
	eventPublisher, err := event.NewEventPublisher(cfg.RabbitMQ.URI, cfg.RabbitMQ.Exchange)
	if err != nil {
		log.Printf("Warning: Failed to initialize event publisher: %v", err)
	}
	var publisher event.Publisher
	if eventPublisher != nil {
		publisher = eventPublisher
	}

	// Initialize services
	notificationService := services.NewNotificationService(matcher, notificationRepo, deliveryRepo, engine, publisher, cfg.Delivery.BatchWorkers)

	// Initialize event consumer
	eventConsumer, err := event.NewEventConsumer(cfg.RabbitMQ.URI, cfg.RabbitMQ.Exchange, cfg.RabbitMQ.QueueName, notificationService)
	if err != nil {
		log.Printf("Warning: Failed to initialize event consumer: %v", err)
	} else {
		if err := eventConsumer.Start(); err != nil {
			log.Printf("Warning: Failed to start event consumer: %v", err)
			eventConsumer.Close()
			eventConsumer = nil
		} else {
			log.Println("Successfully started notification run consumer")
		}
	}

	// Initialize and register handlers
	notificationHandler := handlers.NewNotificationHandler(notificationService, notificationRepo)
	notificationHandler.RegisterRoutes(app)
	deliveryHandler := handlers.NewDeliveryHandler(notificationService, deliveryRepo)
	deliveryHandler.RegisterRoutes(app)

	shutdownChan := make(chan os.Signal, 1)
	doneChan := make(chan bool, 1)

	signal.Notify(shutdownChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		log.Printf("Starting server on port %s", cfg.Server.Port)
		if err := app.Listen(fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port)); err != nil {
			log.Fatalf("Error starting server: %v", err)
		}
		doneChan <- true
	}()

	<-shutdownChan
	log.Println("Shutting down server...")

	ctx, cancel = context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := app.ShutdownWithContext(ctx); err != nil {
		log.Printf("Error shutting down HTTP server: %v", err)
	}

	// Close event publisher
	if eventPublisher != nil {
		if err := eventPublisher.Close(); err != nil {
			log.Printf("Error closing event publisher: %v", err)
		}
	}

	// Close event consumer
	if eventConsumer != nil {
		if err := eventConsumer.Close(); err != nil {
			log.Printf("Error closing event consumer: %v", err)
		}
	}

	// Close the Redis cache connection
	if err := redisClient.Close(); err != nil {
		log.Printf("Error closing Redis client: %v", err)
	}

	// Disconnect from MongoDB
	mongo.DisconnectMongo()

	// Deregister from service discovery
	if discovery.ServiceDiscovery != nil {
		if err := discovery.ServiceDiscovery.Deregister(); err != nil {
			log.Printf("Error deregistering from service discovery: %v", err)
		}
	}

	<-doneChan
	log.Println("Server shutdown complete")
}
