package mongo

import (
	"context"
	"log"

	"civic-notification-service/internal/config"

	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"
)

var (
	Mongo_Client   *mongodriver.Client
	Mongo_Database *mongodriver.Database
)

func init() {
	cfg := config.ServiceConfig.MongoDB

	clientOpts := options.Client().
		ApplyURI(cfg.URI).
		SetMaxPoolSize(cfg.PoolSize)

	client, err := mongodriver.Connect(clientOpts)
	if err != nil {
		log.Fatalf("Failed to connect to MongoDB: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Timeout)
	defer cancel()

	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		log.Fatalf("Failed to ping MongoDB: %v", err)
	}

	Mongo_Client = client
	Mongo_Database = client.Database(cfg.Database)
	log.Printf("Connected to MongoDB database %s", cfg.Database)
}

func DisconnectMongo() {
	if Mongo_Client == nil {
		return
	}
	if err := Mongo_Client.Disconnect(context.Background()); err != nil {
		log.Printf("Error disconnecting from MongoDB: %v", err)
	}
}
