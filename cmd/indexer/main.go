package main

import (
	"bufio"
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/openlend/lendledger/internal/account"
	"github.com/openlend/lendledger/internal/api"
	"github.com/openlend/lendledger/internal/chain"
	"github.com/openlend/lendledger/internal/config"
	"github.com/openlend/lendledger/internal/dispatch"
	"github.com/openlend/lendledger/internal/market"
	"github.com/openlend/lendledger/internal/models"
	"github.com/openlend/lendledger/internal/oracle"
	"github.com/openlend/lendledger/internal/position"
	"github.com/openlend/lendledger/internal/rewards"
	"github.com/openlend/lendledger/internal/token"
	"github.com/openlend/lendledger/internal/transaction"
)

func deploymentFromEnv() *config.Deployment {
	dep := &config.Deployment{
		ID:                     os.Getenv("DEPLOYMENT_ID"),
		Network:                os.Getenv("NETWORK"),
		ReserveFactorExponent:  2,
		RewardStalenessSeconds: 43200,
		PoolAddress:            common.HexToAddress(os.Getenv("POOL_ADDRESS")),
		ReferenceStablecoin:    common.HexToAddress(os.Getenv("REFERENCE_STABLECOIN")),
	}

	switch os.Getenv("PRICE_MODE") {
	case "eth":
		dep.PriceMode = config.PriceModeETHQuoted
	case "usd":
		dep.PriceMode = config.PriceModeUSDScaled
		dep.PriceExponent = 8
	default:
		dep.PriceMode = config.PriceModeAssetDecimals
	}
	if exp, err := strconv.Atoi(os.Getenv("PRICE_EXPONENT")); err == nil {
		dep.PriceExponent = int32(exp)
	}
	if exp, err := strconv.Atoi(os.Getenv("RESERVE_FACTOR_EXPONENT")); err == nil {
		dep.ReserveFactorExponent = int32(exp)
	}
	if dep.Network == config.NetworkPolygon {
		dep.PriceOverrides = append(dep.PriceOverrides, config.PolygonMisprice)
	}
	return dep
}

func main() {
	// Load environment variables
	if err := godotenv.Load(); err != nil {
		logrus.Warn("No .env file found")
	}

	// Initialize logger
	logrus.SetFormatter(&logrus.JSONFormatter{})
	logrus.SetLevel(logrus.InfoLevel)

	deployment := deploymentFromEnv()
	if deployment.ID == "" {
		logrus.Fatal("DEPLOYMENT_ID is required")
	}

	// Database connection
	dsn := fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=disable",
		os.Getenv("DB_HOST"),
		os.Getenv("DB_USER"),
		os.Getenv("DB_PASSWORD"),
		os.Getenv("DB_NAME"),
		os.Getenv("DB_PORT"),
	)

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		logrus.WithError(err).Fatal("Failed to connect to database")
	}

	if err := db.AutoMigrate(
		&models.Deployment{},
		&models.Token{},
		&models.Market{},
		&models.Account{},
		&models.PositionCounter{},
		&models.Position{},
		&models.PositionSnapshot{},
		&models.RewardEmission{},
		&models.Activity{},
	); err != nil {
		logrus.WithError(err).Fatal("Failed to migrate schema")
	}

	// Redis connection, used only as a price cache
	rdb := redis.NewClient(&redis.Options{
		Addr:     os.Getenv("REDIS_ADDR"),
		Password: os.Getenv("REDIS_PASSWORD"),
		DB:       0,
	})

	ctx := context.Background()
	var priceCache *redis.Client
	if err := rdb.Ping(ctx).Err(); err != nil {
		logrus.WithError(err).Warn("Failed to connect to Redis, price cache disabled")
	} else {
		priceCache = rdb
	}

	// Chain connection
	client, err := ethclient.Dial(os.Getenv("RPC_URL"))
	if err != nil {
		logrus.WithError(err).Fatal("Failed to connect to RPC endpoint")
	}
	caller, err := chain.NewEthCaller(client)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to initialize contract caller")
	}

	resolver := oracle.NewResolver(caller, priceCache, deployment)
	calculator := rewards.NewCalculator(caller, resolver, deployment)
	dispatcher := dispatch.NewDispatcher(db, caller, resolver, calculator, deployment)

	// Event intake: one decoded event per line on stdin, applied in
	// arrival order by a single goroutine per deployment
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		scanner.Buffer(make([]byte, 1024*1024), 1024*1024)
		for scanner.Scan() {
			line := scanner.Bytes()
			if len(line) == 0 {
				continue
			}
			event, err := dispatch.DecodeEvent(line)
			if err != nil {
				logrus.WithError(err).Error("Failed to decode event")
				continue
			}
			if err := dispatcher.Apply(ctx, event); err != nil {
				logrus.WithFields(logrus.Fields{
					"tx":    event.TxHash,
					"block": event.Block,
				}).WithError(err).Error("Failed to apply event")
			}
		}
		if err := scanner.Err(); err != nil {
			logrus.WithError(err).Error("Event stream read failed")
		}
		logrus.Info("Event stream closed")
	}()

	// Initialize Gin router
	router := gin.New()
	router.Use(gin.Logger())
	router.Use(gin.Recovery())

	// Health check endpoint
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":     "ok",
			"timestamp":  time.Now().Unix(),
			"service":    "lendledger",
			"deployment": deployment.ID,
		})
	})

	// API v1 routes
	v1 := router.Group("/api/v1")
	{
		handler := api.NewHandler(
			deployment.ID,
			db,
			market.NewMarketRepository(db),
			position.NewPositionRepository(db),
			account.NewService(account.NewAccountRepository(db), deployment),
			token.NewService(token.NewTokenRepository(db), caller, deployment),
			transaction.NewActivityRepository(db),
		)
		handler.RegisterRoutes(v1)
	}

	// Server configuration
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	srv := &http.Server{
		Addr:    ":" + port,
		Handler: router,
	}

	// Start server in a goroutine
	go func() {
		logrus.WithFields(logrus.Fields{
			"port":       port,
			"deployment": deployment.ID,
		}).Info("Starting lendledger indexer")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logrus.WithError(err).Fatal("Failed to start server")
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logrus.Info("Shutting down indexer...")

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logrus.WithError(err).Fatal("Server forced to shutdown")
	}

	// Close database connection
	if sqlDB, err := db.DB(); err == nil {
		sqlDB.Close()
	}

	// Close Redis connection
	rdb.Close()
	client.Close()

	logrus.Info("Indexer exited")
}
