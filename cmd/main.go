/**
 * @description
 * This is the main entry point for the payment-service. It is responsible for
 * initializing all components of the service, including configuration, database connection,
 * the M-Pesa gateway client, message brokers, repositories, the core application service,
 * and the HTTP server. It wires everything together and starts the service.
 *
 * @dependencies
 * - log, net/http: Standard Go libraries for logging and HTTP server functionality.
 * - github.com/go-chi/chi/v5: For HTTP routing.
 * - github.com/jackc/pgx/v5: PostgreSQL driver.
 * - internal/api, internal/app, internal/config, internal/store: Internal packages for the service.
 * - pkg/daraja: Client for the M-Pesa Daraja API.
 * - pkg/rabbitmq: Client for RabbitMQ.
 */

package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/tiaraconnect/payment-service/internal/api"
	"github.com/tiaraconnect/payment-service/internal/app"
	"github.com/tiaraconnect/payment-service/internal/config"
	"github.com/tiaraconnect/payment-service/internal/store"
	"github.com/tiaraconnect/payment-service/pkg/daraja"
	tcrabbit "github.com/tiaraconnect/payment-service/pkg/rabbitmq"
)

func main() {
	// Load application configuration from environment variables.
	cfg, err := config.LoadConfig(".")
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"config load failed\" err=%v", err)
	}
	if strings.TrimSpace(cfg.JWTSecret) == "" {
		log.Fatalf("level=fatal component=bootstrap msg=\"jwt secret must be configured\" env=JWT_SECRET")
	}
	if strings.TrimSpace(cfg.MpesaConsumerKey) == "" || strings.TrimSpace(cfg.MpesaConsumerSecret) == "" {
		log.Fatalf("level=fatal component=bootstrap msg=\"gateway credentials must be configured\" env=MPESA_CONSUMER_KEY,MPESA_CONSUMER_SECRET")
	}

	log.Printf("level=info component=bootstrap msg=\"starting payment-service\" port=%s environment=%s", cfg.ServerPort, cfg.MpesaEnvironment)

	// Establish a connection pool to the PostgreSQL database.
	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"database url parse failed\" err=%v", err)
	}

	poolConfig.MaxConns = 100
	poolConfig.MinConns = 20
	poolConfig.MaxConnLifetime = 30 * time.Minute
	poolConfig.MaxConnIdleTime = 5 * time.Minute

	// Disable prepared statement caching to prevent conflicts
	poolConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	dbpool, err := pgxpool.NewWithConfig(context.Background(), poolConfig)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"database connection failed\" err=%v", err)
	}
	defer dbpool.Close()
	log.Println("level=info component=bootstrap msg=\"database connected\"")

	// Initialize the RabbitMQ producer for SMS events. The notifier is
	// best-effort, so a broker outage degrades to logged no-ops.
	var producer tcrabbit.Publisher
	rabbitProducer, err := tcrabbit.NewEventProducer(cfg.RabbitMQURL)
	if err != nil {
		log.Printf("level=warn component=bootstrap msg=\"rabbitmq producer unavailable; sms notifications disabled\" err=%v", err)
		producer = &tcrabbit.EventProducerFallback{}
	} else {
		defer rabbitProducer.Close()
		producer = rabbitProducer
		log.Println("level=info component=bootstrap msg=\"rabbitmq producer connected\"")
	}

	// Initialize the M-Pesa gateway client.
	var certificatePEM []byte
	if path := strings.TrimSpace(cfg.MpesaCertificatePath); path != "" {
		certificatePEM, err = os.ReadFile(path)
		if err != nil {
			log.Fatalf("level=fatal component=bootstrap msg=\"gateway certificate read failed\" path=%s err=%v", path, err)
		}
	}
	gateway := daraja.NewClient(daraja.Config{
		BaseURL:            cfg.MpesaBaseURL,
		ConsumerKey:        cfg.MpesaConsumerKey,
		ConsumerSecret:     cfg.MpesaConsumerSecret,
		Shortcode:          cfg.MpesaShortcode,
		Passkey:            cfg.MpesaPasskey,
		InitiatorName:      cfg.MpesaInitiatorName,
		SecurityCredential: cfg.MpesaSecurityCredential,
		InitiatorPassword:  cfg.MpesaInitiatorPassword,
		CertificatePEM:     certificatePEM,
		STKCallbackURL:     cfg.STKCallbackURL,
		B2CCallbackURL:     cfg.B2CResultURL,
		B2CTimeoutURL:      cfg.B2CTimeoutURL,
		Timeout:            time.Duration(cfg.GatewayTimeoutMS) * time.Millisecond,
		MaxRetries:         cfg.GatewayMaxRetries,
		RetryDelay:         time.Duration(cfg.GatewayRetryDelayMS) * time.Millisecond,
	})

	// Optional Redis client for callback rate limiting.
	var rateLimiter app.CallbackRateLimiter
	if strings.TrimSpace(cfg.RedisURL) == "" {
		log.Println("level=warn component=bootstrap msg=\"redis url missing; callback rate limiting disabled\" env=REDIS_URL")
	} else {
		redisOptions, parseErr := redis.ParseURL(cfg.RedisURL)
		if parseErr != nil {
			log.Printf("level=warn component=bootstrap msg=\"redis url parse failed; callback rate limiting disabled\" err=%v", parseErr)
		} else {
			redisClient := redis.NewClient(redisOptions)
			pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancelPing()
			if pingErr := redisClient.Ping(pingCtx).Err(); pingErr != nil {
				log.Printf("level=warn component=bootstrap msg=\"redis ping failed; callback rate limiting disabled\" err=%v", pingErr)
				redisClient.Close()
			} else {
				defer redisClient.Close()
				rateLimiter = app.NewRedisCallbackRateLimiter(redisClient, cfg.RedisRateLimitPrefix)
				log.Println("level=info component=bootstrap msg=\"redis connected\"")
			}
		}
	}

	// Initialize the data access layer (repository).
	repository := store.NewPostgresRepository(dbpool)

	// Initialize the notifier, core service and callback reconciler.
	notifier := app.NewSMSNotifier(producer, cfg.SMSEventExchange)
	paymentService := app.NewService(repository, gateway, notifier).
		WithC2BDefaultURLs(cfg.C2BConfirmationURL, cfg.C2BValidationURL)
	reconciler := app.NewReconciler(repository, notifier)

	// Initialize the API handlers and routes.
	paymentHandlers := api.NewPaymentHandlers(paymentService)
	callbackHandlers := api.NewCallbackHandlers(reconciler, rateLimiter)
	router := api.PaymentRoutes(paymentHandlers, callbackHandlers, api.RouterConfig{
		JWTSecret:      cfg.JWTSecret,
		InternalAPIKey: cfg.InternalAPIKey,
		AllowedOrigins: cfg.AllowedOriginList(),
	})

	serverAddr := fmt.Sprintf(":%s", cfg.ServerPort)
	log.Printf("level=info component=http msg=\"server listening\" addr=%s", serverAddr)

	server := &http.Server{
		Addr:    serverAddr,
		Handler: router,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("level=fatal component=http msg=\"server stopped unexpectedly\" err=%v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	log.Println("level=info component=http msg=\"shutdown started\"")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Printf("level=error component=http msg=\"shutdown failed\" err=%v", err)
	}

	log.Println("level=info component=http msg=\"shutdown complete\"")
}
