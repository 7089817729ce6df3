/**
 * @description
 * This package handles the configuration management for the service. It uses the
 * Viper library to read configuration from environment variables, providing a
 * centralized and straightforward way to manage application settings.
 *
 * @dependencies
 * - github.com/spf13/viper: A popular library for Go application configuration.
 */

package config

import (
	"log"
	"os"
	"strings"

	"github.com/spf13/viper"

	"github.com/tiaraconnect/payment-service/pkg/daraja"
)

// Config holds all the configuration variables for the payment-service.
// These values are loaded from environment variables.
type Config struct {
	ServerPort           string `mapstructure:"SERVER_PORT"`
	DatabaseURL          string `mapstructure:"DATABASE_URL"`
	RedisURL             string `mapstructure:"REDIS_URL"`
	RedisRateLimitPrefix string `mapstructure:"REDIS_RATE_LIMIT_PREFIX"`
	RabbitMQURL          string `mapstructure:"RABBITMQ_URL"`
	SMSEventExchange     string `mapstructure:"SMS_EVENT_EXCHANGE"`
	JWTSecret            string `mapstructure:"JWT_SECRET"`
	InternalAPIKey       string `mapstructure:"INTERNAL_API_KEY"`
	AllowedOrigins       string `mapstructure:"ALLOWED_ORIGINS"`

	MpesaEnvironment        string `mapstructure:"MPESA_ENVIRONMENT"`
	MpesaBaseURL            string `mapstructure:"MPESA_BASE_URL"`
	MpesaConsumerKey        string `mapstructure:"MPESA_CONSUMER_KEY"`
	MpesaConsumerSecret     string `mapstructure:"MPESA_CONSUMER_SECRET"`
	MpesaShortcode          string `mapstructure:"MPESA_SHORTCODE"`
	MpesaPasskey            string `mapstructure:"MPESA_PASSKEY"`
	MpesaInitiatorName      string `mapstructure:"MPESA_INITIATOR_NAME"`
	MpesaSecurityCredential string `mapstructure:"MPESA_SECURITY_CREDENTIAL"`
	MpesaInitiatorPassword  string `mapstructure:"MPESA_INITIATOR_PASSWORD"`
	MpesaCertificatePath    string `mapstructure:"MPESA_CERTIFICATE_PATH"`

	STKCallbackURL      string `mapstructure:"MPESA_STK_CALLBACK_URL"`
	B2CResultURL        string `mapstructure:"MPESA_B2C_RESULT_URL"`
	B2CTimeoutURL       string `mapstructure:"MPESA_B2C_TIMEOUT_URL"`
	C2BConfirmationURL  string `mapstructure:"MPESA_C2B_CONFIRMATION_URL"`
	C2BValidationURL    string `mapstructure:"MPESA_C2B_VALIDATION_URL"`
	GatewayTimeoutMS    int    `mapstructure:"MPESA_TIMEOUT_MS"`
	GatewayMaxRetries   int    `mapstructure:"MPESA_MAX_RETRIES"`
	GatewayRetryDelayMS int    `mapstructure:"MPESA_RETRY_DELAY_MS"`
}

// LoadConfig reads configuration from environment variables from the given path.
// It uses Viper to automatically bind environment variables to the Config struct.
func LoadConfig(path string) (config Config, err error) {
	// Tell viper the path to look for the optional .env file.
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	// Enable automatic binding of environment variables.
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Set default values
	viper.SetDefault("SERVER_PORT", "8080")
	viper.SetDefault("SMS_EVENT_EXCHANGE", "payment_events")
	viper.SetDefault("REDIS_RATE_LIMIT_PREFIX", "tiaraconnect:rate_limit")
	viper.SetDefault("MPESA_ENVIRONMENT", "sandbox")
	viper.SetDefault("MPESA_TIMEOUT_MS", 30000)
	viper.SetDefault("MPESA_MAX_RETRIES", 3)
	viper.SetDefault("MPESA_RETRY_DELAY_MS", 1000)

	// Bind environment variables explicitly to ensure they appear in Unmarshal
	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("PORT")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("REDIS_URL", "REDIS_URL", "PAYMENT_REDIS_URL")
	_ = viper.BindEnv("REDIS_RATE_LIMIT_PREFIX")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("SMS_EVENT_EXCHANGE")
	_ = viper.BindEnv("JWT_SECRET")
	_ = viper.BindEnv("INTERNAL_API_KEY", "INTERNAL_API_KEY", "PAYMENT_SERVICE_INTERNAL_API_KEY")
	_ = viper.BindEnv("ALLOWED_ORIGINS")
	_ = viper.BindEnv("MPESA_ENVIRONMENT")
	_ = viper.BindEnv("MPESA_BASE_URL")
	_ = viper.BindEnv("MPESA_CONSUMER_KEY")
	_ = viper.BindEnv("MPESA_CONSUMER_SECRET")
	_ = viper.BindEnv("MPESA_SHORTCODE")
	_ = viper.BindEnv("MPESA_PASSKEY")
	_ = viper.BindEnv("MPESA_INITIATOR_NAME")
	_ = viper.BindEnv("MPESA_SECURITY_CREDENTIAL")
	_ = viper.BindEnv("MPESA_INITIATOR_PASSWORD")
	_ = viper.BindEnv("MPESA_CERTIFICATE_PATH")
	_ = viper.BindEnv("MPESA_STK_CALLBACK_URL")
	_ = viper.BindEnv("MPESA_B2C_RESULT_URL")
	_ = viper.BindEnv("MPESA_B2C_TIMEOUT_URL")
	_ = viper.BindEnv("MPESA_C2B_CONFIRMATION_URL")
	_ = viper.BindEnv("MPESA_C2B_VALIDATION_URL")
	_ = viper.BindEnv("MPESA_TIMEOUT_MS")
	_ = viper.BindEnv("MPESA_MAX_RETRIES")
	_ = viper.BindEnv("MPESA_RETRY_DELAY_MS")

	// Attempt to read the config file. It's okay if it doesn't exist.
	if err = viper.ReadInConfig(); err != nil {
		// If the config file is not found, we can ignore the error.
		// For other errors, we should return them.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Printf("level=warn component=config msg=\"failed to read config file; using environment values\" err=%v", err)
		}
	}

	// Unmarshal the configuration into the Config struct.
	err = viper.Unmarshal(&config)
	if err != nil {
		return
	}

	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		config.ServerPort = port
	}
	if strings.TrimSpace(config.InternalAPIKey) == "" {
		config.InternalAPIKey = strings.TrimSpace(os.Getenv("PAYMENT_SERVICE_INTERNAL_API_KEY"))
	}
	config.RedisURL = strings.TrimSpace(config.RedisURL)
	config.RedisRateLimitPrefix = strings.TrimSpace(config.RedisRateLimitPrefix)
	if config.RedisRateLimitPrefix == "" {
		config.RedisRateLimitPrefix = "tiaraconnect:rate_limit"
	}

	// The explicit base URL wins; otherwise derive it from the environment name.
	config.MpesaEnvironment = strings.ToLower(strings.TrimSpace(config.MpesaEnvironment))
	config.MpesaBaseURL = strings.TrimSpace(config.MpesaBaseURL)
	if config.MpesaBaseURL == "" {
		switch config.MpesaEnvironment {
		case "production", "live":
			config.MpesaBaseURL = daraja.ProductionBaseURL
		default:
			if config.MpesaEnvironment != "sandbox" && config.MpesaEnvironment != "" {
				log.Printf("level=warn component=config msg=\"unknown mpesa environment; defaulting to sandbox\" environment=%q", config.MpesaEnvironment)
			}
			config.MpesaBaseURL = daraja.SandboxBaseURL
		}
	}

	if config.GatewayTimeoutMS <= 0 {
		config.GatewayTimeoutMS = 30000
	}
	if config.GatewayMaxRetries <= 0 {
		config.GatewayMaxRetries = 3
	}
	if config.GatewayRetryDelayMS <= 0 {
		config.GatewayRetryDelayMS = 1000
	}

	return
}

// AllowedOriginList splits the comma-separated ALLOWED_ORIGINS value.
func (c Config) AllowedOriginList() []string {
	if strings.TrimSpace(c.AllowedOrigins) == "" {
		return nil
	}
	parts := strings.Split(c.AllowedOrigins, ",")
	origins := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			origins = append(origins, trimmed)
		}
	}
	return origins
}
