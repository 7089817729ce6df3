package config

import (
	"os"
	"testing"

	"github.com/spf13/viper"

	"github.com/tiaraconnect/payment-service/pkg/daraja"
)

func TestLoadConfig_UsesPaymentServiceInternalAPIKeyAlias(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	unsetEnvWithCleanup(t, "INTERNAL_API_KEY")
	setEnvWithCleanup(t, "PAYMENT_SERVICE_INTERNAL_API_KEY", "alias-only-key")

	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.InternalAPIKey != "alias-only-key" {
		t.Fatalf("expected InternalAPIKey from alias env var, got %q", cfg.InternalAPIKey)
	}
}

func TestLoadConfig_InternalAPIKeyTakesPrecedenceOverAlias(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	setEnvWithCleanup(t, "INTERNAL_API_KEY", "primary-key")
	setEnvWithCleanup(t, "PAYMENT_SERVICE_INTERNAL_API_KEY", "alias-key")

	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.InternalAPIKey != "primary-key" {
		t.Fatalf("expected InternalAPIKey to prioritize INTERNAL_API_KEY, got %q", cfg.InternalAPIKey)
	}
}

func TestLoadConfig_DefaultEnvironmentIsSandbox(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	unsetEnvWithCleanup(t, "MPESA_ENVIRONMENT")
	unsetEnvWithCleanup(t, "MPESA_BASE_URL")

	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.MpesaBaseURL != daraja.SandboxBaseURL {
		t.Fatalf("expected sandbox base URL by default, got %q", cfg.MpesaBaseURL)
	}
}

func TestLoadConfig_ProductionEnvironmentSelectsLiveBaseURL(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	setEnvWithCleanup(t, "MPESA_ENVIRONMENT", "production")
	unsetEnvWithCleanup(t, "MPESA_BASE_URL")

	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.MpesaBaseURL != daraja.ProductionBaseURL {
		t.Fatalf("expected production base URL, got %q", cfg.MpesaBaseURL)
	}
}

func TestLoadConfig_ExplicitBaseURLWinsOverEnvironment(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	setEnvWithCleanup(t, "MPESA_ENVIRONMENT", "production")
	setEnvWithCleanup(t, "MPESA_BASE_URL", "https://gateway.example.test")

	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.MpesaBaseURL != "https://gateway.example.test" {
		t.Fatalf("expected explicit base URL to win, got %q", cfg.MpesaBaseURL)
	}
}

func TestLoadConfig_GatewayTunablesHaveDefaults(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	unsetEnvWithCleanup(t, "MPESA_TIMEOUT_MS")
	unsetEnvWithCleanup(t, "MPESA_MAX_RETRIES")
	unsetEnvWithCleanup(t, "MPESA_RETRY_DELAY_MS")

	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.GatewayTimeoutMS != 30000 {
		t.Fatalf("expected default timeout 30000ms, got %d", cfg.GatewayTimeoutMS)
	}
	if cfg.GatewayMaxRetries != 3 {
		t.Fatalf("expected default max retries 3, got %d", cfg.GatewayMaxRetries)
	}
	if cfg.GatewayRetryDelayMS != 1000 {
		t.Fatalf("expected default retry delay 1000ms, got %d", cfg.GatewayRetryDelayMS)
	}
}

func TestAllowedOriginList_SplitsAndTrims(t *testing.T) {
	cfg := Config{AllowedOrigins: " https://a.example , https://b.example ,"}
	origins := cfg.AllowedOriginList()
	if len(origins) != 2 {
		t.Fatalf("expected 2 origins, got %d: %v", len(origins), origins)
	}
	if origins[0] != "https://a.example" || origins[1] != "https://b.example" {
		t.Fatalf("unexpected origins: %v", origins)
	}
}

func setEnvWithCleanup(t *testing.T, key string, value string) {
	t.Helper()
	prev, hadPrev := os.LookupEnv(key)
	if err := os.Setenv(key, value); err != nil {
		t.Fatalf("failed to set env %s: %v", key, err)
	}
	t.Cleanup(func() {
		if hadPrev {
			_ = os.Setenv(key, prev)
			return
		}
		_ = os.Unsetenv(key)
	})
}

func unsetEnvWithCleanup(t *testing.T, key string) {
	t.Helper()
	prev, hadPrev := os.LookupEnv(key)
	if err := os.Unsetenv(key); err != nil {
		t.Fatalf("failed to unset env %s: %v", key, err)
	}
	t.Cleanup(func() {
		if hadPrev {
			_ = os.Setenv(key, prev)
			return
		}
		_ = os.Unsetenv(key)
	})
}
