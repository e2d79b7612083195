package main

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/tyemirov/tokenvault/internal/broker"
	"github.com/tyemirov/tokenvault/internal/idp"
)

const testEncryptionKey = "0123456789abcdef0123456789abcdef"

func setRequiredConfig(skip ...string) {
	values := map[string]string{
		"encryption_key":       testEncryptionKey,
		"state_secret":         "state-secret",
		"idp_issuer":           "https://idp.example.com",
		"idp_realm":            "demo",
		"idp_client_id":        "vault",
		"idp_client_secret":    "secret",
		"consent_redirect_uri": "https://vault.example.com/v1/offline-token/callback",
	}
	for key, value := range values {
		if !slices.Contains(skip, key) {
			viper.Set(key, value)
		}
	}
}

func TestRunServerMissingConfig(t *testing.T) {
	gin.SetMode(gin.TestMode)

	viper.Reset()
	defer viper.Reset()

	err := runServer(&cobra.Command{}, nil)
	if err == nil {
		t.Fatalf("expected configuration error")
	}

	expectedMessage := "config.uninitialized_server_config: server configuration not prepared; PreRunE must execute before RunE"
	if err.Error() != expectedMessage {
		t.Fatalf("expected error %q, got %q", expectedMessage, err.Error())
	}
}

func TestLoadServerConfigReportsMissingFields(t *testing.T) {
	testCases := []struct {
		name     string
		mutate   func()
		expected string
	}{
		{
			name:     "encryption key",
			mutate:   func() { viper.Set("encryption_key", "") },
			expected: "config.missing_encryption_key: encryption_key must be provided",
		},
		{
			name:     "short encryption key",
			mutate:   func() { viper.Set("encryption_key", "too-short") },
			expected: "config.short_encryption_key: encryption_key must be at least 32 bytes",
		},
		{
			name:     "state secret",
			mutate:   func() { viper.Set("state_secret", "") },
			expected: "config.missing_state_secret: state_secret must be provided",
		},
		{
			name:     "state ttl",
			mutate:   func() { viper.Set("state_ttl", 0) },
			expected: "config.invalid_state_ttl: state_ttl must be greater than zero",
		},
		{
			name:     "issuer",
			mutate:   func() { viper.Set("idp_issuer", "") },
			expected: "config.missing_idp_issuer: idp_issuer must be provided",
		},
		{
			name:     "realm",
			mutate:   func() { viper.Set("idp_realm", "") },
			expected: "config.missing_idp_realm: idp_realm must be provided",
		},
		{
			name:     "client id",
			mutate:   func() { viper.Set("idp_client_id", "") },
			expected: "config.missing_idp_client_id: idp_client_id must be provided",
		},
		{
			name:     "redirect uri",
			mutate:   func() { viper.Set("consent_redirect_uri", "") },
			expected: "config.missing_consent_redirect_uri: consent_redirect_uri must be provided",
		},
		{
			name:     "idp timeout",
			mutate:   func() { viper.Set("idp_timeout", -time.Second) },
			expected: "config.invalid_idp_timeout: idp_timeout must be greater than zero",
		},
		{
			name:     "cors origins",
			mutate:   func() { viper.Set("enable_cors", true) },
			expected: "config.missing_cors_allowed_origins: cors_allowed_origins must be provided when enable_cors is true",
		},
		{
			name:     "database scheme",
			mutate:   func() { viper.Set("database_url", "mysql://localhost/vault") },
			expected: "config.unsupported_database_url: database_url must use postgres:// or sqlite:",
		},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			viper.Reset()
			defer viper.Reset()
			setRequiredConfig()
			testCase.mutate()

			_, err := LoadServerConfig()
			if err == nil {
				t.Fatalf("expected configuration error")
			}
			if err.Error() != testCase.expected {
				t.Fatalf("expected error %q, got %q", testCase.expected, err.Error())
			}
		})
	}
}

func TestLoadServerConfigDefaults(t *testing.T) {
	viper.Reset()
	defer viper.Reset()
	setRequiredConfig()

	config, err := LoadServerConfig()
	if err != nil {
		t.Fatalf("expected configuration load to succeed, got %v", err)
	}
	if config.StateTTL != 600*time.Second || config.EnforceStateExpiry {
		t.Fatalf("unexpected state defaults: ttl=%s enforce=%v", config.StateTTL, config.EnforceStateExpiry)
	}
	if config.IdP.Timeout != idp.DefaultTimeout {
		t.Fatalf("expected default idp timeout, got %s", config.IdP.Timeout)
	}
	if config.DatabaseDriver != "memory" || config.ListenAddr != ":8080" {
		t.Fatalf("unexpected defaults: %+v", config)
	}
}

func TestPrepareServerConfigLoadsEnvFile(t *testing.T) {
	viper.Reset()
	defer viper.Reset()
	viper.SetEnvPrefix("VAULT")
	viper.AutomaticEnv()
	setRequiredConfig("state_secret")

	envFile := filepath.Join(t.TempDir(), "vault.env")
	if err := os.WriteFile(envFile, []byte("VAULT_STATE_SECRET=from-dotenv\n"), 0o600); err != nil {
		t.Fatalf("write env file: %v", err)
	}
	t.Cleanup(func() { _ = os.Unsetenv("VAULT_STATE_SECRET") })
	viper.Set("env_file", envFile)

	command := &cobra.Command{}
	if err := prepareServerConfig(command, nil); err != nil {
		t.Fatalf("expected prepare to succeed, got %v", err)
	}
	config, ok := command.Context().Value(serverConfigContextKey).(ServerConfig)
	if !ok {
		t.Fatalf("expected server config in command context")
	}
	if string(config.StateSecret) != "from-dotenv" {
		t.Fatalf("expected state secret from dotenv, got %q", config.StateSecret)
	}
}

func TestLoadEnvFileIgnoresMissingFile(t *testing.T) {
	if err := loadEnvFile(filepath.Join(t.TempDir(), "absent.env")); err != nil {
		t.Fatalf("expected a missing env file to be ignored, got %v", err)
	}
	if err := loadEnvFile(""); err != nil {
		t.Fatalf("expected empty path to be ignored, got %v", err)
	}
}

func TestRunServerIdentityProviderInitFailure(t *testing.T) {
	gin.SetMode(gin.TestMode)

	viper.Reset()
	defer viper.Reset()

	restoreServe := withServeHTTPStub(func(server *http.Server) error {
		return http.ErrServerClosed
	})
	defer restoreServe()

	restoreProvider := withIdentityProviderBuilderStub(func(ctx context.Context, config idp.Config) (broker.IdentityProvider, error) {
		return nil, errors.New("discovery_fail")
	})
	defer restoreProvider()

	setRequiredConfig()
	config, err := LoadServerConfig()
	if err != nil {
		t.Fatalf("expected configuration load to succeed, got %v", err)
	}

	if err := runServer(commandWithConfig(config), nil); err == nil || err.Error() != "config.identity_provider_init: discovery_fail" {
		t.Fatalf("expected identity provider init error, got %v", err)
	}
}

func TestRunServerServesMountedRoutes(t *testing.T) {
	gin.SetMode(gin.TestMode)

	viper.Reset()
	defer viper.Reset()

	restoreServe := withServeHTTPStub(func(server *http.Server) error {
		if server.Handler == nil {
			t.Errorf("expected handler to be configured")
			return http.ErrServerClosed
		}
		for _, path := range []string{"/health", "/health/ready", "/version", "/metrics"} {
			recorder := httptest.NewRecorder()
			server.Handler.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, path, nil))
			if recorder.Code != http.StatusOK {
				t.Errorf("expected %s to answer 200, got %d", path, recorder.Code)
			}
		}
		recorder := httptest.NewRecorder()
		server.Handler.ServeHTTP(recorder, httptest.NewRequest(http.MethodPost, "/v1/offline-token-id", nil))
		if recorder.Code != http.StatusUnauthorized {
			t.Errorf("expected broker routes to require a bearer token, got %d", recorder.Code)
		}
		return http.ErrServerClosed
	})
	defer restoreServe()

	setRequiredConfig()
	viper.Set("database_url", "sqlite:file:cmd-"+uuid.NewString()+"?mode=memory&cache=shared")
	viper.Set("enable_cors", true)
	viper.Set("cors_allowed_origins", []string{"http://localhost:3000"})

	config, err := LoadServerConfig()
	if err != nil {
		t.Fatalf("expected configuration load to succeed, got %v", err)
	}
	if config.DatabaseDriver != "sqlite" {
		t.Fatalf("expected sqlite driver, got %s", config.DatabaseDriver)
	}

	if err := runServer(commandWithConfig(config), nil); err != nil {
		t.Fatalf("expected runServer to succeed, got %v", err)
	}
}

func TestRunServerInMemoryStore(t *testing.T) {
	gin.SetMode(gin.TestMode)

	viper.Reset()
	defer viper.Reset()

	restoreServe := withServeHTTPStub(func(server *http.Server) error {
		return http.ErrServerClosed
	})
	defer restoreServe()

	setRequiredConfig()
	config, err := LoadServerConfig()
	if err != nil {
		t.Fatalf("expected configuration load to succeed, got %v", err)
	}

	if err := runServer(commandWithConfig(config), nil); err != nil {
		t.Fatalf("expected runServer to succeed with in-memory store, got %v", err)
	}
}

func TestRunServerReportsListenFailure(t *testing.T) {
	gin.SetMode(gin.TestMode)

	viper.Reset()
	defer viper.Reset()

	restoreServe := withServeHTTPStub(func(server *http.Server) error {
		return errors.New("address in use")
	})
	defer restoreServe()

	setRequiredConfig()
	config, err := LoadServerConfig()
	if err != nil {
		t.Fatalf("expected configuration load to succeed, got %v", err)
	}

	err = runServer(commandWithConfig(config), nil)
	if err == nil || !strings.Contains(err.Error(), "listen error: address in use") {
		t.Fatalf("expected listen error, got %v", err)
	}
}

func TestNewRootCommandHelp(t *testing.T) {
	cmd := newRootCommand()
	cmd.SetArgs([]string{"--help"})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("expected help execution to succeed: %v", err)
	}
}

func commandWithConfig(config ServerConfig) *cobra.Command {
	command := &cobra.Command{}
	command.SetContext(context.WithValue(context.Background(), serverConfigContextKey, config))
	return command
}

func withServeHTTPStub(stub func(server *http.Server) error) func() {
	previous := serveHTTP
	serveHTTP = stub
	return func() {
		serveHTTP = previous
	}
}

func withIdentityProviderBuilderStub(stub func(ctx context.Context, config idp.Config) (broker.IdentityProvider, error)) func() {
	previous := buildIdentityProvider
	buildIdentityProvider = stub
	return func() {
		buildIdentityProvider = previous
	}
}
