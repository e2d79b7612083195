package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/tyemirov/tokenvault/internal/ackstate"
	"github.com/tyemirov/tokenvault/internal/broker"
	"github.com/tyemirov/tokenvault/internal/idp"
	"github.com/tyemirov/tokenvault/internal/tokencrypt"
	"github.com/tyemirov/tokenvault/internal/vault"
	"github.com/tyemirov/tokenvault/internal/vaultpg"
	"github.com/tyemirov/tokenvault/internal/web"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Set with -ldflags "-X main.version=... -X main.commit=...".
var (
	version = "dev"
	commit  = "none"
)

var serveHTTP = func(server *http.Server) error {
	return server.ListenAndServe()
}

var buildIdentityProvider = func(ctx context.Context, config idp.Config) (broker.IdentityProvider, error) {
	return idp.NewGateway(ctx, config)
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:     "tokenvault",
		Short:   "Credential vault and OAuth token broker for offline and refresh tokens",
		PreRunE: prepareServerConfig,
		RunE:    runServer,
	}

	rootCmd.Flags().String("env_file", ".env", "Optional dotenv file loaded before configuration is read")
	rootCmd.Flags().String("listen_addr", ":8080", "HTTP listen address")
	rootCmd.Flags().String("database_url", "", "Vault database URL (postgres:// or sqlite:; leave empty for in-memory store)")
	rootCmd.Flags().Int32("database_max_conns", 8, "Maximum PostgreSQL pool connections")
	rootCmd.Flags().String("encryption_key", "", "Secret the token encryption key is derived from (at least 32 bytes)")
	rootCmd.Flags().String("state_secret", "", "HS256 secret for consent state tokens")
	rootCmd.Flags().Duration("state_ttl", ackstate.DefaultTTL, "Lifetime written into consent state tokens")
	rootCmd.Flags().Bool("enforce_state_expiry", false, "Reject consent callbacks whose state token has expired")
	rootCmd.Flags().String("idp_issuer", "", "Identity provider base URL")
	rootCmd.Flags().String("idp_realm", "", "Identity provider realm")
	rootCmd.Flags().String("idp_client_id", "", "Confidential client id")
	rootCmd.Flags().String("idp_client_secret", "", "Confidential client secret")
	rootCmd.Flags().String("consent_redirect_uri", "", "Callback URL registered for the consent flow")
	rootCmd.Flags().Duration("idp_timeout", idp.DefaultTimeout, "Timeout for identity provider calls")
	rootCmd.Flags().Bool("idp_discovery", false, "Resolve provider endpoints from the realm discovery document")
	rootCmd.Flags().Bool("enable_cors", false, "Enable CORS for browser clients")
	rootCmd.Flags().StringSlice("cors_allowed_origins", []string{}, "Allowed origins when CORS is enabled (required if enable_cors is true)")
	rootCmd.Flags().Duration("shutdown_timeout", 10*time.Second, "Grace period for in-flight requests on shutdown")

	rootCmd.Flags().VisitAll(func(flag *pflag.Flag) {
		_ = viper.BindPFlag(flag.Name, flag)
	})

	viper.SetEnvPrefix("VAULT")
	viper.AutomaticEnv()

	return rootCmd
}

const (
	configCodeMissingEncryptionKey    = "config.missing_encryption_key"
	configCodeShortEncryptionKey      = "config.short_encryption_key"
	configCodeMissingStateSecret      = "config.missing_state_secret"
	configCodeInvalidStateTTL         = "config.invalid_state_ttl"
	configCodeMissingIdPIssuer        = "config.missing_idp_issuer"
	configCodeMissingIdPRealm         = "config.missing_idp_realm"
	configCodeMissingIdPClientID      = "config.missing_idp_client_id"
	configCodeMissingRedirectURI      = "config.missing_consent_redirect_uri"
	configCodeInvalidIdPTimeout       = "config.invalid_idp_timeout"
	configCodeMissingCORSOrigins      = "config.missing_cors_allowed_origins"
	configCodeUnsupportedDatabaseURL  = "config.unsupported_database_url"
	configCodeEnvFile                 = "config.env_file"
	configCodeUninitializedServerConf = "config.uninitialized_server_config"
	configCodeStorageInit             = "config.storage_init"
	configCodeIdentityProviderInit    = "config.identity_provider_init"
)

type contextKey string

const serverConfigContextKey contextKey = "serverConfig"

// ServerConfig is the validated process configuration.
type ServerConfig struct {
	ListenAddr         string
	DatabaseURL        string
	DatabaseDriver     string
	DatabaseMaxConns   int32
	EncryptionKey      []byte
	StateSecret        []byte
	StateTTL           time.Duration
	EnforceStateExpiry bool
	IdP                idp.Config
	EnableCORS         bool
	CORSAllowedOrigins []string
	ShutdownTimeout    time.Duration
}

func prepareServerConfig(command *cobra.Command, arguments []string) error {
	if err := loadEnvFile(viper.GetString("env_file")); err != nil {
		return err
	}
	serverConfig, loadErr := LoadServerConfig()
	if loadErr != nil {
		return loadErr
	}
	existingContext := command.Context()
	if existingContext == nil {
		existingContext = context.Background()
	}
	command.SetContext(context.WithValue(existingContext, serverConfigContextKey, serverConfig))
	return nil
}

// loadEnvFile exports the dotenv file without overriding variables already set. A missing
// file is not an error.
func loadEnvFile(path string) error {
	if strings.TrimSpace(path) == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return configError(configCodeEnvFile, err.Error())
	}
	return nil
}

func configError(code, message string) error {
	return fmt.Errorf("%s: %s", code, message)
}

func LoadServerConfig() (ServerConfig, error) {
	encryptionKey := viper.GetString("encryption_key")
	if encryptionKey == "" {
		return ServerConfig{}, configError(configCodeMissingEncryptionKey, "encryption_key must be provided")
	}
	if len(encryptionKey) < tokencrypt.MinSecretLength {
		return ServerConfig{}, configError(configCodeShortEncryptionKey, fmt.Sprintf("encryption_key must be at least %d bytes", tokencrypt.MinSecretLength))
	}

	stateSecret := viper.GetString("state_secret")
	if stateSecret == "" {
		return ServerConfig{}, configError(configCodeMissingStateSecret, "state_secret must be provided")
	}

	stateTTL := ackstate.DefaultTTL
	if viper.IsSet("state_ttl") {
		stateTTL = viper.GetDuration("state_ttl")
	}
	if stateTTL <= 0 {
		return ServerConfig{}, configError(configCodeInvalidStateTTL, "state_ttl must be greater than zero")
	}

	issuer := viper.GetString("idp_issuer")
	if issuer == "" {
		return ServerConfig{}, configError(configCodeMissingIdPIssuer, "idp_issuer must be provided")
	}
	realm := viper.GetString("idp_realm")
	if realm == "" {
		return ServerConfig{}, configError(configCodeMissingIdPRealm, "idp_realm must be provided")
	}
	clientID := viper.GetString("idp_client_id")
	if clientID == "" {
		return ServerConfig{}, configError(configCodeMissingIdPClientID, "idp_client_id must be provided")
	}
	redirectURI := viper.GetString("consent_redirect_uri")
	if redirectURI == "" {
		return ServerConfig{}, configError(configCodeMissingRedirectURI, "consent_redirect_uri must be provided")
	}

	idpTimeout := idp.DefaultTimeout
	if viper.IsSet("idp_timeout") {
		idpTimeout = viper.GetDuration("idp_timeout")
	}
	if idpTimeout <= 0 {
		return ServerConfig{}, configError(configCodeInvalidIdPTimeout, "idp_timeout must be greater than zero")
	}

	enableCORS := viper.GetBool("enable_cors")
	corsAllowedOrigins := viper.GetStringSlice("cors_allowed_origins")
	if enableCORS && len(corsAllowedOrigins) == 0 {
		return ServerConfig{}, configError(configCodeMissingCORSOrigins, "cors_allowed_origins must be provided when enable_cors is true")
	}

	databaseURL := viper.GetString("database_url")
	databaseDriver, err := databaseDriverFor(databaseURL)
	if err != nil {
		return ServerConfig{}, err
	}

	listenAddr := viper.GetString("listen_addr")
	if listenAddr == "" {
		listenAddr = ":8080"
	}
	shutdownTimeout := viper.GetDuration("shutdown_timeout")
	if shutdownTimeout <= 0 {
		shutdownTimeout = 10 * time.Second
	}

	return ServerConfig{
		ListenAddr:         listenAddr,
		DatabaseURL:        databaseURL,
		DatabaseDriver:     databaseDriver,
		DatabaseMaxConns:   viper.GetInt32("database_max_conns"),
		EncryptionKey:      []byte(encryptionKey),
		StateSecret:        []byte(stateSecret),
		StateTTL:           stateTTL,
		EnforceStateExpiry: viper.GetBool("enforce_state_expiry"),
		IdP: idp.Config{
			Issuer:             issuer,
			Realm:              realm,
			ClientID:           clientID,
			ClientSecret:       viper.GetString("idp_client_secret"),
			ConsentRedirectURI: redirectURI,
			Timeout:            idpTimeout,
			Discovery:          viper.GetBool("idp_discovery"),
		},
		EnableCORS:         enableCORS,
		CORSAllowedOrigins: corsAllowedOrigins,
		ShutdownTimeout:    shutdownTimeout,
	}, nil
}

// databaseDriverFor classifies the database URL: "" selects the in-memory store.
func databaseDriverFor(databaseURL string) (string, error) {
	if databaseURL == "" {
		return "memory", nil
	}
	parsed, err := url.Parse(databaseURL)
	if err != nil {
		return "", configError(configCodeUnsupportedDatabaseURL, "database_url is not a valid URL")
	}
	switch strings.ToLower(parsed.Scheme) {
	case "postgres", "postgresql":
		return "postgres", nil
	case "sqlite", "sqlite3":
		return "sqlite", nil
	default:
		return "", configError(configCodeUnsupportedDatabaseURL, "database_url must use postgres:// or sqlite:")
	}
}

// storage bundles the vault repository with its readiness probe and release hook.
type storage struct {
	repository vault.Repository
	probe      web.DatabaseProbe
	close      func()
}

func openStorage(ctx context.Context, serverConfig ServerConfig, logger *zap.Logger) (storage, error) {
	switch serverConfig.DatabaseDriver {
	case "postgres":
		pool, err := vaultpg.BuildPool(ctx, serverConfig.DatabaseURL, vaultpg.PoolSettings{MaxConns: serverConfig.DatabaseMaxConns})
		if err != nil {
			return storage{}, err
		}
		repository, err := vaultpg.OpenRepository(ctx, pool)
		if err != nil {
			pool.Close()
			return storage{}, err
		}
		logger.Info("using postgres vault store", zap.String("driver", repository.Driver()))
		return storage{
			repository: repository,
			probe:      vaultpg.NewProbe(pool),
			close: func() {
				_ = repository.Close()
				pool.Close()
			},
		}, nil
	case "sqlite":
		repository, err := vault.NewDatabaseRepository(ctx, serverConfig.DatabaseURL)
		if err != nil {
			return storage{}, err
		}
		logger.Info("using sqlite vault store", zap.String("driver", repository.Driver()))
		return storage{
			repository: repository,
			probe:      repository,
			close:      func() { _ = repository.Close() },
		}, nil
	default:
		repository := vault.NewMemoryRepository()
		logger.Warn("using in-memory vault store; tokens are lost on restart")
		return storage{repository: repository, probe: repository, close: func() {}}, nil
	}
}

func runServer(command *cobra.Command, arguments []string) error {
	logger, loggerErr := zap.NewProduction()
	if loggerErr != nil {
		return loggerErr
	}
	defer func() { _ = logger.Sync() }()

	commandContext := command.Context()
	var contextValue any
	if commandContext != nil {
		contextValue = commandContext.Value(serverConfigContextKey)
	}
	serverConfig, ok := contextValue.(ServerConfig)
	if !ok {
		return configError(configCodeUninitializedServerConf, "server configuration not prepared; PreRunE must execute before RunE")
	}

	signalCtx, stop := signal.NotifyContext(commandContext, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := openStorage(signalCtx, serverConfig, logger)
	if err != nil {
		return fmt.Errorf("%s: %w", configCodeStorageInit, err)
	}
	defer store.close()

	tokenCipher, err := tokencrypt.New(serverConfig.EncryptionKey)
	if err != nil {
		return configError(configCodeShortEncryptionKey, err.Error())
	}
	stateTokens, err := ackstate.NewService(ackstate.Config{
		Secret:        serverConfig.StateSecret,
		TTL:           serverConfig.StateTTL,
		EnforceExpiry: serverConfig.EnforceStateExpiry,
	})
	if err != nil {
		return configError(configCodeMissingStateSecret, err.Error())
	}

	idpConfig := serverConfig.IdP
	idpConfig.Logger = logger
	provider, err := buildIdentityProvider(signalCtx, idpConfig)
	if err != nil {
		return fmt.Errorf("%s: %w", configCodeIdentityProviderInit, err)
	}

	metrics, err := broker.NewPrometheusMetrics()
	if err != nil {
		return err
	}

	tokenBroker, err := broker.New(broker.Dependencies{
		Vault:       vault.NewService(store.repository, tokenCipher),
		Provider:    provider,
		StateTokens: stateTokens,
		Metrics:     metrics,
		Logger:      logger,
	})
	if err != nil {
		return err
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(web.RequestID())
	router.Use(web.AccessLog(logger))

	if serverConfig.EnableCORS {
		corsMiddleware, corsErr := web.ConfigureCORS(logger, serverConfig.CORSAllowedOrigins)
		if corsErr != nil {
			return configError(configCodeMissingCORSOrigins, corsErr.Error())
		}
		router.Use(corsMiddleware)
	}

	router.GET("/metrics", gin.WrapH(metrics.Handler()))
	web.MountHealthRoutes(router, store.probe, web.BuildInfo{Version: version, Commit: commit}, logger)
	broker.MountBrokerRoutes(router, tokenBroker)

	server := &http.Server{
		Addr:              serverConfig.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	group, groupCtx := errgroup.WithContext(signalCtx)
	group.Go(func() error {
		defer stop()
		logger.Info("listening", zap.String("addr", serverConfig.ListenAddr), zap.String("version", version))
		if err := serveHTTP(server); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen error: %w", err)
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		graceCtx, graceCancel := context.WithTimeout(context.Background(), serverConfig.ShutdownTimeout)
		defer graceCancel()
		if err := server.Shutdown(graceCtx); err != nil {
			logger.Error("server shutdown error", zap.Error(err))
			return err
		}
		return nil
	})
	return group.Wait()
}
