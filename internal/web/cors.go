package web

import (
	"errors"
	"fmt"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

var (
	errWildcardOrigin      = errors.New("cors.wildcard_origin")
	errEmptyAllowedOrigins = errors.New("cors.no_origins")
	errInvalidOrigin       = errors.New("cors.invalid_origin")
)

// ConfigureCORS allows browser clients on the given origins to call the bearer API.
func ConfigureCORS(logger *zap.Logger, allowedOrigins []string) (gin.HandlerFunc, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	origins, err := normalizeOrigins(logger, allowedOrigins)
	if err != nil {
		return nil, err
	}
	return cors.New(cors.Config{
		AllowOrigins:  origins,
		AllowMethods:  []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders:  []string{"Authorization", "Content-Type", RequestIDHeader},
		ExposeHeaders: []string{RequestIDHeader},
		MaxAge:        12 * time.Hour,
	}), nil
}

func normalizeOrigins(logger *zap.Logger, allowed []string) ([]string, error) {
	var origins []string
	for _, candidate := range allowed {
		trimmed := strings.TrimSpace(candidate)
		if trimmed == "" {
			continue
		}
		if trimmed == "*" {
			return nil, errWildcardOrigin
		}
		origin, err := parseOrigin(trimmed)
		if err != nil {
			return nil, err
		}
		if slices.Contains(origins, origin) {
			continue
		}
		if strings.HasPrefix(origin, "http://") && !isLoopbackOrigin(origin) {
			logger.Warn("cors.origin.insecure", zap.String("code", "cors.origin.insecure"), zap.String("origin", origin))
		}
		origins = append(origins, origin)
	}
	if len(origins) == 0 {
		return nil, errEmptyAllowedOrigins
	}
	slices.Sort(origins)
	return origins, nil
}

func parseOrigin(raw string) (string, error) {
	parsed, err := url.Parse(raw)
	if err != nil || parsed.Host == "" {
		return "", fmt.Errorf("%w: %s", errInvalidOrigin, raw)
	}
	scheme := strings.ToLower(parsed.Scheme)
	if scheme != "https" && scheme != "http" {
		return "", fmt.Errorf("%w: %s", errInvalidOrigin, raw)
	}
	if (parsed.Path != "" && parsed.Path != "/") || parsed.RawQuery != "" || parsed.Fragment != "" {
		return "", fmt.Errorf("%w: %s", errInvalidOrigin, raw)
	}
	return scheme + "://" + strings.ToLower(parsed.Host), nil
}

func isLoopbackOrigin(origin string) bool {
	parsed, err := url.Parse(origin)
	if err != nil {
		return false
	}
	switch parsed.Hostname() {
	case "localhost", "127.0.0.1", "::1":
		return true
	default:
		return false
	}
}
