package broker

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/tyemirov/tokenvault/internal/autherr"
	"go.uber.org/zap"
)

// MountBrokerRoutes registers the /v1 token routes on router.
func MountBrokerRoutes(router gin.IRouter, broker *Broker) {
	v1 := router.Group("/v1")
	v1.GET("/offline-token/callback", broker.handleConsentCallback)
	v1.GET("/validate-token", broker.handleValidateToken)

	authenticated := v1.Group("")
	authenticated.Use(RequireBearer(broker))
	authenticated.GET("/offline-token", broker.handleIssueConsentURL)
	authenticated.POST("/offline-token-id", broker.handleMintOfflineToken)
	authenticated.DELETE("/offline-token-id", broker.handleRevokeOfflineToken)
	authenticated.POST("/refresh-token", broker.handleStoreRefreshToken)
	authenticated.POST("/refresh-token-id", broker.handleMintRefreshTokenID)
	authenticated.POST("/access-token", broker.handleFetchAccessToken)
}

func (broker *Broker) handleIssueConsentURL(contextGin *gin.Context) {
	caller, _ := ValidatedTokenFrom(contextGin)
	result, err := broker.IssueConsentURL(contextGin.Request.Context(), caller)
	broker.respond(contextGin, result, err)
}

func (broker *Broker) handleConsentCallback(contextGin *gin.Context) {
	result, err := broker.ConsumeConsentCallback(contextGin.Request.Context(), CallbackParams{
		Code:             contextGin.Query("code"),
		State:            contextGin.Query("state"),
		Error:            contextGin.Query("error"),
		ErrorDescription: contextGin.Query("error_description"),
	})
	broker.respond(contextGin, result, err)
}

func (broker *Broker) handleMintOfflineToken(contextGin *gin.Context) {
	caller, _ := ValidatedTokenFrom(contextGin)
	result, err := broker.MintOfflineToken(contextGin.Request.Context(), caller)
	broker.respond(contextGin, result, err)
}

func (broker *Broker) handleRevokeOfflineToken(contextGin *gin.Context) {
	entryID, err := queryUUID(contextGin, "id")
	if err != nil {
		broker.renderError(contextGin, err)
		return
	}
	result, err := broker.RevokeOfflineToken(contextGin.Request.Context(), entryID)
	broker.respond(contextGin, result, err)
}

func (broker *Broker) handleStoreRefreshToken(contextGin *gin.Context) {
	var inbound struct {
		RefreshToken string `json:"refresh_token"`
	}
	if err := contextGin.ShouldBindJSON(&inbound); err != nil {
		broker.renderError(contextGin, autherr.Wrap(err, autherr.KindValidation, "Request body must be JSON with refresh_token"))
		return
	}
	caller, _ := ValidatedTokenFrom(contextGin)
	result, err := broker.StoreRefreshToken(contextGin.Request.Context(), caller, inbound.RefreshToken)
	broker.respond(contextGin, result, err)
}

func (broker *Broker) handleMintRefreshTokenID(contextGin *gin.Context) {
	caller, _ := ValidatedTokenFrom(contextGin)
	result, err := broker.MintRefreshTokenID(contextGin.Request.Context(), caller)
	broker.respond(contextGin, result, err)
}

func (broker *Broker) handleFetchAccessToken(contextGin *gin.Context) {
	entryID, err := queryUUID(contextGin, "id")
	if err != nil {
		broker.renderError(contextGin, err)
		return
	}
	result, err := broker.FetchAccessToken(contextGin.Request.Context(), entryID)
	broker.respond(contextGin, result, err)
}

func (broker *Broker) handleValidateToken(contextGin *gin.Context) {
	result, err := broker.ValidateBearer(contextGin.Request.Context(), contextGin.GetHeader("Authorization"))
	broker.respond(contextGin, result, err)
}

func (broker *Broker) respond(contextGin *gin.Context, data any, err error) {
	if err != nil {
		broker.renderError(contextGin, err)
		return
	}
	contextGin.JSON(http.StatusOK, gin.H{"data": data})
}

// renderError writes {error, code} with the status of the error's kind. Details and
// causes only reach the log.
func (broker *Broker) renderError(contextGin *gin.Context, err error) {
	domainErr := autherr.As(err)
	fields := []zap.Field{
		zap.String("code", domainErr.Code()),
		zap.String("path", contextGin.FullPath()),
		zap.Error(err),
	}
	if len(domainErr.Details) > 0 {
		fields = append(fields, zap.Any("details", domainErr.Details))
	}
	if domainErr.Kind.HTTPStatus() >= http.StatusInternalServerError {
		broker.logger.Error("broker.request.failed", fields...)
	} else {
		broker.logger.Info("broker.request.rejected", fields...)
	}
	contextGin.AbortWithStatusJSON(domainErr.Kind.HTTPStatus(), gin.H{
		"error": domainErr.Message,
		"code":  domainErr.Code(),
	})
}

func queryUUID(contextGin *gin.Context, name string) (uuid.UUID, error) {
	raw := contextGin.Query(name)
	if raw == "" {
		return uuid.Nil, autherr.New(autherr.KindValidation, "Query parameter "+name+" is required")
	}
	parsed, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, autherr.Wrap(err, autherr.KindValidation, "Query parameter "+name+" must be a UUID")
	}
	return parsed, nil
}
