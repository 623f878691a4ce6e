// Gin middleware translating AppErrors (and panics) into the JSON error
// response shape, logged through the shared structured logger rather
// than returned to handlers to format themselves.
package apierr

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/lanternfabric/core/internal/logger"
)

// ErrorHandler is a middleware that handles errors consistently.
func ErrorHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) > 0 {
			err := c.Errors.Last()
			log := logger.HTTP()

			if appErr, ok := err.Err.(*AppError); ok {
				if appErr.StatusCode >= 500 {
					log.Error().Str("code", appErr.Code).Str("details", appErr.Details).Msg(appErr.Message)
				} else {
					log.Warn().Str("code", appErr.Code).Msg(appErr.Message)
				}
				c.JSON(appErr.StatusCode, appErr.ToResponse())
				return
			}

			log.Error().Err(err.Err).Msg("unhandled error")
			c.JSON(http.StatusInternalServerError, ErrorResponse{
				Error:   ErrCodeInternalServer,
				Message: "An unexpected error occurred",
				Code:    ErrCodeInternalServer,
			})
		}
	}
}

// Recovery is a middleware that recovers from panics.
func Recovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				logger.HTTP().Error().Interface("panic", err).Msg("recovered from panic")

				c.JSON(http.StatusInternalServerError, ErrorResponse{
					Error:   ErrCodeInternalServer,
					Message: "An unexpected error occurred",
					Code:    ErrCodeInternalServer,
				})

				c.Abort()
			}
		}()

		c.Next()
	}
}

// HandleError is a helper function to handle errors in handlers
func HandleError(c *gin.Context, err error) {
	if appErr, ok := err.(*AppError); ok {
		c.Error(appErr)
		c.JSON(appErr.StatusCode, appErr.ToResponse())
	} else {
		internalErr := InternalServer(err.Error())
		c.Error(internalErr)
		c.JSON(internalErr.StatusCode, internalErr.ToResponse())
	}
}

// AbortWithError is a helper to abort request with error
func AbortWithError(c *gin.Context, err *AppError) {
	c.Error(err)
	c.AbortWithStatusJSON(err.StatusCode, err.ToResponse())
}
