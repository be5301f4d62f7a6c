package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/zulandar/medconsult/internal/apperr"
	"github.com/zulandar/medconsult/internal/auth"
)

const principalKey = "principal"

// authenticate resolves the request credential and stores the principal on
// the gin context. Requests without a valid credential stop with 401.
func authenticate(v auth.Verifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		cred := auth.CredentialFromRequest(c.Request)
		if cred == "" {
			abortWithError(c, apperr.New(apperr.ErrUnauthenticated, "missing credential"))
			return
		}
		p, err := v.Verify(c.Request.Context(), cred)
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.Set(principalKey, p)
		c.Request = c.Request.WithContext(auth.WithPrincipal(c.Request.Context(), p))
		c.Next()
	}
}

func principal(c *gin.Context) auth.Principal {
	p, _ := c.MustGet(principalKey).(auth.Principal)
	return p
}

func requestLogger(log *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		if len(c.Errors) > 0 {
			log.Error("http request failed", "method", c.Request.Method,
				"path", c.FullPath(), "error", c.Errors.String())
		}
		log.Debug("http request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration", time.Since(start))
	}
}

// statusFor maps an error's kind to an HTTP status.
func statusFor(err error) int {
	if apperr.CodeOf(err) == apperr.CodeUnauthenticated {
		return http.StatusUnauthorized
	}
	switch apperr.KindOf(err) {
	case apperr.KindValidation:
		return http.StatusBadRequest
	case apperr.KindInvalidState, apperr.KindConflict:
		return http.StatusConflict
	case apperr.KindAuthorization:
		return http.StatusForbidden
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindTransientInfra:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func abortWithError(c *gin.Context, err error) {
	status := statusFor(err)
	body := gin.H{"error": apperr.MessageOf(err), "code": apperr.CodeOf(err)}
	if status == http.StatusInternalServerError {
		_ = c.Error(err)
		body = gin.H{"error": "internal error", "code": "internal"}
	}
	c.AbortWithStatusJSON(status, body)
}
