package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/lessonlink/presenter-sync/internal/auth"
	"github.com/lessonlink/presenter-sync/pkg/response"
)

// ContextPresenter is set to true once a request carried a valid presenter token. It stays unset
// when tokens are disabled.
const ContextPresenter = "presenter"

// PresenterToken extracts a presenter token from the Authorization header or the token query parameter.
func PresenterToken(c *gin.Context) string {
	if header := c.GetHeader("Authorization"); header != "" {
		parts := strings.SplitN(header, " ", 2)
		if len(parts) == 2 && parts[0] == "Bearer" {
			return parts[1]
		}
	}
	return c.Query("token")
}

// RequirePresenter rejects requests without a presenter token for the :code path parameter.
// It is a no-op when tokens are disabled.
func RequirePresenter(tokens *auth.PresenterTokens) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !tokens.Enabled() {
			c.Next()
			return
		}
		if err := tokens.Authorize(PresenterToken(c), c.Param("code")); err != nil {
			response.Unauthorized(c, "presenter token required")
			c.Abort()
			return
		}
		c.Set(ContextPresenter, true)
		c.Next()
	}
}
