package httpapi

import (
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
)

// errorResponse is the body of every failed request.
type errorResponse struct {
	Error       string `json:"error"`
	Description string `json:"error_description,omitempty"`
}

func writeError(c *gin.Context, status int, code, description string) {
	c.AbortWithStatusJSON(status, errorResponse{Error: code, Description: description})
}

func writeUnauthorized(c *gin.Context, realm string) {
	c.Header("WWW-Authenticate", fmt.Sprintf("Basic realm=%q, charset=\"UTF-8\"", realm))
	writeError(c, http.StatusUnauthorized, "invalid_credentials", "Invalid username or password.")
}

func writeUnavailable(c *gin.Context, retryAfter time.Duration) {
	c.Header("Retry-After", retryAfterSeconds(retryAfter))
	writeError(c, http.StatusServiceUnavailable, "directory_unavailable", "The directory is temporarily unavailable.")
}

// retryAfterSeconds renders d as whole seconds, rounded up, at least 1.
func retryAfterSeconds(d time.Duration) string {
	s := int(math.Ceil(d.Seconds()))
	if s < 1 {
		s = 1
	}
	return strconv.Itoa(s)
}
