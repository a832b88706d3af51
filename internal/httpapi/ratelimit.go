package httpapi

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/ulule/limiter/v3"
	mgin "github.com/ulule/limiter/v3/drivers/middleware/gin"
	"github.com/ulule/limiter/v3/drivers/store/memory"

	"github.com/isometry/ad-sso-gateway/internal/logging"
)

// NewLoginRateLimiter limits requests per client IP to rate, formatted as
// "<limit>-<period>" (e.g. "10-M"). State lives in process memory.
func NewLoginRateLimiter(rate string) (gin.HandlerFunc, error) {
	r, err := limiter.NewRateFromFormatted(rate)
	if err != nil {
		return nil, fmt.Errorf("rate limit %q: %w", rate, err)
	}

	instance := limiter.New(memory.NewStore(), r)

	return mgin.NewMiddleware(instance,
		mgin.WithLimitReachedHandler(func(c *gin.Context) {
			logging.Subsystem(c.Request.Context(), logging.SubsystemHTTP).Warn("rate limit exceeded",
				"client_ip", c.ClientIP(),
				"path", c.Request.URL.Path,
			)
			writeError(c, http.StatusTooManyRequests, "rate_limit_exceeded", "Too many requests. Please try again later.")
		}),
		mgin.WithErrorHandler(func(c *gin.Context, err error) {
			logging.Subsystem(c.Request.Context(), logging.SubsystemHTTP).Error("rate limiter failed", "error", err)
			writeError(c, http.StatusInternalServerError, "internal_error", "Internal server error.")
		}),
	), nil
}
