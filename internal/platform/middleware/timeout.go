package middleware

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
)

// RequestTimeout bounds every request with a context deadline. Handlers run
// on the request goroutine and are expected to honour the context; store
// calls abort when it expires and the transaction rolls back. If the
// deadline passed and nothing has been written yet, a 504 is returned.
//
// Paths matched by skip keep the caller's context untouched.
func RequestTimeout(timeout time.Duration, skip func(path string) bool) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if timeout <= 0 || (skip != nil && skip(c.Request().URL.Path)) {
				return next(c)
			}

			ctx, cancel := context.WithTimeout(c.Request().Context(), timeout)
			defer cancel()
			c.SetRequest(c.Request().WithContext(ctx))

			err := next(c)
			if errors.Is(ctx.Err(), context.DeadlineExceeded) && !c.Response().Committed {
				return gatewayTimeout(c)
			}
			return err
		}
	}
}

func gatewayTimeout(c echo.Context) error {
	return c.JSON(http.StatusGatewayTimeout, map[string]any{
		"message":    "request exceeded the allowed time; the operation was not committed",
		"request_id": requestID(c),
	})
}
