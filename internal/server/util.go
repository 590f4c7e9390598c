package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/loykin/craftd/internal/lifecycle"
	"github.com/loykin/craftd/internal/provider"
	"github.com/loykin/craftd/internal/remote"
)

func sanitizeBase(bp string) string {
	bp = strings.TrimSpace(bp)
	if bp == "" || bp == "/" {
		return ""
	}
	if !strings.HasPrefix(bp, "/") {
		bp = "/" + bp
	}
	return strings.TrimRight(bp, "/")
}

// parseWait reads the wait query parameter: empty, "0" or "false" do not wait,
// "1" or "true" wait up to limit, a Go duration waits that long (capped at limit).
func parseWait(s string, limit time.Duration) (time.Duration, error) {
	s = strings.TrimSpace(s)
	switch strings.ToLower(s) {
	case "", "0", "false", "no":
		return 0, nil
	case "1", "true", "yes":
		return limit, nil
	}
	if n, err := strconv.Atoi(s); err == nil && n > 0 {
		return limit, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil || d < 0 {
		return 0, errors.New("wait must be a boolean or a duration")
	}
	return min(d, limit), nil
}

// ErrorResponse is the body of every non-2xx reply.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func respondError(c *gin.Context, statusCode int, errorCode, message string) {
	c.JSON(statusCode, ErrorResponse{Error: errorCode, Message: message})
}

// respondErr maps controller, provider and transport errors to a status code.
func respondErr(c *gin.Context, err error) {
	var apiErr *provider.APIError
	switch {
	case errors.Is(err, lifecycle.ErrInvalidState):
		respondError(c, http.StatusConflict, "invalid_state", err.Error())
	case errors.Is(err, lifecycle.ErrBusy), errors.Is(err, lifecycle.ErrSuperseded):
		respondError(c, http.StatusConflict, "busy", err.Error())
	case errors.Is(err, lifecycle.ErrNoAddress), errors.Is(err, remote.ErrNoHost):
		respondError(c, http.StatusConflict, "no_address", err.Error())
	case errors.Is(err, lifecycle.ErrClosed):
		respondError(c, http.StatusServiceUnavailable, "shutting_down", err.Error())
	case errors.As(err, &apiErr):
		respondError(c, http.StatusBadGateway, "provider_error", err.Error())
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		respondError(c, http.StatusGatewayTimeout, "timeout", err.Error())
	default:
		respondError(c, http.StatusInternalServerError, "internal_error", err.Error())
	}
}
