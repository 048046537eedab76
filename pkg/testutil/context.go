package testutil

import (
	"context"
	"net/http"

	"eventrelay/internal/platform/middleware"
)

// WithClientID marks req as authenticated for clientID, as RequireToken would.
func WithClientID(req *http.Request, clientID string) *http.Request {
	ctx := context.WithValue(req.Context(), middleware.ContextKeyClientID, clientID)
	return req.WithContext(ctx)
}
