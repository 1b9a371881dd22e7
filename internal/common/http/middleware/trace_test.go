package middleware_test

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"codejudge/internal/common/http/middleware"
	"codejudge/pkg/utils/contextkey"

	"github.com/gin-gonic/gin"
)

func newRouter(mw gin.HandlerFunc, seen *string) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(mw)
	r.GET("/ping", func(c *gin.Context) {
		if v, ok := c.Request.Context().Value(contextkey.TraceID).(string); ok {
			*seen = v
		}
		c.Status(http.StatusNoContent)
	})
	return r
}

func TestTraceContextMiddlewareKeepsInboundIDs(t *testing.T) {
	var seen string
	r := newRouter(middleware.TraceContextMiddleware(), &seen)

	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.Header.Set("X-Trace-Id", "trace-1")
	req.Header.Set("X-Request-Id", "req-1")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if seen != "trace-1" {
		t.Fatalf("expected trace id in context, got %q", seen)
	}
	if got := w.Header().Get("X-Trace-Id"); got != "trace-1" {
		t.Fatalf("expected trace header echoed, got %q", got)
	}
	if got := w.Header().Get("X-Request-Id"); got != "req-1" {
		t.Fatalf("expected request header echoed, got %q", got)
	}
}

func TestTraceContextMiddlewareGeneratesIDs(t *testing.T) {
	var seen string
	r := newRouter(middleware.TraceContextMiddlewareWithConfig(middleware.TraceContextConfig{}), &seen)

	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.Header.Set("X-Trace-Id", "spoofed")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if seen == "" || seen == "spoofed" {
		t.Fatalf("expected generated trace id, got %q", seen)
	}
	if w.Header().Get("X-Request-Id") == "" {
		t.Fatalf("expected request id header")
	}
}
