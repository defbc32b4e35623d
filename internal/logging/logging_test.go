package logging

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestOperationErrorUnwraps(t *testing.T) {
	base := errors.New("boom")
	err := NewOperationError("storage.save_result", "req-1", base)

	if !errors.Is(err, base) {
		t.Fatalf("expected wrapped error to match base")
	}
	if got := err.Error(); got != "storage.save_result (request_id=req-1): boom" {
		t.Fatalf("unexpected message: %s", got)
	}
	if NewOperationError("op", "", nil) != nil {
		t.Fatal("expected nil error to stay nil")
	}
}

func TestFailedOperationReturnsInnermost(t *testing.T) {
	inner := NewOperationError("inference.predict", "req-1", errors.New("queue full"))
	outer := fmt.Errorf("run: %w", NewOperationError("usecase.run", "req-1", inner))

	if got := FailedOperation(outer); got != "inference.predict" {
		t.Fatalf("expected innermost operation, got %q", got)
	}
	if got := FailedOperation(errors.New("plain")); got != "" {
		t.Fatalf("expected empty operation, got %q", got)
	}
}

func TestNewLoggerRejectsUnknownLevel(t *testing.T) {
	if _, err := NewLogger("loud"); err == nil {
		t.Fatal("expected error for unknown level")
	}
	logger, err := NewLogger("debug")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !logger.Core().Enabled(zap.DebugLevel) {
		t.Fatal("expected debug level to be enabled")
	}
}

func TestGinMiddlewareAssignsRequestID(t *testing.T) {
	gin.SetMode(gin.TestMode)
	core, logs := observer.New(zap.InfoLevel)

	router := gin.New()
	router.Use(GinMiddleware(zap.New(core)))

	var seen string
	router.GET("/ping", func(c *gin.Context) {
		seen = RequestIDFromContext(c.Request.Context())
		c.String(http.StatusOK, "pong")
	})

	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/ping", nil))

	if seen == "" {
		t.Fatal("expected request id on context")
	}
	if got := resp.Header().Get(RequestIDHeader); got != seen {
		t.Fatalf("expected header %q, got %q", seen, got)
	}
	if logs.FilterMessage("request completed").Len() != 1 {
		t.Fatalf("expected one completion log, got %d", logs.Len())
	}
}

func TestGinMiddlewareKeepsIncomingRequestID(t *testing.T) {
	gin.SetMode(gin.TestMode)

	router := gin.New()
	router.Use(GinMiddleware(zap.NewNop()))
	router.GET("/ping", func(c *gin.Context) {
		c.String(http.StatusOK, RequestIDFromContext(c.Request.Context()))
	})

	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.Header.Set(RequestIDHeader, "client-supplied")
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	if resp.Body.String() != "client-supplied" {
		t.Fatalf("expected client id to be reused, got %q", resp.Body.String())
	}
}

func TestGinMiddlewareLogsFailedOperation(t *testing.T) {
	gin.SetMode(gin.TestMode)
	core, logs := observer.New(zap.InfoLevel)

	router := gin.New()
	router.Use(GinMiddleware(zap.New(core)))
	router.GET("/fail", func(c *gin.Context) {
		_ = c.Error(NewOperationError("storage.save_result", "", errors.New("disk full")))
		c.Status(http.StatusInternalServerError)
	})

	router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/fail", nil))

	entries := logs.FilterMessage("request failed").All()
	if len(entries) != 1 {
		t.Fatalf("expected one failure log, got %d", len(entries))
	}
	if got := entries[0].ContextMap()["failed_operation"]; got != "storage.save_result" {
		t.Fatalf("expected failed_operation field, got %v", got)
	}
}

func TestGinMiddlewareReplacesInvalidRequestID(t *testing.T) {
	gin.SetMode(gin.TestMode)

	router := gin.New()
	router.Use(GinMiddleware(zap.NewNop()))
	router.GET("/ping", func(c *gin.Context) {
		c.String(http.StatusOK, RequestIDFromContext(c.Request.Context()))
	})

	for _, incoming := range []string{strings.Repeat("a", 129), "id with spaces", "bad\x7fid"} {
		req := httptest.NewRequest(http.MethodGet, "/ping", nil)
		req.Header.Set(RequestIDHeader, incoming)
		resp := httptest.NewRecorder()
		router.ServeHTTP(resp, req)

		got := resp.Body.String()
		if got == incoming || got == "" {
			t.Fatalf("expected %q to be replaced, got %q", incoming, got)
		}
		if resp.Header().Get(RequestIDHeader) != got {
			t.Fatalf("expected response header to carry the replacement id")
		}
	}
}
