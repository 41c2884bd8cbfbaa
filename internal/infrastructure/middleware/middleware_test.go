package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"vidrelay/pkg/auth"
	apperrors "vidrelay/pkg/errors"
	"vidrelay/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	tracesdk "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func serve(router *gin.Engine, req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestErrorHandlerMiddleware_AppError(t *testing.T) {
	router := gin.New()
	router.Use(ErrorHandlerMiddleware(zap.NewNop().Sugar()))
	router.GET("/busy", func(c *gin.Context) {
		_ = c.Error(apperrors.NewUpstreamNotReadyError(nil))
	})

	w := serve(router, httptest.NewRequest(http.MethodGet, "/busy", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.JSONEq(t, `{"error":"Upstream not ready","code":"UPSTREAM_NOT_READY"}`, w.Body.String())
}

func TestErrorHandlerMiddleware_PlainError(t *testing.T) {
	router := gin.New()
	router.Use(ErrorHandlerMiddleware(zap.NewNop().Sugar()))
	router.GET("/boom", func(c *gin.Context) {
		_ = c.Error(assert.AnError)
	})

	w := serve(router, httptest.NewRequest(http.MethodGet, "/boom", nil))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.JSONEq(t, `{"error":"Internal server error","code":"INTERNAL_ERROR"}`, w.Body.String())
}

func TestRecoveryMiddleware(t *testing.T) {
	router := gin.New()
	router.Use(RecoveryMiddleware(zap.NewNop().Sugar()))
	router.GET("/panic", func(c *gin.Context) {
		panic("unexpected")
	})

	w := serve(router, httptest.NewRequest(http.MethodGet, "/panic", nil))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestBearerToken(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/ws?token=q", nil)
	assert.Equal(t, "q", BearerToken(req))

	req.Header.Set("Authorization", "Bearer abc")
	assert.Equal(t, "abc", BearerToken(req))

	req.Header.Set("Authorization", "Basic abc")
	assert.Equal(t, "", BearerToken(req))
}

func TestProducerAuth(t *testing.T) {
	issuer := auth.NewTokenIssuer("secret", time.Hour)
	token, err := issuer.GenerateToken("camera-1")
	require.NoError(t, err)

	router := gin.New()
	handler := func(c *gin.Context) {
		subject, _ := ProducerSubject(c)
		c.String(http.StatusOK, subject)
	}
	router.GET("/optional", OptionalProducerAuth(issuer), handler)
	router.GET("/required", RequireProducerAuth(issuer), handler)

	cases := []struct {
		name   string
		path   string
		token  string
		status int
		body   string
	}{
		{"optional without token", "/optional", "", http.StatusOK, ""},
		{"optional with token", "/optional", token, http.StatusOK, "camera-1"},
		{"optional with bad token", "/optional", "bad", http.StatusUnauthorized, ""},
		{"required without token", "/required", "", http.StatusUnauthorized, ""},
		{"required with token", "/required", token, http.StatusOK, "camera-1"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tc.path, nil)
			if tc.token != "" {
				req.Header.Set("Authorization", "Bearer "+tc.token)
			}
			w := serve(router, req)
			assert.Equal(t, tc.status, w.Code)
			if tc.status == http.StatusOK {
				assert.Equal(t, tc.body, w.Body.String())
			}
		})
	}
}

func TestRequestLogger(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	router := gin.New()
	router.Use(RequestLogger(logger.NewContextLogger(zap.New(core))))
	router.GET("/stats", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodGet, "/stats", nil)
	req.Header.Set(RequestIDHeader, "req-42")
	w := serve(router, req)

	assert.Equal(t, "req-42", w.Header().Get(RequestIDHeader))
	require.Equal(t, 1, logs.Len())
	fields := logs.All()[0].ContextMap()
	assert.Equal(t, "req-42", fields["request_id"])
	assert.Equal(t, "/stats", fields["path"])

	w = serve(router, httptest.NewRequest(http.MethodGet, "/stats", nil))
	assert.NotEmpty(t, w.Header().Get(RequestIDHeader))
}

func TestRequestLogger_LogsServerErrors(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	router := gin.New()
	router.Use(RequestLogger(logger.NewContextLogger(zap.New(core))))
	router.GET("/offer", func(c *gin.Context) {
		_ = c.Error(assert.AnError)
		c.Status(http.StatusInternalServerError)
	})
	router.GET("/bad", func(c *gin.Context) {
		_ = c.Error(assert.AnError)
		c.Status(http.StatusBadRequest)
	})

	serve(router, httptest.NewRequest(http.MethodGet, "/offer", nil))
	failures := logs.FilterMessage("request failed").All()
	require.Len(t, failures, 1)
	assert.Equal(t, zapcore.ErrorLevel, failures[0].Level)
	fields := failures[0].ContextMap()
	assert.Equal(t, assert.AnError.Error(), fields["error"])
	assert.Equal(t, "/offer", fields["path"])
	assert.NotEmpty(t, fields["request_id"])

	// Client errors are only logged as requests.
	serve(router, httptest.NewRequest(http.MethodGet, "/bad", nil))
	assert.Equal(t, 1, logs.FilterMessage("request failed").Len())
	assert.Equal(t, 2, logs.FilterMessage("http_request").Len())
}

func TestTracingMiddleware_SetsSpanStatus(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := tracesdk.NewTracerProvider(tracesdk.WithSpanProcessor(recorder))
	previous := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(previous)
		_ = tp.Shutdown(context.Background())
	})

	router := gin.New()
	router.Use(TracingMiddleware())
	router.GET("/stats", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})
	router.POST("/offer", func(c *gin.Context) {
		_ = c.Error(assert.AnError)
		c.Status(http.StatusServiceUnavailable)
	})

	serve(router, httptest.NewRequest(http.MethodGet, "/stats", nil))
	serve(router, httptest.NewRequest(http.MethodPost, "/offer", nil))

	spans := recorder.Ended()
	require.Len(t, spans, 2)
	assert.Equal(t, codes.Ok, spans[0].Status().Code)
	assert.Equal(t, codes.Error, spans[1].Status().Code)
	assert.Contains(t, spans[1].Status().Description, assert.AnError.Error())
}

func TestTracingMiddleware_PassesThrough(t *testing.T) {
	router := gin.New()
	router.Use(TracingMiddleware())
	router.GET("/health", func(c *gin.Context) {
		c.Status(http.StatusNoContent)
	})

	w := serve(router, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusNoContent, w.Code)
}

func TestCORSMiddleware(t *testing.T) {
	router := gin.New()
	router.Use(CORSMiddleware([]string{"https://viewer.example.com"}))
	router.POST("/offer", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	preflight := httptest.NewRequest(http.MethodOptions, "/offer", nil)
	preflight.Header.Set("Origin", "https://viewer.example.com")
	w := serve(router, preflight)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "https://viewer.example.com", w.Header().Get("Access-Control-Allow-Origin"))

	foreign := httptest.NewRequest(http.MethodPost, "/offer", nil)
	foreign.Header.Set("Origin", "https://other.example.com")
	w = serve(router, foreign)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))

	router = gin.New()
	router.Use(CORSMiddleware([]string{"*"}))
	router.GET("/stats", func(c *gin.Context) { c.Status(http.StatusOK) })
	req := httptest.NewRequest(http.MethodGet, "/stats", nil)
	req.Header.Set("Origin", "https://any.example.com")
	assert.Equal(t, "*", serve(router, req).Header().Get("Access-Control-Allow-Origin"))
}
