package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	apperrors "github.com/3leaps/genimpute/internal/errors"
)

func TestRecovery(t *testing.T) {
	tests := []struct {
		name       string
		handler    http.HandlerFunc
		wantStatus int
		wantBody   string
		wantMsg    string
	}{
		{
			name: "passes through",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				_, _ = w.Write([]byte("chr1 running"))
			},
			wantStatus: http.StatusOK,
			wantBody:   "chr1 running",
		},
		{
			name:       "string panic",
			handler:    func(http.ResponseWriter, *http.Request) { panic("snapshot failed") },
			wantStatus: http.StatusInternalServerError,
			wantMsg:    "panic: snapshot failed",
		},
		{
			name:       "error panic",
			handler:    func(http.ResponseWriter, *http.Request) { panic(assert.AnError) },
			wantStatus: http.StatusInternalServerError,
			wantMsg:    "panic: " + assert.AnError.Error(),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			require.NotPanics(t, func() {
				Recovery(tt.handler).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/progress", nil))
			})
			assert.Equal(t, tt.wantStatus, rec.Code)
			if tt.wantMsg == "" {
				assert.Equal(t, tt.wantBody, rec.Body.String())
				return
			}

			assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
			var resp ErrorResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			assert.Equal(t, apperrors.CodeInternal, resp.Error.Code)
			assert.Equal(t, tt.wantMsg, resp.Error.Message)
		})
	}
}

func TestRecovery_AbortHandlerRepanics(t *testing.T) {
	h := Recovery(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic(http.ErrAbortHandler)
	}))
	assert.PanicsWithValue(t, http.ErrAbortHandler, func() {
		h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/events", nil))
	})
}

func TestRequestID(t *testing.T) {
	t.Run("propagates client id into panic response", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/progress", nil)
		req.Header.Set("X-Request-ID", "run-42")
		rec := httptest.NewRecorder()

		RequestID(Recovery(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
			panic("boom")
		}))).ServeHTTP(rec, req)

		var resp ErrorResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, "run-42", resp.Error.RequestID)
		assert.Equal(t, "run-42", rec.Header().Get("X-Request-ID"))
	})

	t.Run("generates id", func(t *testing.T) {
		var seen string
		rec := httptest.NewRecorder()
		RequestID(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
			seen = GetRequestID(r.Context())
		})).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

		assert.NotEmpty(t, seen)
		assert.Equal(t, seen, rec.Header().Get("X-Request-ID"))
	})
}

func TestErrorHandlerIsRecovery(t *testing.T) {
	rec := httptest.NewRecorder()
	ErrorHandler(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	})).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestAccessLog(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	logger := zap.New(core)

	ok := AccessLog(logger)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	failing := AccessLog(logger)(Recovery(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	})))

	ok.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/progress", nil))
	failing.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/events", nil))

	entries := logs.All()
	require.Len(t, entries, 2)

	assert.Equal(t, zap.DebugLevel, entries[0].Level)
	assert.Equal(t, "/progress", entries[0].ContextMap()["path"])
	assert.EqualValues(t, http.StatusNoContent, entries[0].ContextMap()["status"])

	assert.Equal(t, zap.WarnLevel, entries[1].Level)
	assert.Equal(t, "HTTP request failed", entries[1].Message)
	assert.EqualValues(t, http.StatusInternalServerError, entries[1].ContextMap()["status"])
}
