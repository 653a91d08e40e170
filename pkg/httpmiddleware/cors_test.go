package httpmiddleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCORS(t *testing.T) {
	shop := CORSConfig{
		AllowOrigins:  []string{"https://Shop.example.com"},
		AllowHeaders:  []string{"Content-Type", "X-User-ID"},
		ExposeHeaders: []string{"X-Request-ID"},
		MaxAge:        600,
	}

	tests := []struct {
		name       string
		cfg        CORSConfig
		method     string
		headers    map[string]string
		wantStatus int
		wantHeader map[string]string
		nextCalled bool
	}{
		{
			name:       "no origin passes through",
			cfg:        shop,
			method:     http.MethodGet,
			wantStatus: http.StatusOK,
			wantHeader: map[string]string{"Vary": "Origin", "Access-Control-Allow-Origin": ""},
			nextCalled: true,
		},
		{
			name:       "allowed origin matched case-insensitively",
			cfg:        shop,
			method:     http.MethodGet,
			headers:    map[string]string{"Origin": "https://shop.example.com"},
			wantStatus: http.StatusOK,
			wantHeader: map[string]string{
				"Access-Control-Allow-Origin":   "https://Shop.example.com",
				"Access-Control-Expose-Headers": "X-Request-ID",
			},
			nextCalled: true,
		},
		{
			name:       "unknown origin gets no allow header",
			cfg:        shop,
			method:     http.MethodGet,
			headers:    map[string]string{"Origin": "https://evil.example.com"},
			wantStatus: http.StatusOK,
			wantHeader: map[string]string{"Access-Control-Allow-Origin": ""},
			nextCalled: true,
		},
		{
			name:   "preflight",
			cfg:    shop,
			method: http.MethodOptions,
			headers: map[string]string{
				"Origin":                        "https://shop.example.com",
				"Access-Control-Request-Method": http.MethodPatch,
			},
			wantStatus: http.StatusNoContent,
			wantHeader: map[string]string{
				"Access-Control-Allow-Origin":  "https://Shop.example.com",
				"Access-Control-Allow-Methods": "GET, POST, PATCH, DELETE, OPTIONS",
				"Access-Control-Allow-Headers": "Content-Type, X-User-ID",
				"Access-Control-Max-Age":       "600",
			},
		},
		{
			name:   "preflight from unknown origin",
			cfg:    shop,
			method: http.MethodOptions,
			headers: map[string]string{
				"Origin":                        "https://evil.example.com",
				"Access-Control-Request-Method": http.MethodPost,
			},
			wantStatus: http.StatusNoContent,
			wantHeader: map[string]string{"Access-Control-Allow-Origin": "", "Access-Control-Allow-Methods": ""},
		},
		{
			name:   "wildcard echoes requested headers",
			cfg:    CORSConfig{AllowOrigins: []string{"*"}},
			method: http.MethodOptions,
			headers: map[string]string{
				"Origin":                         "https://any.example.com",
				"Access-Control-Request-Method":  http.MethodPost,
				"Access-Control-Request-Headers": "X-User-ID",
			},
			wantStatus: http.StatusNoContent,
			wantHeader: map[string]string{
				"Access-Control-Allow-Origin":  "*",
				"Access-Control-Allow-Headers": "X-User-ID",
			},
		},
		{
			name:       "credentials never use wildcard",
			cfg:        CORSConfig{AllowCredentials: true},
			method:     http.MethodGet,
			headers:    map[string]string{"Origin": "https://any.example.com"},
			wantStatus: http.StatusOK,
			wantHeader: map[string]string{"Access-Control-Allow-Origin": ""},
			nextCalled: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			called := false
			h := CORS(tt.cfg)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				called = true
				w.WriteHeader(http.StatusOK)
			}))

			req := httptest.NewRequest(tt.method, "/api/cart", nil)
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			w := httptest.NewRecorder()
			h.ServeHTTP(w, req)

			assert.Equal(t, tt.wantStatus, w.Code)
			assert.Equal(t, tt.nextCalled, called)
			for k, v := range tt.wantHeader {
				assert.Equal(t, v, w.Header().Get(k), k)
			}
		})
	}
}
