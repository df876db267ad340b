package authmw

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

var okHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
})

func TestToken(t *testing.T) {
	t.Parallel()

	h := Token("secret-token-123")(okHandler)

	tests := []struct {
		name       string
		headers    map[string]string
		wantStatus int
	}{
		{"bearer", map[string]string{"Authorization": "Bearer secret-token-123"}, http.StatusOK},
		{"api key", map[string]string{HeaderAPIKey: "secret-token-123"}, http.StatusOK},
		{"missing", nil, http.StatusUnauthorized},
		{"wrong bearer", map[string]string{"Authorization": "Bearer wrong"}, http.StatusUnauthorized},
		{"wrong api key", map[string]string{HeaderAPIKey: "wrong"}, http.StatusUnauthorized},
		{"partial match", map[string]string{"Authorization": "Bearer secret"}, http.StatusUnauthorized},
		{"extra suffix", map[string]string{"Authorization": "Bearer secret-token-1234"}, http.StatusUnauthorized},
		{"basic auth", map[string]string{"Authorization": "Basic dXNlcjpwYXNz"}, http.StatusUnauthorized},
		{"lowercase bearer", map[string]string{"Authorization": "bearer secret-token-123"}, http.StatusUnauthorized},
		{"empty bearer", map[string]string{"Authorization": "Bearer "}, http.StatusUnauthorized},
		// a malformed Authorization header is not rescued by a valid key
		{"malformed auth with key", map[string]string{"Authorization": "Basic x", HeaderAPIKey: "secret-token-123"}, http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			req := httptest.NewRequest(http.MethodPost, "/", http.NoBody)
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
		})
	}
}

func TestToken_PassesThroughToInnerHandler(t *testing.T) {
	t.Parallel()

	called := false
	inner := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		called = true
		w.WriteHeader(http.StatusCreated)
	})

	h := Token("tok")(inner)

	req := httptest.NewRequest(http.MethodPost, "/", http.NoBody)
	req.Header.Set(HeaderAPIKey, "tok")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if !called {
		t.Error("inner handler was not called")
	}
	if rec.Code != http.StatusCreated {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusCreated)
	}
}

func TestToken_RejectionSkipsInnerHandler(t *testing.T) {
	t.Parallel()

	called := false
	inner := http.HandlerFunc(func(http.ResponseWriter, *http.Request) { called = true })

	req := httptest.NewRequest(http.MethodPost, "/", http.NoBody)
	rec := httptest.NewRecorder()
	Token("tok")(inner).ServeHTTP(rec, req)

	if called {
		t.Error("inner handler called without credentials")
	}
}
