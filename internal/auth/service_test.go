package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

type fakeVerifier map[string]string

func (f fakeVerifier) Verify(ctx context.Context, raw string) (*Principal, error) {
	sub, ok := f[raw]
	if !ok {
		return nil, errors.New("bad token")
	}
	return &Principal{Subject: sub}, nil
}

func TestRequireAdmin(t *testing.T) {
	svc := NewService(fakeVerifier{"good": "ops", "other": "intruder"}, []string{"ops"}, nil)
	var seen string
	h := svc.RequireAdmin(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, ok := PrincipalFromContext(r.Context())
		if !ok {
			t.Fatal("principal missing from context")
		}
		seen = p.Subject
		w.WriteHeader(http.StatusNoContent)
	}))

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"missing", "", http.StatusUnauthorized},
		{"wrong scheme", "Basic good", http.StatusUnauthorized},
		{"invalid token", "Bearer nope", http.StatusUnauthorized},
		{"not allowed", "Bearer other", http.StatusForbidden},
		{"allowed", "bearer good", http.StatusNoContent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/admin/x", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			if rec.Code != tt.want {
				t.Fatalf("status = %d, want %d", rec.Code, tt.want)
			}
			if tt.want == http.StatusUnauthorized && rec.Header().Get("WWW-Authenticate") == "" {
				t.Fatal("expected WWW-Authenticate challenge")
			}
		})
	}
	if seen != "ops" {
		t.Fatalf("handler saw subject %q", seen)
	}
}
