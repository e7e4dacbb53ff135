package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/coreos/go-oidc/v3/oidc"
)

var (
	ErrNoToken   = errors.New("auth: bearer token required")
	ErrForbidden = errors.New("auth: subject not allowed")
)

// TokenVerifier checks a raw bearer token and returns its principal.
type TokenVerifier interface {
	Verify(ctx context.Context, rawToken string) (*Principal, error)
}

// OIDCVerifier validates ID tokens issued for the admin client.
type OIDCVerifier struct {
	verifier *oidc.IDTokenVerifier
}

// NewOIDCVerifier discovers the issuer's keys. It performs network I/O.
func NewOIDCVerifier(ctx context.Context, issuerURL, clientID string) (*OIDCVerifier, error) {
	provider, err := oidc.NewProvider(ctx, issuerURL)
	if err != nil {
		return nil, fmt.Errorf("discover oidc issuer: %w", err)
	}
	return &OIDCVerifier{verifier: provider.Verifier(&oidc.Config{ClientID: clientID})}, nil
}

func (v *OIDCVerifier) Verify(ctx context.Context, rawToken string) (*Principal, error) {
	tok, err := v.verifier.Verify(ctx, rawToken)
	if err != nil {
		return nil, err
	}
	var claims struct {
		Email string `json:"email"`
	}
	if err := tok.Claims(&claims); err != nil {
		return nil, fmt.Errorf("decode claims: %w", err)
	}
	return &Principal{Subject: tok.Subject, Email: claims.Email}, nil
}

// Service guards the admin API with bearer tokens and a subject allowlist.
type Service struct {
	verifier TokenVerifier
	subjects map[string]bool
	log      *slog.Logger
}

func NewService(verifier TokenVerifier, subjects []string, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	allowed := make(map[string]bool, len(subjects))
	for _, s := range subjects {
		allowed[s] = true
	}
	return &Service{verifier: verifier, subjects: allowed, log: logger.With("component", "auth")}
}

// Authenticate resolves the principal for a request.
func (s *Service) Authenticate(r *http.Request) (*Principal, error) {
	raw, ok := bearerToken(r)
	if !ok {
		return nil, ErrNoToken
	}
	p, err := s.verifier.Verify(r.Context(), raw)
	if err != nil {
		return nil, err
	}
	if !s.subjects[p.Subject] {
		return p, ErrForbidden
	}
	return p, nil
}

// RequireAdmin rejects requests without an allowed bearer token.
func (s *Service) RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, err := s.Authenticate(r)
		switch {
		case errors.Is(err, ErrForbidden):
			s.log.Warn("admin access denied", "subject", p.Subject)
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		case err != nil:
			if !errors.Is(err, ErrNoToken) {
				s.log.Info("bearer token rejected", "error", err)
			}
			w.Header().Set("WWW-Authenticate", `Bearer realm="busysync"`)
			http.Error(w, "authentication required", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
	})
}

func bearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	scheme, token, ok := strings.Cut(h, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}
