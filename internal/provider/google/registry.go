package google

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/oauth2"
	googleoauth "golang.org/x/oauth2/google"
	"google.golang.org/api/calendar/v3"

	"gitea.jw6.us/james/busysync/internal/provider"
	"gitea.jw6.us/james/busysync/internal/secrets"
	"gitea.jw6.us/james/busysync/internal/store"
)

// ProviderName is the Account.Provider value served by this package.
const ProviderName = "google"

// OAuthConfig returns the OAuth client configuration for calendar access.
func OAuthConfig(clientID, clientSecret, redirectURL string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		RedirectURL:  redirectURL,
		Endpoint:     googleoauth.Endpoint,
		Scopes:       []string{calendar.CalendarScope},
	}
}

// SealToken encodes and seals tok for storage on an Account.
func SealToken(box *secrets.Box, tok *oauth2.Token) ([]byte, error) {
	raw, err := json.Marshal(tok)
	if err != nil {
		return nil, fmt.Errorf("encode token: %w", err)
	}
	return box.Seal(raw)
}

// Registry builds and caches one Client per connected account.
type Registry struct {
	oauth    *oauth2.Config
	box      *secrets.Box
	accounts store.AccountRepository
	cfg      Config
	log      *slog.Logger
	// transport carries oauth and API traffic; nil uses the default.
	transport http.RoundTripper

	mu      sync.Mutex
	clients map[int64]*Client
}

var _ provider.Registry = (*Registry)(nil)

// NewRegistry creates a registry. Refreshed tokens are sealed and written
// back through accounts.
func NewRegistry(oauthCfg *oauth2.Config, box *secrets.Box, accounts store.AccountRepository, cfg Config, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		oauth:    oauthCfg,
		box:      box,
		accounts: accounts,
		cfg:      cfg,
		log:      logger,
		clients:  make(map[int64]*Client),
	}
}

// WithTransport routes all traffic through rt.
func (r *Registry) WithTransport(rt http.RoundTripper) *Registry {
	r.transport = rt
	return r
}

func (r *Registry) ForAccount(ctx context.Context, acct *store.Account) (provider.Client, error) {
	if acct.Provider != ProviderName {
		return nil, &provider.TerminalError{Op: "resolve client", Err: fmt.Errorf("unsupported provider %q", acct.Provider)}
	}
	if !acct.Active {
		return nil, &provider.TerminalError{Op: "resolve client", Err: fmt.Errorf("account %d is deactivated", acct.ID)}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.clients[acct.ID]; ok {
		return c, nil
	}

	raw, err := r.box.Open(acct.TokenCiphertext)
	if err != nil {
		return nil, &provider.TerminalError{Op: "unseal token", Err: err}
	}
	var tok oauth2.Token
	if err := json.Unmarshal(raw, &tok); err != nil {
		return nil, &provider.TerminalError{Op: "decode token", Err: err}
	}

	// The client outlives the request that first resolved it.
	baseCtx := context.WithoutCancel(ctx)
	if r.transport != nil {
		baseCtx = context.WithValue(baseCtx, oauth2.HTTPClient, &http.Client{Transport: r.transport})
	}
	src := &persistingSource{
		base:      oauth2.ReuseTokenSource(&tok, r.oauth.TokenSource(baseCtx, &tok)),
		last:      tok.AccessToken,
		accountID: acct.ID,
		box:       r.box,
		accounts:  r.accounts,
		log:       r.log,
	}
	c, err := New(baseCtx, oauth2.NewClient(baseCtx, src), r.cfg, r.log.With("account_id", acct.ID))
	if err != nil {
		return nil, err
	}
	r.clients[acct.ID] = c
	return c, nil
}

// Evict drops the cached client for an account.
func (r *Registry) Evict(accountID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.clients, accountID)
}

// persistingSource writes refreshed tokens back to the account row.
type persistingSource struct {
	base      oauth2.TokenSource
	accountID int64
	box       *secrets.Box
	accounts  store.AccountRepository
	log       *slog.Logger

	mu   sync.Mutex
	last string
}

func (s *persistingSource) Token() (*oauth2.Token, error) {
	tok, err := s.base.Token()
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if tok.AccessToken == s.last {
		return tok, nil
	}
	s.last = tok.AccessToken

	sealed, err := SealToken(s.box, tok)
	if err != nil {
		s.log.Error("seal refreshed token", "account_id", s.accountID, "error", err)
		return tok, nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.accounts.UpdateToken(ctx, s.accountID, sealed); err != nil {
		s.log.Error("persist refreshed token", "account_id", s.accountID, "error", err)
	}
	return tok, nil
}
