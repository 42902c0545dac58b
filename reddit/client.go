// Package reddit is the content source: an app-only OAuth session against the
// Reddit API that returns the fully expanded reply list of a submission.
//
// A Session is cheap and short-lived. Callers dial one per watch cycle and
// close it when the cycle ends so no connection outlives the cycle that used it.
package reddit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

const (
	DefaultAPIBase  = "https://oauth.reddit.com"
	DefaultTokenURL = "https://www.reddit.com/api/v1/access_token"
)

var (
	// ErrUnauthorized means the stored credentials were rejected.
	ErrUnauthorized = errors.New("reddit: credentials rejected")
	// ErrMissingCredentials means one of client id, secret or user agent is empty.
	ErrMissingCredentials = errors.New("reddit: credentials not configured")
	// ErrThreadNotFound is returned when the submission does not exist or is private.
	ErrThreadNotFound = errors.New("reddit: thread not found")
)

// Credentials are the process-wide app credentials used to mint tokens.
type Credentials struct {
	ClientID     string
	ClientSecret string
	UserAgent    string
}

// Complete reports whether all three fields are set.
func (c Credentials) Complete() bool {
	return c.ClientID != "" && c.ClientSecret != "" && c.UserAgent != ""
}

// Reply is one comment of a watched thread.
type Reply struct {
	ID        string
	Author    string
	Body      string
	CreatedAt int64 // unix seconds
	Permalink string
}

// TokenCache persists the app token between sessions. LoadToken returns
// (nil, nil) when nothing is cached.
type TokenCache interface {
	LoadToken(ctx context.Context) (*oauth2.Token, error)
	SaveToken(ctx context.Context, tok *oauth2.Token) error
	ClearToken(ctx context.Context) error
}

// Options tune a Session. Zero values fall back to the public endpoints.
type Options struct {
	APIBase      string
	TokenURL     string
	Timeout      time.Duration
	ExpansionCap int // max load-more requests per fetch; <= 0 disables expansion
	Cache        TokenCache
}

// Session is an authorized client bound to one set of credentials. It is
// used by one goroutine at a time.
type Session struct {
	opts      Options
	creds     Credentials
	transport *http.Transport
	base      *http.Client
	client    *http.Client
	cached    bool // the current token came from the cache
}

// userAgentTransport stamps every request with the configured User-Agent,
// which the API requires for all OAuth clients.
type userAgentTransport struct {
	base http.RoundTripper
	ua   string
}

func (t *userAgentTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	r := req.Clone(req.Context())
	r.Header.Set("User-Agent", t.ua)
	return t.base.RoundTrip(r)
}

// Dial returns a session holding a valid app token, reusing the cached one when
// it has not expired. A rejected client id/secret yields ErrUnauthorized.
func Dial(ctx context.Context, creds Credentials, opts Options) (*Session, error) {
	if !creds.Complete() {
		return nil, ErrMissingCredentials
	}
	if opts.APIBase == "" {
		opts.APIBase = DefaultAPIBase
	}
	if opts.TokenURL == "" {
		opts.TokenURL = DefaultTokenURL
	}
	opts.APIBase = strings.TrimRight(opts.APIBase, "/")

	tr := http.DefaultTransport.(*http.Transport).Clone()
	base := &http.Client{
		Transport: &userAgentTransport{base: tr, ua: creds.UserAgent},
		Timeout:   opts.Timeout,
	}

	s := &Session{opts: opts, creds: creds, transport: tr, base: base}
	if tok := s.cachedToken(ctx); tok != nil {
		s.use(tok, true)
		return s, nil
	}
	tok, err := mint(ctx, creds, opts, base)
	if err != nil {
		tr.CloseIdleConnections()
		return nil, err
	}
	s.use(tok, false)
	return s, nil
}

func (s *Session) use(tok *oauth2.Token, cached bool) {
	s.cached = cached
	s.client = &http.Client{
		Transport: &oauth2.Transport{Source: oauth2.StaticTokenSource(tok), Base: s.base.Transport},
		Timeout:   s.opts.Timeout,
	}
}

func (s *Session) cachedToken(ctx context.Context) *oauth2.Token {
	if s.opts.Cache == nil {
		return nil
	}
	tok, err := s.opts.Cache.LoadToken(ctx)
	if err != nil {
		slog.Warn("reddit token cache read failed", slog.Any("err", err), slog.String("component", "reddit"))
		return nil
	}
	if !tok.Valid() {
		return nil
	}
	return tok
}

func (s *Session) clearCache(ctx context.Context) {
	if s.opts.Cache == nil {
		return
	}
	if err := s.opts.Cache.ClearToken(ctx); err != nil {
		slog.Warn("reddit token cache clear failed", slog.Any("err", err), slog.String("component", "reddit"))
	}
}

// mint requests a new app token and stores it in the cache.
func mint(ctx context.Context, creds Credentials, opts Options, hc *http.Client) (*oauth2.Token, error) {
	cc := &clientcredentials.Config{
		ClientID:     creds.ClientID,
		ClientSecret: creds.ClientSecret,
		TokenURL:     opts.TokenURL,
		AuthStyle:    oauth2.AuthStyleInHeader,
	}
	tok, err := cc.Token(context.WithValue(ctx, oauth2.HTTPClient, hc))
	if err != nil {
		var re *oauth2.RetrieveError
		if errors.As(err, &re) && re.Response != nil &&
			(re.Response.StatusCode == http.StatusUnauthorized || re.Response.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("%w: %s", ErrUnauthorized, re.Response.Status)
		}
		return nil, fmt.Errorf("reddit token request failed: %w", err)
	}
	if opts.Cache != nil {
		if err := opts.Cache.SaveToken(ctx, tok); err != nil {
			slog.Warn("reddit token cache write failed", slog.Any("err", err), slog.String("component", "reddit"))
		}
	}
	return tok, nil
}

// Close releases the session's connections. It is safe to call more than once.
func (s *Session) Close() error {
	if s == nil || s.transport == nil {
		return nil
	}
	s.transport.CloseIdleConnections()
	return nil
}

// getJSON issues GET {APIBase}{path}?q and decodes the body into out. A 401
// on a cached token mints a new one and retries once; only a freshly minted
// token being refused yields ErrUnauthorized.
func (s *Session) getJSON(ctx context.Context, path string, q url.Values, out any) error {
	if q == nil {
		q = url.Values{}
	}
	q.Set("raw_json", "1")
	target := s.opts.APIBase + path + "?" + q.Encode()

	resp, err := s.get(ctx, target)
	if err != nil {
		return err
	}
	if resp.StatusCode == http.StatusUnauthorized && s.cached {
		closeBody(resp)
		slog.Info("reddit rejected cached token, minting a new one", slog.String("component", "reddit"))
		s.clearCache(ctx)
		tok, err := mint(ctx, s.creds, s.opts, s.base)
		if err != nil {
			return err
		}
		s.use(tok, false)
		if resp, err = s.get(ctx, target); err != nil {
			return err
		}
	}
	defer closeBody(resp)

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		// the app was revoked or deleted
		s.clearCache(ctx)
		return fmt.Errorf("%w: %s", ErrUnauthorized, resp.Status)
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%w: %s", ErrThreadNotFound, resp.Status)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("reddit %s failed: %s: %s", path, resp.Status, strings.TrimSpace(string(b)))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (s *Session) get(ctx context.Context, target string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	return s.client.Do(req)
}

func closeBody(resp *http.Response) {
	if err := resp.Body.Close(); err != nil {
		slog.Warn("failed to close response body", slog.Any("err", err))
	}
}
