package notification

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	gmail "google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/mikeyg42/lockguard/internal/crypto"
)

const (
	defaultCallbackPath = "/oauth2/callback"
	defaultRedirectURL  = "http://127.0.0.1:8787" + defaultCallbackPath
	authorizeTimeout    = 5 * time.Minute
	tokenFilePerms      = 0o600
)

// GmailConfig configures the Gmail API transport. The OAuth client must be a
// "Desktop app" client with the gmail.send scope enabled.
type GmailConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
	TokenPath    string
	// MasterKey seals the token file at rest. Empty stores plain JSON.
	MasterKey  string
	From       string
	FromName   string
	SystemName string
}

func (c GmailConfig) oauth() *oauth2.Config {
	redirect := c.RedirectURL
	if redirect == "" {
		redirect = defaultRedirectURL
	}
	return &oauth2.Config{
		ClientID:     c.ClientID,
		ClientSecret: c.ClientSecret,
		Endpoint:     google.Endpoint,
		RedirectURL:  redirect,
		Scopes:       []string{gmail.GmailSendScope},
	}
}

type GmailDispatcher struct {
	cfg GmailConfig
	svc *gmail.Service
	log *zap.Logger
}

// NewGmailDispatcher loads the stored token. Run Authorize once beforehand
// to create it.
func NewGmailDispatcher(ctx context.Context, cfg GmailConfig, logger *zap.Logger) (*GmailDispatcher, error) {
	if cfg.ClientID == "" || cfg.ClientSecret == "" {
		return nil, errors.New("gmail client id and secret are required")
	}
	if cfg.TokenPath == "" {
		return nil, errors.New("gmail token path is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	store := &tokenStore{path: cfg.TokenPath, key: cfg.MasterKey}
	tok, err := store.load()
	if err != nil {
		return nil, fmt.Errorf("load gmail token (run the authorize step first): %w", err)
	}
	ts := &persistingSource{
		base:  cfg.oauth().TokenSource(context.WithoutCancel(ctx), tok),
		store: store,
		last:  tok.AccessToken,
		log:   logger,
	}
	svc, err := gmail.NewService(ctx, option.WithTokenSource(ts))
	if err != nil {
		return nil, fmt.Errorf("init gmail service: %w", err)
	}
	return &GmailDispatcher{cfg: cfg, svc: svc, log: logger}, nil
}

func (d *GmailDispatcher) Send(ctx context.Context, a Alert) error {
	from := d.cfg.From
	if from == "" {
		from = "me"
	}
	msg, err := BuildMessage(Envelope{
		From:       from,
		FromName:   d.cfg.FromName,
		Date:       time.Now(),
		SystemName: d.cfg.SystemName,
		Alert:      a,
	})
	if err != nil {
		return dispatchErr(KindOther, "build message", err)
	}
	raw := base64.RawURLEncoding.EncodeToString(msg)
	if _, err := d.svc.Users.Messages.Send("me", &gmail.Message{Raw: raw}).Context(ctx).Do(); err != nil {
		return dispatchErr(classifyGmail(ctx, err), "gmail send", err)
	}
	d.log.Info("alert sent",
		zap.String("transport", "gmail"),
		zap.String("alert_id", a.ID),
		zap.Int("bytes", len(msg)))
	return nil
}

func classifyGmail(ctx context.Context, err error) ErrorKind {
	if ctx.Err() != nil {
		return KindConnection
	}
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		if apiErr.Code == http.StatusUnauthorized || apiErr.Code == http.StatusForbidden {
			return KindAuth
		}
		return KindOther
	}
	var rErr *oauth2.RetrieveError
	if errors.As(err, &rErr) {
		return KindAuth
	}
	var netErr net.Error
	var urlErr *url.Error
	if errors.As(err, &netErr) || errors.As(err, &urlErr) {
		return KindConnection
	}
	return KindOther
}

// tokenStore keeps the OAuth token on disk, sealed when a key is configured.
type tokenStore struct {
	path string
	key  string
}

func (s *tokenStore) load() (*oauth2.Token, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, err
	}
	if s.key != "" {
		if data, err = crypto.Open(data, s.key); err != nil {
			return nil, fmt.Errorf("open sealed token: %w", err)
		}
	}
	var tok oauth2.Token
	if err := json.Unmarshal(data, &tok); err != nil {
		return nil, fmt.Errorf("parse token: %w", err)
	}
	if tok.AccessToken == "" && tok.RefreshToken == "" {
		return nil, errors.New("token has neither access nor refresh token")
	}
	return &tok, nil
}

func (s *tokenStore) save(tok *oauth2.Token) error {
	data, err := json.Marshal(tok)
	if err != nil {
		return err
	}
	if s.key != "" {
		if data, err = crypto.Seal(data, s.key); err != nil {
			return fmt.Errorf("seal token: %w", err)
		}
	}
	if dir := filepath.Dir(s.path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return err
		}
	}
	return os.WriteFile(s.path, data, tokenFilePerms)
}

// persistingSource writes refreshed tokens back to the store.
type persistingSource struct {
	base  oauth2.TokenSource
	store *tokenStore
	log   *zap.Logger

	mu   sync.Mutex
	last string
}

func (p *persistingSource) Token() (*oauth2.Token, error) {
	tok, err := p.base.Token()
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if tok.AccessToken != p.last {
		p.last = tok.AccessToken
		if err := p.store.save(tok); err != nil {
			p.log.Warn("persist refreshed gmail token", zap.Error(err))
		}
	}
	return tok, nil
}

// callbackHandler receives the OAuth redirect. Only the first outcome is
// kept; later requests never block on the channels.
func callbackHandler(path, state string, codeCh chan<- string, errCh chan<- error) http.HandlerFunc {
	fail := func(err error) {
		select {
		case errCh <- err:
		default:
		}
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != path {
			http.NotFound(w, r)
			return
		}
		if r.FormValue("state") != state {
			http.Error(w, "invalid state", http.StatusBadRequest)
			fail(errors.New("oauth state mismatch"))
			return
		}
		if msg := r.FormValue("error"); msg != "" {
			http.Error(w, "authorization failed: "+msg, http.StatusBadRequest)
			fail(fmt.Errorf("oauth provider error: %s", msg))
			return
		}
		code := r.FormValue("code")
		if code == "" {
			http.Error(w, "missing code", http.StatusBadRequest)
			fail(errors.New("missing oauth authorization code"))
			return
		}
		fmt.Fprint(w, "<html><body><h1>Authorization complete</h1><p>You can close this window.</p></body></html>")
		select {
		case codeCh <- code:
		default:
		}
	}
}

// Authorize runs the installed-app OAuth flow on a loopback listener and
// stores the resulting token. Instructions are written to out.
func Authorize(ctx context.Context, cfg GmailConfig, out io.Writer) error {
	oc := cfg.oauth()
	redirect, err := url.Parse(oc.RedirectURL)
	if err != nil {
		return fmt.Errorf("invalid redirect url: %w", err)
	}

	ln, err := net.Listen("tcp", redirect.Host)
	if err != nil {
		ln, err = net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			return fmt.Errorf("bind oauth callback listener: %w", err)
		}
		redirect.Host = ln.Addr().String()
		oc.RedirectURL = redirect.String()
	}
	defer ln.Close()

	state, err := randomState()
	if err != nil {
		return err
	}

	codeCh := make(chan string, 1)
	errCh := make(chan error, 1)
	srv := &http.Server{
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		Handler:      callbackHandler(redirect.Path, state, codeCh, errCh),
	}
	go srv.Serve(ln)
	defer srv.Close()

	authURL := oc.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.ApprovalForce)
	fmt.Fprintf(out, "Open this URL to authorize Gmail sending:\n\n%s\n\nWaiting for authorization...\n", authURL)

	wait, cancel := context.WithTimeout(ctx, authorizeTimeout)
	defer cancel()

	var code string
	select {
	case <-wait.Done():
		return fmt.Errorf("waiting for authorization: %w", wait.Err())
	case err := <-errCh:
		return err
	case code = <-codeCh:
	}

	tok, err := oc.Exchange(ctx, code)
	if err != nil {
		return fmt.Errorf("token exchange: %w", err)
	}
	store := &tokenStore{path: cfg.TokenPath, key: cfg.MasterKey}
	if err := store.save(tok); err != nil {
		return fmt.Errorf("store token: %w", err)
	}
	fmt.Fprintf(out, "Token saved to %s\n", cfg.TokenPath)
	return nil
}

func randomState() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate oauth state: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
