// Package upstream talks to the Root-Me API and website: it owns the
// authenticated session, estimates the aggregate counters the API does not
// expose, resolves usernames and scrapes the profile fields missing from the
// JSON records.
package upstream

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"

	golog "github.com/fclairamb/go-log"
	"golang.org/x/sync/singleflight"

	"github.com/zteeed/RootMe-Badge-Generator/pkg/logging"
	"github.com/zteeed/RootMe-Badge-Generator/pkg/metrics"
	"github.com/zteeed/RootMe-Badge-Generator/pkg/transport"
)

const sessionCookie = "spip_session"

// DefaultLocales are the site languages searched when resolving a username
var DefaultLocales = []string{"fr", "en", "de", "es", "ru", "zh"}

// Config configures a Client
type Config struct {
	APIURL     string // REST endpoint family
	SiteURL    string // HTML pages, defaults to APIURL
	Credential Credential
	Locales    []string
	Estimator  EstimatorConfig
	Logger     golog.Logger
	Metrics    *metrics.Metrics
}

// Client is the session-holding upstream client. It is safe for concurrent
// use by request handlers and the counter refresh task.
type Client struct {
	apiURL  string
	siteURL *url.URL
	cred    Credential
	locales []string
	est     EstimatorConfig
	doer    Doer
	log     golog.Logger
	metrics *metrics.Metrics

	mu         sync.Mutex
	session    *http.Cookie
	generation uint64
	logins     singleflight.Group
}

// New creates an unauthenticated client. Call Authenticate before serving
// requests.
func New(cfg Config, doer Doer) (*Client, error) {
	if doer == nil {
		return nil, fmt.Errorf("doer is required")
	}
	if cfg.APIURL == "" {
		return nil, fmt.Errorf("api url is required")
	}
	if cfg.SiteURL == "" {
		cfg.SiteURL = cfg.APIURL
	}
	site, err := url.Parse(strings.TrimRight(cfg.SiteURL, "/") + "/")
	if err != nil {
		return nil, fmt.Errorf("parsing site url: %w", err)
	}
	if len(cfg.Locales) == 0 {
		cfg.Locales = DefaultLocales
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.App
	}
	cfg.Estimator.defaults()

	return &Client{
		apiURL:  strings.TrimRight(cfg.APIURL, "/"),
		siteURL: site,
		cred:    cfg.Credential,
		locales: cfg.Locales,
		est:     cfg.Estimator,
		doer:    doer,
		log:     cfg.Logger,
		metrics: cfg.Metrics,
	}, nil
}

// SiteURL returns the base URL of the HTML site, with a trailing slash
func (c *Client) SiteURL() string {
	return c.siteURL.String()
}

// Authenticate logs in with the service credential and installs the session
// cookie. A non-200 answer is an *AuthenticationError.
func (c *Client) Authenticate() error {
	form := url.Values{
		"login":    {c.cred.Login},
		"password": {c.cred.Password},
	}
	status, body, err := c.doer.PostForm(c.apiURL+"/login", form)
	if err != nil {
		c.metrics.Login("error")
		logging.Access.LogAuth(c.cred.Login, "error")
		return &AuthenticationError{Err: err}
	}
	if status != http.StatusOK {
		c.metrics.Login("refused")
		logging.Access.LogAuth(c.cred.Login, "refused", "http_status", status)
		return &AuthenticationError{Status: status}
	}

	token, err := parseSessionToken(body)
	if err != nil {
		c.metrics.Login("error")
		return &AuthenticationError{Status: status, Err: err}
	}

	host := ""
	if u, err := url.Parse(c.apiURL); err == nil {
		host = u.Hostname()
	}

	c.mu.Lock()
	c.session = &http.Cookie{Name: sessionCookie, Value: token, Domain: host, Path: "/"}
	c.generation++
	gen := c.generation
	c.mu.Unlock()

	c.metrics.Login("ok")
	logging.Access.LogAuth(c.cred.Login, "success")
	c.log.Debug("Upstream session established", "generation", gen)
	return nil
}

// parseSessionToken extracts info.spip_session from the login response,
// which is either a one-element array or a bare object.
func parseSessionToken(body []byte) (string, error) {
	type envelope struct {
		Info map[string]json.RawMessage `json:"info"`
	}

	var list []envelope
	var env envelope
	if err := json.Unmarshal(body, &list); err == nil && len(list) > 0 {
		env = list[0]
	} else if err := json.Unmarshal(body, &env); err != nil {
		return "", fmt.Errorf("decoding login response: %w", err)
	}

	raw, ok := env.Info[sessionCookie]
	if !ok {
		return "", fmt.Errorf("login response has no %s", sessionCookie)
	}
	var token string
	if err := json.Unmarshal(raw, &token); err != nil {
		token = strings.TrimSpace(string(raw))
	}
	if token == "" || token == "null" {
		return "", fmt.Errorf("login response has an empty %s", sessionCookie)
	}
	return token, nil
}

func (c *Client) currentSession() (*http.Cookie, uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session, c.generation
}

// cookieFor returns the session cookie when rawURL targets the host the
// session was issued for.
func (c *Client) cookieFor(rawURL string, session *http.Cookie) *http.Cookie {
	if session == nil {
		return nil
	}
	u, err := url.Parse(rawURL)
	if err != nil || session.Domain == "" || u.Hostname() == session.Domain {
		return session
	}
	return nil
}

// reauthenticate logs in again unless another caller already replaced the
// session observed as generation seen. Concurrent callers share one login.
func (c *Client) reauthenticate(seen uint64) error {
	_, err, _ := c.logins.Do("login", func() (interface{}, error) {
		if _, gen := c.currentSession(); gen != seen {
			return nil, nil
		}
		return nil, c.Authenticate()
	})
	return err
}

// get fetches rawURL with the session. An Unauthorized outcome triggers one
// re-authentication and one retry; a second Unauthorized is fatal.
func (c *Client) get(rawURL string) ([]byte, transport.Outcome, error) {
	for attempt := 0; ; attempt++ {
		session, gen := c.currentSession()
		body, outcome, err := c.doer.Get(rawURL, c.cookieFor(rawURL, session))
		if err != nil {
			return nil, 0, err
		}
		if outcome != transport.Unauthorized {
			return body, outcome, nil
		}
		if attempt > 0 {
			return nil, 0, &AuthenticationError{Status: http.StatusUnauthorized, Err: ErrSessionRejected}
		}

		c.log.Info("Upstream session expired, re-authenticating", "url", rawURL)
		if err := c.reauthenticate(gen); err != nil {
			return nil, 0, err
		}
	}
}

// Profile fetches the record of a user. found is false when the API has no
// record, which happens for users without any score.
func (c *Client) Profile(id Identity) (profile RawProfile, found bool, err error) {
	body, outcome, err := c.get(fmt.Sprintf("%s/auteurs/%d", c.apiURL, id.ID))
	if err != nil {
		return RawProfile{}, false, fmt.Errorf("fetching user %d: %w", id.ID, err)
	}
	if outcome == transport.NotFound {
		return RawProfile{}, false, nil
	}

	if err := json.Unmarshal(body, &profile); err != nil {
		// Some API versions wrap the record in a one-element array
		var list []RawProfile
		if lerr := json.Unmarshal(body, &list); lerr != nil || len(list) == 0 {
			return RawProfile{}, false, fmt.Errorf("decoding user %d: %w", id.ID, err)
		}
		profile = list[0]
	}
	profile.Name = CleanText(profile.Name)
	return profile, true, nil
}

// Download fetches an arbitrary upstream resource such as an avatar
func (c *Client) Download(rawURL string) ([]byte, error) {
	body, outcome, err := c.get(rawURL)
	if err != nil {
		return nil, fmt.Errorf("downloading %s: %w", rawURL, err)
	}
	if outcome == transport.NotFound {
		return nil, fmt.Errorf("%w: %s", ErrAvatarNotFound, rawURL)
	}
	return body, nil
}
