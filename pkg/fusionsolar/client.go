package fusionsolar

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fusionsolarplus/fusionsolarplus/pkg/captcha"
	"github.com/fusionsolarplus/fusionsolarplus/pkg/common"
	"github.com/fusionsolarplus/fusionsolarplus/pkg/log"
	"golang.org/x/net/publicsuffix"
)

var (
	// ErrAuthentication is returned when FusionSolar rejects the credentials,
	// the subdomain is wrong or the captcha could not be answered.
	ErrAuthentication = errors.New("fusionsolar authentication failed")

	// ErrCaptchaRequired is returned by a login attempt that has to be retried
	// with a captcha answer.
	ErrCaptchaRequired = errors.New("fusionsolar captcha required")

	// ErrAPI is returned when an endpoint answers without the expected data.
	ErrAPI = errors.New("fusionsolar api error")

	// errInvalidResponse marks a body that could not be decoded, usually the
	// login page served in place of JSON.
	errInvalidResponse = errors.New("invalid response")
)

// DefaultSubdomain is the region subdomain used when none is configured.
const DefaultSubdomain = "region01eu5"

// Config holds everything needed to log into FusionSolar.
type Config struct {
	Username string
	Password string
	// Subdomain is the first part of the portal host, e.g. uni001eu5.
	Subdomain string
	// Solver answers login captchas. It is optional.
	Solver captcha.Solver
	// Timeout is the per-request timeout. Defaults to a minute.
	Timeout time.Duration
}

// Client talks to the FusionSolar web API using the same session based
// endpoints as the web portal.
type Client struct {
	mu sync.Mutex

	client         *http.Client
	urlFor         func(subdomain string) string
	username       string
	password       string
	subdomain      string
	loginSubdomain string
	solver         captcha.Solver

	roarand    string
	companyID  string
	verifyCode string
}

// New returns a client that is not logged in yet. Call Login before using it.
func New(cfg Config) *Client {
	if cfg.Subdomain == "" {
		cfg.Subdomain = DefaultSubdomain
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = time.Minute
	}
	c := &Client{
		client:         common.HTTPClient(cfg.Timeout, newJar()),
		urlFor:         hostURL,
		username:       cfg.Username,
		password:       cfg.Password,
		subdomain:      cfg.Subdomain,
		loginSubdomain: loginSubdomain(cfg.Subdomain),
		solver:         cfg.Solver,
	}
	return c
}

func hostURL(subdomain string) string {
	return "https://" + subdomain + ".fusionsolar.huawei.com"
}

func newJar() http.CookieJar {
	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		// cookiejar.New never returns an error
		panic(err)
	}
	return jar
}

// loginSubdomain returns the subdomain of the single sign-on host for the
// portal subdomain. region01eu5 and uni001eu5 both log in through eu5.
func loginSubdomain(subdomain string) string {
	switch {
	case strings.HasPrefix(subdomain, "region") && len(subdomain) > 8:
		return subdomain[8:]
	case strings.HasPrefix(subdomain, "uni") && len(subdomain) > 6:
		return subdomain[6:]
	default:
		return subdomain
	}
}

// resetSession drops all cookies and session headers. Must be called with
// c.mu held.
func (c *Client) resetSession() {
	c.client.Jar = newJar()
	c.roarand = ""
	c.companyID = ""
}

func nowMillis() string {
	return strconv.FormatInt(time.Now().UnixMilli(), 10)
}

func (c *Client) endpoint(subdomain, path string) (*url.URL, error) {
	u, err := url.Parse(c.urlFor(subdomain))
	if err != nil {
		return nil, err
	}
	u.Path, err = url.JoinPath(u.Path, path)
	if err != nil {
		return nil, err
	}
	return u, nil
}

func (c *Client) newGetRequest(ctx context.Context, subdomain, path string, params url.Values) (*http.Request, error) {
	u, err := c.endpoint(subdomain, path)
	if err != nil {
		return nil, err
	}
	u.RawQuery = params.Encode()
	return http.NewRequestWithContext(ctx, "GET", u.String(), nil)
}

func (c *Client) newPostJSONRequest(ctx context.Context, subdomain, path string, params url.Values, data any) (*http.Request, error) {
	u, err := c.endpoint(subdomain, path)
	if err != nil {
		return nil, err
	}
	u.RawQuery = params.Encode()

	body, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, "POST", u.String(), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}

func (c *Client) newPostFormRequest(ctx context.Context, subdomain, path string, data url.Values) (*http.Request, error) {
	u, err := c.endpoint(subdomain, path)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, "POST", u.String(), strings.NewReader(data.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return req, nil
}

// statusError is returned for any non-2xx response.
type statusError struct {
	code int
	url  string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("status %d from %s", e.code, e.url)
}

// do sends the request and returns the body. Responses outside of 2xx are
// returned as a *statusError along with the body.
func (c *Client) do(req *http.Request) ([]byte, int, error) {
	if c.roarand != "" {
		req.Header.Set("roarand", c.roarand)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return body, resp.StatusCode, &statusError{code: resp.StatusCode, url: req.URL.Path}
	}
	return body, resp.StatusCode, nil
}

// doJSON sends the request and decodes the JSON body into dest. A body that
// isn't JSON usually means the session expired and we were sent to the login
// page.
func (c *Client) doJSON(req *http.Request, dest any) error {
	body, _, err := c.do(req)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, dest); err != nil {
		log.Ctx(req.Context()).ErrorContext(req.Context(), "received invalid fusionsolar response", slog.String("path", req.URL.Path), slog.Any("error", err))
		return fmt.Errorf("%w from %s: %v", errInvalidResponse, req.URL.Path, err)
	}
	return nil
}

// envelope is the common wrapper around most data responses.
type envelope struct {
	Success *bool           `json:"success"`
	Data    json.RawMessage `json:"data"`
}

// unwrap checks the envelope and decodes its data into dest.
func (e envelope) unwrap(what string, dest any) error {
	if e.Success != nil && !*e.Success {
		return fmt.Errorf("%w: failed to retrieve %s", ErrAPI, what)
	}
	if e.empty() {
		return fmt.Errorf("%w: failed to retrieve %s: missing data", ErrAPI, what)
	}
	return e.decode(what, dest)
}

// unwrapOptional is like unwrap but a successful envelope without data, or
// with null data, leaves dest untouched.
func (e envelope) unwrapOptional(what string, dest any) error {
	if e.Success != nil && !*e.Success {
		return fmt.Errorf("%w: failed to retrieve %s", ErrAPI, what)
	}
	if e.empty() {
		return nil
	}
	return e.decode(what, dest)
}

func (e envelope) empty() bool {
	return len(e.Data) == 0 || string(e.Data) == "null"
}

func (e envelope) decode(what string, dest any) error {
	if err := json.Unmarshal(e.Data, dest); err != nil {
		return fmt.Errorf("%w: failed to decode %s: %v", ErrAPI, what, err)
	}
	return nil
}

// withSession makes sure the session is alive before calling fn. Dead
// sessions are thrown away and a fresh login is done.
func (c *Client) withSession(ctx context.Context, fn func() error) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	active, err := c.isSessionActive(ctx)
	if err != nil {
		log.Ctx(ctx).DebugContext(ctx, "failed to check fusionsolar session", slog.Any("error", err))
	}
	if !active {
		log.Ctx(ctx).DebugContext(ctx, "no active fusionsolar session, resetting session and logging in")
		c.resetSession()
		if err := c.configureSession(ctx); err != nil {
			return err
		}
	}

	err = fn()
	if errors.Is(err, errInvalidResponse) {
		log.Ctx(ctx).ErrorContext(ctx, "fusionsolar login apparently failed, received invalid response")
		return fmt.Errorf("%w: failed to reset session and login again: %v", ErrAPI, err)
	}
	return err
}
