package fusionsolar

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/fusionsolarplus/fusionsolarplus/pkg/log"
	"golang.org/x/net/html"
)

// loginPageService is sent already escaped, the portal expects it double
// encoded.
const loginPageService = "service=%2Funisess%2Fv1%2Fauth%3Fservice%3D%252Fnetecowebext%252Fhome%252Findex.html"

type pubKeyResponse struct {
	EnableEncrypt bool            `json:"enableEncrypt"`
	PubKey        string          `json:"pubKey"`
	Version       string          `json:"version"`
	TimeStamp     json.RawMessage `json:"timeStamp"`
}

type loginRequest struct {
	OrganizationName string `json:"organizationName"`
	Username         string `json:"username"`
	Password         string `json:"password"`
	VerifyCode       string `json:"verifycode,omitempty"`
}

type loginResponse struct {
	ErrorCode           json.RawMessage `json:"errorCode"`
	ErrorMsg            *string         `json:"errorMsg"`
	RespMultiRegionName []string        `json:"respMultiRegionName"`
}

type codeResponse struct {
	Code    *int   `json:"code"`
	Payload string `json:"payload"`
}

type companyResponse struct {
	Data *struct {
		MoDn string `json:"moDn"`
	} `json:"data"`
}

type exceptionResponse struct {
	ExceptionID string `json:"exceptionId"`
}

// rawString returns a JSON string or number as a plain string.
func rawString(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(bytes.TrimSpace(raw))
}

// Login logs in and sets up the session. Any previous session is discarded.
func (c *Client) Login(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.resetSession()
	return c.configureSession(ctx)
}

// configureSession logs in and reads the company and session tokens needed by
// the data endpoints. Must be called with c.mu held.
func (c *Client) configureSession(ctx context.Context) error {
	log.Ctx(ctx).DebugContext(ctx, "logging into fusionsolar", slog.String("subdomain", c.subdomain))

	if err := c.loginWithCaptcha(ctx); err != nil {
		return err
	}

	payload, err := c.keepAlive(ctx)
	if err != nil {
		return err
	}
	if payload == "" {
		return fmt.Errorf("%w: login failed, no payload received from keep-alive", ErrAPI)
	}

	params := url.Values{}
	params.Set("_", nowMillis())
	req, err := c.newGetRequest(ctx, c.subdomain, "/rest/neteco/web/organization/v2/company/current", params)
	if err != nil {
		return err
	}
	body, code, err := c.do(req)
	if code == http.StatusInternalServerError {
		var exc exceptionResponse
		if jerr := json.Unmarshal(body, &exc); jerr != nil {
			log.Ctx(ctx).ErrorContext(ctx, "login validation failed, failed to process response", slog.Any("error", jerr))
			return fmt.Errorf("%w: failed to log into fusionsolar", ErrAuthentication)
		}
		if exc.ExceptionID == "Query company failed." || exc.ExceptionID == "bad status" {
			return fmt.Errorf("%w: invalid response received, check the huawei subdomain", ErrAuthentication)
		}
	}
	if err != nil {
		return fmt.Errorf("failed to query current company: %w", err)
	}
	if !bytes.HasPrefix(bytes.TrimSpace(body), []byte(`{"data":`)) {
		return fmt.Errorf("%w: invalid response received, check the huawei subdomain", ErrAuthentication)
	}
	var company companyResponse
	if err := json.Unmarshal(body, &company); err != nil || company.Data == nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to retrieve company data object", slog.String("body", string(body)))
		return fmt.Errorf("%w: failed to log into fusionsolar", ErrAuthentication)
	}
	c.companyID = company.Data.MoDn

	// the csrf token is only handed out by the old login procedure
	req, err = c.newGetRequest(ctx, c.subdomain, "/unisess/v1/auth/session", nil)
	if err != nil {
		return err
	}
	body, _, err = c.do(req)
	if err != nil {
		return fmt.Errorf("failed to query session: %w", err)
	}
	var session struct {
		CSRFToken string `json:"csrfToken"`
	}
	if json.Unmarshal(body, &session) == nil && session.CSRFToken != "" {
		c.roarand = session.CSRFToken
	}

	log.Ctx(ctx).DebugContext(ctx, "logged into fusionsolar", slog.String("companyID", c.companyID))
	return nil
}

// loginWithCaptcha logs in and, if FusionSolar asks for a verification code,
// solves the captcha once and tries again.
func (c *Client) loginWithCaptcha(ctx context.Context) error {
	err := c.login(ctx, true)
	if !errors.Is(err, ErrCaptchaRequired) {
		return err
	}

	log.Ctx(ctx).InfoContext(ctx, "solving captcha and retrying login")
	c.verifyCode = ""
	present, err := c.checkCaptcha(ctx)
	if err != nil {
		return err
	}
	if !present {
		return fmt.Errorf("%w: captcha required but captcha not found", ErrAuthentication)
	}
	if c.verifyCode == "" {
		return fmt.Errorf("%w: no verify code found", ErrAuthentication)
	}
	return c.login(ctx, false)
}

func (c *Client) login(ctx context.Context, allowCaptcha bool) error {
	req, err := c.newGetRequest(ctx, "eu5", "/unisso/pubkey", nil)
	if err != nil {
		return err
	}
	var key pubKeyResponse
	if err := c.doJSON(req, &key); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to retrieve public key", slog.Any("error", err))
		return fmt.Errorf("%w: failed to retrieve public key: %v", ErrAPI, err)
	}

	path := "/unisso/v2/validateUser.action"
	params := url.Values{}
	password := c.password
	if key.EnableEncrypt {
		path = "/unisso/v3/validateUser.action"
		nonce, err := secureRandom()
		if err != nil {
			return err
		}
		params.Set("timeStamp", rawString(key.TimeStamp))
		params.Set("nonce", nonce)
		password, err = encryptPassword(key.PubKey, key.Version, password)
		if err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to encrypt password", slog.Any("error", err))
			return fmt.Errorf("failed to encrypt password: %w", err)
		}
	} else {
		params.Set("decision", "1")
		params.Set("service", c.urlFor(c.subdomain)+"/unisess/v1/auth?service=/netecowebext/home/index.html#/LOGIN")
	}

	lr := loginRequest{
		Username: c.username,
		Password: password,
	}
	if c.verifyCode != "" {
		lr.VerifyCode = c.verifyCode
		// a verify code is only good for a single attempt
		c.verifyCode = ""
	}

	req, err = c.newPostJSONRequest(ctx, c.loginSubdomain, path, params, lr)
	if err != nil {
		return err
	}
	var resp loginResponse
	if err := c.doJSON(req, &resp); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "retrieved invalid login response", slog.Any("error", err))
		return fmt.Errorf("%w: failed to process login response: %v", ErrAPI, err)
	}

	// 470 is a success in the newer procedure but needs another request to
	// start the session
	if rawString(resp.ErrorCode) == "470" {
		if len(resp.RespMultiRegionName) < 2 {
			return fmt.Errorf("%w: login response missing region redirect", ErrAPI)
		}
		u, err := url.Parse(c.urlFor(c.loginSubdomain) + resp.RespMultiRegionName[1])
		if err != nil {
			return fmt.Errorf("invalid region redirect: %w", err)
		}
		req, err := http.NewRequestWithContext(ctx, "GET", u.String(), nil)
		if err != nil {
			return err
		}
		if _, _, err := c.do(req); err != nil {
			return fmt.Errorf("failed to follow region redirect: %w", err)
		}
	}

	if resp.ErrorMsg == nil || *resp.ErrorMsg == "" {
		return nil
	}
	msg := *resp.ErrorMsg
	if allowCaptcha && c.solver != nil && strings.Contains(strings.ToLower(msg), "incorrect verification code") {
		return fmt.Errorf("%w: incorrect verification code", ErrCaptchaRequired)
	}
	return fmt.Errorf("%w: %s", ErrAuthentication, msg)
}

// checkCaptcha returns true if the login page shows a captcha. When it does
// the captcha is solved and the answer is stored for the next login.
func (c *Client) checkCaptcha(ctx context.Context) (bool, error) {
	log.Ctx(ctx).DebugContext(ctx, "checking if captcha is required")

	u, err := c.endpoint(c.loginSubdomain, "/")
	if err != nil {
		return false, err
	}
	u.RawQuery = loginPageService
	req, err := http.NewRequestWithContext(ctx, "GET", u.String(), nil)
	if err != nil {
		return false, err
	}
	body, _, err := c.do(req)
	if err != nil {
		return false, fmt.Errorf("failed to load login page: %w", err)
	}
	present, err := hasElementID(body, "verificationCodeInput")
	if err != nil {
		return false, fmt.Errorf("failed to parse login page: %w", err)
	}
	if !present {
		return false, nil
	}

	image, err := c.getCaptcha(ctx)
	if err != nil {
		return false, err
	}
	if c.solver == nil {
		return false, fmt.Errorf("%w: captcha required but no captcha solver configured", ErrAuthentication)
	}
	answer, err := c.solver.Solve(ctx, image)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to solve captcha", slog.Any("error", err))
		return false, fmt.Errorf("%w: failed to solve captcha: %v", ErrAuthentication, err)
	}
	c.verifyCode = answer

	form := url.Values{}
	form.Set("verifycode", answer)
	form.Set("index", "0")
	req, err = c.newPostFormRequest(ctx, c.loginSubdomain, "/unisso/preValidVerifycode", form)
	if err != nil {
		return false, err
	}
	body, _, err = c.do(req)
	if err != nil {
		return false, fmt.Errorf("failed to validate captcha: %w", err)
	}
	if string(body) != "success" {
		return false, fmt.Errorf("%w: captcha prevalidverify fail", ErrAuthentication)
	}
	return true, nil
}

func (c *Client) getCaptcha(ctx context.Context) ([]byte, error) {
	params := url.Values{}
	params.Set("timestamp", nowMillis())
	req, err := c.newGetRequest(ctx, c.loginSubdomain, "/unisso/verifycode", params)
	if err != nil {
		return nil, err
	}
	body, _, err := c.do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to download captcha: %w", err)
	}
	return body, nil
}

// hasElementID returns true if the html document has an element with the id.
func hasElementID(doc []byte, id string) (bool, error) {
	root, err := html.Parse(bytes.NewReader(doc))
	if err != nil {
		return false, err
	}
	var walk func(n *html.Node) bool
	walk = func(n *html.Node) bool {
		if n.Type == html.ElementNode {
			for _, a := range n.Attr {
				if a.Key == "id" && a.Val == id {
					return true
				}
			}
		}
		for child := n.FirstChild; child != nil; child = child.NextSibling {
			if walk(child) {
				return true
			}
		}
		return false
	}
	return walk(root), nil
}

// IsSessionActive asks FusionSolar whether the current session is still
// logged in.
func (c *Client) IsSessionActive(ctx context.Context) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.isSessionActive(ctx)
}

func (c *Client) isSessionActive(ctx context.Context) (bool, error) {
	req, err := c.newGetRequest(ctx, c.subdomain, "/rest/dpcloud/auth/v1/is-session-alive", nil)
	if err != nil {
		return false, err
	}
	var resp codeResponse
	if err := c.doJSON(req, &resp); err != nil {
		return false, err
	}
	return resp.Code != nil && *resp.Code == 0, nil
}

// KeepAlive refreshes the session and returns the payload, which is also used
// as the roarand header from now on.
func (c *Client) KeepAlive(ctx context.Context) (string, error) {
	var payload string
	err := c.withSession(ctx, func() error {
		var err error
		payload, err = c.keepAlive(ctx)
		return err
	})
	return payload, err
}

func (c *Client) keepAlive(ctx context.Context) (string, error) {
	req, err := c.newGetRequest(ctx, c.subdomain, "/rest/dpcloud/auth/v1/keep-alive", nil)
	if err != nil {
		return "", err
	}
	var resp codeResponse
	if err := c.doJSON(req, &resp); err != nil {
		return "", err
	}
	if resp.Code == nil || *resp.Code != 0 {
		return "", fmt.Errorf("%w: failed to set keep alive", ErrAPI)
	}
	if resp.Payload != "" {
		c.roarand = resp.Payload
	}
	return resp.Payload, nil
}

// Logout ends the session.
func (c *Client) Logout(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	params := url.Values{}
	params.Set("service", c.urlFor(c.subdomain))
	req, err := c.newGetRequest(ctx, c.subdomain, "/unisess/v1/logout", params)
	if err != nil {
		return err
	}
	if _, _, err := c.do(req); err != nil {
		return fmt.Errorf("failed to log out: %w", err)
	}
	return nil
}
