// Package captcha defines the hook used to answer the FusionSolar login
// captcha. Solving is delegated to an external service.
package captcha

import (
	"bytes"
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

	"github.com/fusionsolarplus/fusionsolarplus/pkg/log"
	"github.com/levenlabs/go-lflag"
)

// Solver turns a captcha image into its text.
type Solver interface {
	Solve(ctx context.Context, image []byte) (string, error)
}

// HTTPSolver posts the captcha image to an external solving service and uses
// the response as the answer. The service may reply with plain text or with
// a JSON object containing a "prediction" field.
type HTTPSolver struct {
	url    string
	client *http.Client
}

// NewHTTPSolver returns a solver that posts images to u.
func NewHTTPSolver(u string, client *http.Client) *HTTPSolver {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPSolver{url: u, client: client}
}

// Configured registers the captcha-solver-url flag. When the flag is empty
// the returned solver is not Enabled.
func Configured() *HTTPSolver {
	solverURL := lflag.String("captcha-solver-url", "", "URL of an external captcha solving service (optional)")

	s := NewHTTPSolver("", nil)
	lflag.Do(func() {
		if *solverURL == "" {
			return
		}
		if _, err := url.Parse(*solverURL); err != nil {
			panic(fmt.Sprintf("invalid captcha-solver-url (%s): %v", *solverURL, err))
		}
		s.url = *solverURL
	})
	return s
}

// Enabled returns true if a solving service is configured.
func (s *HTTPSolver) Enabled() bool {
	return s != nil && s.url != ""
}

type solverResponse struct {
	Prediction string `json:"prediction"`
}

// Solve implements Solver.
func (s *HTTPSolver) Solve(ctx context.Context, image []byte) (string, error) {
	if !s.Enabled() {
		return "", errors.New("no captcha solver configured")
	}
	if len(image) == 0 {
		return "", errors.New("empty captcha image")
	}
	req, err := http.NewRequestWithContext(ctx, "POST", s.url, bytes.NewReader(image))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "image/png")

	resp, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("captcha solver request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("captcha solver status %d", resp.StatusCode)
	}

	var answer string
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		var sr solverResponse
		if err := json.Unmarshal(body, &sr); err != nil {
			return "", fmt.Errorf("failed to decode captcha solver response: %w", err)
		}
		answer = sr.Prediction
	} else {
		answer = string(body)
	}
	answer = strings.TrimSpace(answer)
	if answer == "" {
		return "", errors.New("captcha solver returned an empty answer")
	}
	log.Ctx(ctx).DebugContext(ctx, "captcha solved", slog.Int("length", len(answer)))
	return answer, nil
}
