package captcha

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPSolver(t *testing.T) {
	t.Run("plain text", func(t *testing.T) {
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "POST", r.Method)
			assert.Equal(t, "image/png", r.Header.Get("Content-Type"))
			body, _ := io.ReadAll(r.Body)
			assert.Equal(t, []byte("png-bytes"), body)
			w.Write([]byte("  ab12c\n"))
		}))
		defer ts.Close()

		answer, err := NewHTTPSolver(ts.URL, ts.Client()).Solve(context.Background(), []byte("png-bytes"))
		require.NoError(t, err)
		assert.Equal(t, "ab12c", answer)
	})

	t.Run("json", func(t *testing.T) {
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(map[string]string{"prediction": "xyz9"})
		}))
		defer ts.Close()

		answer, err := NewHTTPSolver(ts.URL, ts.Client()).Solve(context.Background(), []byte("png"))
		require.NoError(t, err)
		assert.Equal(t, "xyz9", answer)
	})

	t.Run("errors", func(t *testing.T) {
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/empty" {
				return
			}
			http.Error(w, "nope", http.StatusBadGateway)
		}))
		defer ts.Close()

		_, err := NewHTTPSolver(ts.URL, ts.Client()).Solve(context.Background(), []byte("png"))
		assert.ErrorContains(t, err, "status 502")

		_, err = NewHTTPSolver(ts.URL+"/empty", ts.Client()).Solve(context.Background(), []byte("png"))
		assert.ErrorContains(t, err, "empty answer")

		_, err = NewHTTPSolver(ts.URL, ts.Client()).Solve(context.Background(), nil)
		assert.ErrorContains(t, err, "empty captcha image")

		s := NewHTTPSolver("", nil)
		assert.False(t, s.Enabled())
		_, err = s.Solve(context.Background(), []byte("png"))
		assert.ErrorContains(t, err, "no captcha solver configured")
	})
}
