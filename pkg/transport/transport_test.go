package transport

import (
	"bytes"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zteeed/RootMe-Badge-Generator/pkg/logging"
)

func fastPolicy(attempts int) RetryPolicy {
	return RetryPolicy{
		MaxAttempts:     attempts,
		BackoffBase:     time.Millisecond,
		RetryableStatus: []int{http.StatusTooManyRequests},
	}
}

func TestGet_Outcomes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/ok":
			w.Write([]byte("hello"))
		case "/missing":
			http.NotFound(w, r)
		case "/private":
			w.WriteHeader(http.StatusUnauthorized)
		default:
			w.WriteHeader(http.StatusInternalServerError)
		}
	}))
	defer srv.Close()

	tr := New(Config{Retry: fastPolicy(3)})

	tests := []struct {
		name    string
		path    string
		body    string
		outcome Outcome
		code    int
	}{
		{"found", "/ok", "hello", Found, 0},
		{"not found is not an error", "/missing", "", NotFound, 0},
		{"unauthorized is an outcome", "/private", "", Unauthorized, 0},
		{"other status fails", "/boom", "", 0, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body, outcome, err := tr.Get(srv.URL+tt.path, nil)
			if tt.code != 0 {
				var statusErr *UnexpectedStatusError
				require.ErrorAs(t, err, &statusErr)
				assert.Equal(t, tt.code, statusErr.Code)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.outcome, outcome)
			assert.Equal(t, tt.body, string(body))
		})
	}
}

func TestGet_SendsSessionCookie(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := r.Cookie("spip_session")
		if err != nil || c.Value != "s3cr3t" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	tr := New(Config{Retry: fastPolicy(1)})

	_, outcome, err := tr.Get(srv.URL, nil)
	require.NoError(t, err)
	assert.Equal(t, Unauthorized, outcome)

	_, outcome, err = tr.Get(srv.URL, &http.Cookie{Name: "spip_session", Value: "s3cr3t"})
	require.NoError(t, err)
	assert.Equal(t, Found, outcome)
}

func TestGet_RetriesRateLimit(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Write([]byte("finally"))
	}))
	defer srv.Close()

	var access bytes.Buffer
	prev := logging.Access
	logging.Access = logging.NewAccessLoggerTo(&access)
	defer func() { logging.Access = prev }()

	tr := New(Config{Retry: fastPolicy(5)})
	body, outcome, err := tr.Get(srv.URL, nil)
	require.NoError(t, err)
	assert.Equal(t, Found, outcome)
	assert.Equal(t, "finally", string(body))
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
	assert.Contains(t, access.String(), "outcome=found")
	assert.Contains(t, access.String(), "attempts=3")
}

func TestGet_RetriesExhausted(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	tr := New(Config{Retry: fastPolicy(4)})
	_, _, err := tr.Get(srv.URL, nil)

	var exhausted *RetriesExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, 4, exhausted.Attempts)
	assert.Equal(t, int32(4), atomic.LoadInt32(&calls))

	var statusErr *UnexpectedStatusError
	assert.True(t, errors.As(err, &statusErr))
	assert.Equal(t, http.StatusTooManyRequests, statusErr.Code)
}

func TestPostForm(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil || r.Method != http.MethodPost || r.PostForm.Get("login") != "bot" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.Write([]byte(`[{"info":{"spip_session":"abc"}}]`))
	}))
	defer srv.Close()

	tr := New(Config{Retry: fastPolicy(2)})
	status, body, err := tr.PostForm(srv.URL, url.Values{"login": {"bot"}, "password": {"pw"}})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, status)
	assert.True(t, strings.Contains(string(body), "spip_session"))

	status, _, err = tr.PostForm(srv.URL, url.Values{"login": {"nobody"}})
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestRetryPolicy(t *testing.T) {
	p := RetryPolicy{BackoffBase: time.Second, RetryableStatus: []int{429, 503}}
	assert.Equal(t, time.Second, p.backoff(0))
	assert.Equal(t, 4*time.Second, p.backoff(2))
	assert.True(t, p.retryable(503))
	assert.False(t, p.retryable(500))
}

func TestOutcomeString(t *testing.T) {
	assert.Equal(t, "found", Found.String())
	assert.Equal(t, "not_found", NotFound.String())
	assert.Equal(t, "unauthorized", Unauthorized.String())
}
