package asynccaller

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func newTestClient(t *testing.T, srv *httptest.Server, opts ...Option) *Client {
	t.Helper()
	c := newTestCaller(t, append([]Option{WithRetry(fastRetry(3))}, opts...)...)
	return NewClient(c, WithBaseURL(srv.URL), WithTimeout(5*time.Second))
}

func TestClientGet(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	resp, err := newTestClient(t, srv).Get(context.Background(), "/test")
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, `{"ok":true}`, string(resp.Body))
}

func TestClientRetryOn429(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) <= 2 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(429)
			w.Write([]byte("rate limited"))
			return
		}
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	resp, err := newTestClient(t, srv).Get(context.Background(), "/")
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, "ok", string(resp.Body))
	assert.Equal(t, int32(3), attempts.Load())
}

func TestClientRetryOn503(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) == 1 {
			w.WriteHeader(503)
			return
		}
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	resp, err := newTestClient(t, srv).Get(context.Background(), "/")
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, int32(2), attempts.Load())
}

func TestClientServerErrorsExhaust(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(502)
	}))
	defer srv.Close()

	_, err := newTestClient(t, srv).Get(context.Background(), "/")
	require.Error(t, err)
	assert.True(t, IsExhausted(err))
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, 502, se.StatusCode)
	assert.Equal(t, int32(4), attempts.Load())
}

func TestClient404NotRetried(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(404)
		w.Write([]byte(`{"message":"no such user"}`))
	}))
	defer srv.Close()

	resp, err := newTestClient(t, srv).Get(context.Background(), "/users/1")
	require.Error(t, err)
	var re *ResponseError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, 404, re.StatusCode)
	require.NotNil(t, resp)
	assert.Equal(t, "no such user", ExtractMessage(resp))
	assert.Equal(t, int32(1), attempts.Load())
}

func TestClientContextCancellation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := newTestClient(t, srv).Get(ctx, "/")
	assert.Error(t, err)
}

func TestClientRateLimiting(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	// One token, refilled every 100ms: three requests need two refills.
	c := newTestClient(t, srv, WithTokenBucket(BucketOptions{Capacity: 1, FillPerWindow: 1, Window: 100 * time.Millisecond}))

	start := time.Now()
	for i := 0; i < 3; i++ {
		_, err := c.Get(context.Background(), "/")
		require.NoError(t, err)
	}
	assert.GreaterOrEqual(t, time.Since(start), 190*time.Millisecond)
}

func TestClientConcurrentSafety(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	c := newTestClient(t, srv,
		WithConcurrency(4),
		WithTokenBucket(BucketOptions{Capacity: 10, FillPerWindow: 10, Window: 10 * time.Millisecond}),
	)

	var g errgroup.Group
	for i := 0; i < 20; i++ {
		g.Go(func() error {
			_, err := c.Get(context.Background(), "/")
			return err
		})
	}
	require.NoError(t, g.Wait())
	assert.Equal(t, int32(20), hits.Load())
}

func TestClientDoJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var in map[string]string
		json.NewDecoder(r.Body).Decode(&in)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"echo": in["msg"]})
	}))
	defer srv.Close()

	var out map[string]string
	status, err := newTestClient(t, srv).DoJSON(context.Background(), http.MethodPost, "/", map[string]string{"msg": "hello"}, &out)
	require.NoError(t, err)
	assert.Equal(t, 200, status)
	assert.Equal(t, "hello", out["echo"])
}

func TestClientPostBodyReplayedOnRetry(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if attempts.Add(1) == 1 {
			w.WriteHeader(500)
			return
		}
		w.Write(body)
	}))
	defer srv.Close()

	resp, err := newTestClient(t, srv).Post(context.Background(), "/", "text/plain", strings.NewReader("hello"))
	require.NoError(t, err)
	assert.Equal(t, "hello", string(resp.Body))
}

func TestClientHooks(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Hook") != "applied" {
			w.WriteHeader(400)
			return
		}
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	var responseHookCalled atomic.Int32
	c := NewClient(newTestCaller(t),
		WithBaseURL(srv.URL),
		WithRequestHook(func(req *http.Request) { req.Header.Set("X-Hook", "applied") }),
		WithResponseHook(func(resp *http.Response) { responseHookCalled.Add(1) }),
	)

	resp, err := c.Get(context.Background(), "/")
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, int32(1), responseHookCalled.Load())
}

func TestClientNetworkErrorRetried(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	c := NewClient(newTestCaller(t, WithRetry(fastRetry(1))), WithBaseURL(url))
	_, err := c.Get(context.Background(), "/")
	require.Error(t, err)
	assert.True(t, IsExhausted(err))
	assert.False(t, errors.As(err, new(*StatusError)))
}
