package rest

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	core "discordcore/errs"
	"discordcore/ratelimit"
)

func newTestPipeline(t *testing.T, handler http.HandlerFunc) (*Pipeline, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	p, err := New("test-token", ratelimit.New(), WithBaseURL(srv.URL), WithTimeout(2*time.Second))
	require.NoError(t, err)
	t.Cleanup(func() {
		p.Close()
		srv.Close()
	})
	return p, srv
}

func TestRequest_Success(t *testing.T) {
	p, _ := newTestPipeline(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-RateLimit-Remaining", "4")
		w.Header().Set("X-RateLimit-Limit", "5")
		w.Header().Set("X-RateLimit-Reset-After", "1.0")
		w.WriteHeader(200)
		_, _ = w.Write([]byte(`{"id":"123"}`))
	})

	data, err := p.Request(context.Background(), "GET", "/users/@me", nil, nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"123"}`, string(data))
}

func TestRequest_EmptyBodySuccess(t *testing.T) {
	p, _ := newTestPipeline(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(204)
	})

	data, err := p.Request(context.Background(), "DELETE", "/channels/1", nil, nil)
	require.NoError(t, err)
	assert.Nil(t, data)
}

func TestRequest_RateLimited(t *testing.T) {
	var calls int32
	p, _ := newTestPipeline(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.Header().Set("Retry-After", "0.05")
		w.WriteHeader(429)
		_, _ = w.Write([]byte(`{"message":"rate limited","retry_after":0.05}`))
	})

	_, err := p.Request(context.Background(), "POST", "/channels/1/messages", []byte(`{}`), nil)
	require.Error(t, err)
	ce, ok := core.AsCoreError(err)
	require.True(t, ok)
	assert.Equal(t, "rate_limited", ce.Kind.String())
	// One retry per submission: two attempts total, not one, not three.
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestRequest_RateLimited_RetrySucceeds(t *testing.T) {
	var calls int32
	p, _ := newTestPipeline(t, func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.Header().Set("Retry-After", "0.02")
			w.WriteHeader(429)
			_, _ = w.Write([]byte(`{"message":"rate limited","retry_after":0.02}`))
			return
		}
		w.WriteHeader(200)
		_, _ = w.Write([]byte(`{"id":"1"}`))
	})

	data, err := p.Request(context.Background(), "POST", "/channels/1/messages", []byte(`{}`), nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"1"}`, string(data))
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestRequest_RateLimited_GlobalVsPerRoute(t *testing.T) {
	limiter := ratelimit.New()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/a" {
			w.Header().Set("Retry-After", "0.05")
			w.Header().Set("X-RateLimit-Global", "true")
			w.WriteHeader(429)
			return
		}
		w.WriteHeader(200)
	}))
	t.Cleanup(srv.Close)

	p, err := New("test-token", limiter, WithBaseURL(srv.URL), WithTimeout(2*time.Second))
	require.NoError(t, err)
	t.Cleanup(p.Close)

	_, err = p.Request(context.Background(), "POST", "/a", nil, nil)
	require.Error(t, err)

	// A global 429 must block every other route too.
	assert.False(t, limiter.CanProceed("GET /b"))
}

func TestRequest_RateLimited_PerRouteDoesNotBlockOthers(t *testing.T) {
	limiter := ratelimit.New()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/a" {
			w.Header().Set("Retry-After", "0.05")
			w.WriteHeader(429)
			return
		}
		w.WriteHeader(200)
	}))
	t.Cleanup(srv.Close)

	p, err := New("test-token", limiter, WithBaseURL(srv.URL), WithTimeout(2*time.Second))
	require.NoError(t, err)
	t.Cleanup(p.Close)

	_, err = p.Request(context.Background(), "POST", "/a", nil, nil)
	require.Error(t, err)

	// A per-bucket 429 on /a must not block an unrelated route.
	assert.True(t, limiter.CanProceed("GET /b"))
}

func TestRequest_Unauthorized(t *testing.T) {
	p, _ := newTestPipeline(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(401)
		_, _ = w.Write([]byte(`{"message":"401: Unauthorized"}`))
	})

	_, err := p.Request(context.Background(), "GET", "/users/@me", nil, nil)
	require.Error(t, err)
	ce, ok := core.AsCoreError(err)
	require.True(t, ok)
	assert.Equal(t, "authentication", ce.Kind.String())
}

func TestRequest_Forbidden(t *testing.T) {
	p, _ := newTestPipeline(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(403)
	})

	_, err := p.Request(context.Background(), "DELETE", "/guilds/1/members/1", nil, nil)
	require.Error(t, err)
	ce, ok := core.AsCoreError(err)
	require.True(t, ok)
	assert.Equal(t, "permission", ce.Kind.String())
}

func TestRequest_FIFO_SingleInFlight(t *testing.T) {
	var inflight int32
	var maxObserved int32

	p, _ := newTestPipeline(t, func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&inflight, 1)
		for {
			cur := atomic.LoadInt32(&maxObserved)
			if n <= cur || atomic.CompareAndSwapInt32(&maxObserved, cur, n) {
				break
			}
		}
		time.Sleep(15 * time.Millisecond)
		atomic.AddInt32(&inflight, -1)
		w.WriteHeader(200)
	})

	const n = 8
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		go func(i int) {
			_, err := p.Request(context.Background(), "GET", fmt.Sprintf("/channels/%d", i), nil, nil)
			errs <- err
		}(i)
	}
	for i := 0; i < n; i++ {
		require.NoError(t, <-errs)
	}

	assert.Equal(t, int32(1), atomic.LoadInt32(&maxObserved), "pipeline must serialize transport calls")
}

func TestClose_RejectsSubsequentRequests(t *testing.T) {
	p, srv := newTestPipeline(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(200)
	})
	defer srv.Close()

	_, err := p.Request(context.Background(), "GET", "/a", nil, nil)
	require.NoError(t, err)

	p.Close()

	_, err = p.Request(context.Background(), "GET", "/b", nil, nil)
	require.Error(t, err)
	ce, ok := core.AsCoreError(err)
	require.True(t, ok)
	assert.Equal(t, "shutdown", ce.Kind.String())
}
