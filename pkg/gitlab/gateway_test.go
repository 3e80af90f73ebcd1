package gitlab_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/sgaunet/auto-merge/internal/clock"
	"github.com/sgaunet/auto-merge/internal/security"
	"github.com/sgaunet/auto-merge/pkg/gitlab"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recorder counts requests per path; client-go may probe the API root to
// configure its rate limiter, which must not count as an attempt.
type recorder struct {
	mu    sync.Mutex
	hits  map[string]int
	sudos []string
}

func newRecorder() *recorder {
	return &recorder{hits: make(map[string]int)}
}

func (r *recorder) record(req *http.Request) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hits[req.URL.Path]++
	r.sudos = append(r.sudos, req.Header.Get("Sudo"))
	return r.hits[req.URL.Path]
}

func (r *recorder) count(path string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.hits[path]
}

func newTestGateway(t *testing.T, handler http.Handler, opts ...gitlab.GatewayOption) (*gitlab.Gateway, *clock.Fake) {
	t.Helper()

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	fake := clock.NewFake(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	opts = append([]gitlab.GatewayOption{
		gitlab.WithClock(fake),
		gitlab.WithRandom(func() float64 { return 0.5 }),
	}, opts...)

	gw, err := gitlab.NewGateway(srv.URL, security.NewSecureToken("glpat-test-token-123456"), opts...)
	require.NoError(t, err)
	return gw, fake
}

func TestGateway_StatusMapping(t *testing.T) {
	tests := []struct {
		status int
		kind   gitlab.Kind
	}{
		{http.StatusBadRequest, gitlab.BadRequest},
		{http.StatusUnauthorized, gitlab.Unauthorized},
		{http.StatusForbidden, gitlab.Forbidden},
		{http.StatusNotFound, gitlab.NotFound},
		{http.StatusMethodNotAllowed, gitlab.MethodNotAllowed},
		{http.StatusNotAcceptable, gitlab.NotAcceptable},
		{http.StatusUnprocessableEntity, gitlab.Unprocessable},
		{http.StatusGatewayTimeout, gitlab.GatewayTimeout},
		{http.StatusTeapot, gitlab.UnexpectedError},
	}

	for _, tt := range tests {
		t.Run(strconv.Itoa(tt.status), func(t *testing.T) {
			rec := newRecorder()
			gw, _ := newTestGateway(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				rec.record(r)
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tt.status)
				fmt.Fprint(w, `{"message":"refused"}`)
			}))

			_, err := gw.Call(context.Background(), gitlab.Get("projects/1", nil))
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.kind)

			apiErr, ok := gitlab.AsAPIError(err)
			require.True(t, ok)
			assert.Equal(t, tt.status, apiErr.StatusCode)
			assert.Equal(t, "refused", apiErr.Message)
			assert.Equal(t, 1, rec.count("/api/v4/projects/1"), "non-transient errors are not retried")
		})
	}
}

func TestGateway_SuccessSentinels(t *testing.T) {
	tests := []struct {
		name        string
		status      int
		noContent   bool
		notModified bool
	}{
		{name: "accepted", status: http.StatusAccepted, noContent: true},
		{name: "no content", status: http.StatusNoContent, noContent: true},
		{name: "not modified", status: http.StatusNotModified, notModified: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gw, _ := newTestGateway(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
			}))

			result, err := gw.Call(context.Background(), gitlab.Put("projects/1/merge_requests/2/rebase", nil))
			require.NoError(t, err)
			assert.Equal(t, tt.noContent, result.NoContent())
			assert.Equal(t, tt.notModified, result.NotModified())

			var v map[string]any
			assert.ErrorIs(t, result.Decode(&v), gitlab.ErrEmptyBody)
		})
	}
}

func TestGateway_RetriesTransientErrors(t *testing.T) {
	rec := newRecorder()
	gw, fake := newTestGateway(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec.record(r)
		w.WriteHeader(http.StatusBadGateway)
	}))

	_, err := gw.Call(context.Background(), gitlab.Get("version", nil))
	require.Error(t, err)
	assert.ErrorIs(t, err, gitlab.BadGateway)
	assert.Equal(t, 4, rec.count("/api/v4/version"))

	sleeps := fake.Sleeps()
	require.Len(t, sleeps, 3)
	assert.Equal(t, []time.Duration{
		20 * time.Second,
		46500 * time.Millisecond,
		99500 * time.Millisecond,
	}, sleeps)
	for i := 1; i < len(sleeps); i++ {
		assert.GreaterOrEqual(t, sleeps[i], sleeps[i-1])
	}
}

func TestGateway_RetryThenSuccess(t *testing.T) {
	for _, status := range []int{
		http.StatusNotImplemented,
		http.StatusConflict,
		http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusServiceUnavailable,
	} {
		t.Run(strconv.Itoa(status), func(t *testing.T) {
			rec := newRecorder()
			gw, fake := newTestGateway(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if rec.record(r) < 3 {
					w.WriteHeader(status)
					return
				}
				w.Header().Set("Content-Type", "application/json")
				fmt.Fprint(w, `{"version":"16.4.1-ee"}`)
			}))

			v, err := gw.Version(context.Background())
			require.NoError(t, err)
			assert.Equal(t, []int{16, 4, 1}, v.Release)
			assert.True(t, v.IsEE())
			assert.Len(t, fake.Sleeps(), 2)
		})
	}
}

func TestGateway_Timeout(t *testing.T) {
	rec := newRecorder()
	gw, fake := newTestGateway(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec.record(r)
		time.Sleep(200 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}), gitlab.WithHTTPClient(&http.Client{Timeout: 20 * time.Millisecond}))

	_, err := gw.Call(context.Background(), gitlab.Get("user", nil))
	require.Error(t, err)
	assert.ErrorIs(t, err, gitlab.Timeout)
	assert.Len(t, fake.Sleeps(), 3)
}

func TestGateway_CancelledContextIsNotRetried(t *testing.T) {
	gw, fake := newTestGateway(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := gw.Call(ctx, gitlab.Get("user", nil))
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Empty(t, fake.Sleeps())
}

func TestGateway_ActingAs(t *testing.T) {
	rec := newRecorder()
	gw, _ := newTestGateway(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec.record(r)
		w.WriteHeader(http.StatusCreated)
		fmt.Fprint(w, `{}`)
	}))

	_, err := gw.Call(context.Background(), gitlab.Post("projects/1/merge_requests/2/approve", nil), gitlab.ActingAs(42))
	require.NoError(t, err)
	_, err = gw.Call(context.Background(), gitlab.Post("projects/1/merge_requests/2/notes", nil))
	require.NoError(t, err)

	assert.Contains(t, rec.sudos, "42")
	assert.Equal(t, "", rec.sudos[len(rec.sudos)-1], "impersonation applies to a single call")
}

func TestGateway_CollectAllPages(t *testing.T) {
	rec := newRecorder()
	gw, _ := newTestGateway(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec.record(r)
		w.Header().Set("Content-Type", "application/json")

		assert.Equal(t, "100", r.URL.Query().Get("per_page"))
		page, _ := strconv.Atoi(r.URL.Query().Get("page"))
		switch page {
		case 1:
			fmt.Fprint(w, `[{"id":1},{"id":2}]`)
		case 2:
			fmt.Fprint(w, `[{"id":3}]`)
		default:
			fmt.Fprint(w, `[]`)
		}
	}))

	items, err := gw.CollectAllPages(context.Background(), gitlab.Get("projects", nil))
	require.NoError(t, err)
	require.Len(t, items, 3)

	var ids []int
	for _, item := range items {
		var v struct {
			ID int `json:"id"`
		}
		require.NoError(t, json.Unmarshal(item, &v))
		ids = append(ids, v.ID)
	}
	assert.Equal(t, []int{1, 2, 3}, ids)
	assert.Equal(t, 3, rec.count("/api/v4/projects"))
}

func TestGateway_CollectAllPagesPropagatesErrors(t *testing.T) {
	gw, _ := newTestGateway(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("page") == "2" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `[{"id":1}]`)
	}))

	_, err := gw.CollectAllPages(context.Background(), gitlab.Get("projects", nil))
	assert.ErrorIs(t, err, gitlab.Forbidden)
}
