package client_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aquasecurity/pypi-audit/pkg/cache"
	"github.com/aquasecurity/pypi-audit/pkg/vulnsrc/client"
)

func TestClient_Do(t *testing.T) {
	tests := []struct {
		name       string
		handler    func(calls *int32) http.HandlerFunc
		wantCalls  int32
		wantStatus int
		wantBody   string
		wantErr    string
	}{
		{
			name: "happy path",
			handler: func(calls *int32) http.HandlerFunc {
				return func(w http.ResponseWriter, r *http.Request) {
					atomic.AddInt32(calls, 1)
					w.WriteHeader(http.StatusOK)
					w.Write([]byte(`{"vulns":[]}`))
				}
			},
			wantCalls:  1,
			wantStatus: http.StatusOK,
			wantBody:   `{"vulns":[]}`,
		},
		{
			name: "transient 500s then success",
			handler: func(calls *int32) http.HandlerFunc {
				return func(w http.ResponseWriter, r *http.Request) {
					if atomic.AddInt32(calls, 1) < 3 {
						w.WriteHeader(http.StatusInternalServerError)
						return
					}
					w.WriteHeader(http.StatusOK)
					w.Write([]byte(`{}`))
				}
			},
			wantCalls:  3,
			wantStatus: http.StatusOK,
			wantBody:   `{}`,
		},
		{
			name: "429 is transient",
			handler: func(calls *int32) http.HandlerFunc {
				return func(w http.ResponseWriter, r *http.Request) {
					if atomic.AddInt32(calls, 1) < 2 {
						w.WriteHeader(http.StatusTooManyRequests)
						return
					}
					w.WriteHeader(http.StatusOK)
					w.Write([]byte(`{}`))
				}
			},
			wantCalls:  2,
			wantStatus: http.StatusOK,
			wantBody:   `{}`,
		},
		{
			name: "persistent 500 exhausts retries",
			handler: func(calls *int32) http.HandlerFunc {
				return func(w http.ResponseWriter, r *http.Request) {
					atomic.AddInt32(calls, 1)
					w.WriteHeader(http.StatusInternalServerError)
				}
			},
			wantCalls: 3,
			wantErr:   "giving up after 3 attempts",
		},
		{
			name: "404 is terminal, not retried",
			handler: func(calls *int32) http.HandlerFunc {
				return func(w http.ResponseWriter, r *http.Request) {
					atomic.AddInt32(calls, 1)
					w.WriteHeader(http.StatusNotFound)
				}
			},
			wantCalls:  1,
			wantStatus: http.StatusNotFound,
			wantBody:   "",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls int32
			ts := httptest.NewServer(tt.handler(&calls))
			defer ts.Close()

			c := client.New("test", client.WithBackoff(time.Millisecond))
			resp, err := c.Do(context.Background(), http.MethodGet, ts.URL, nil)

			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			} else {
				require.NoError(t, err)
				assert.Equal(t, tt.wantStatus, resp.StatusCode)
				assert.Equal(t, tt.wantBody, string(resp.Body))
			}
			assert.Equal(t, tt.wantCalls, atomic.LoadInt32(&calls))
		})
	}
}

func TestClient_Do_UserAgent(t *testing.T) {
	tests := []struct {
		name string
		opts []client.Option
		want string
	}{
		{
			name: "default",
			want: "pypi-audit",
		},
		{
			name: "versioned override",
			opts: []client.Option{client.WithUserAgent("pypi-audit/0.1.0")},
			want: "pypi-audit/0.1.0",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, tt.want, r.Header.Get("User-Agent"))
				w.WriteHeader(http.StatusOK)
			}))
			defer ts.Close()

			c := client.New("test", tt.opts...)
			_, err := c.Do(context.Background(), http.MethodGet, ts.URL, nil)
			require.NoError(t, err)
		})
	}
}

func TestClient_Do_Cache(t *testing.T) {
	var calls int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"cached":true}`))
	}))
	defer ts.Close()

	cc, err := cache.Open(t.TempDir())
	require.NoError(t, err)
	defer cc.Close()

	c := client.New("osv", client.WithCache(cc))

	resp, err := c.Do(context.Background(), http.MethodGet, ts.URL, nil)
	require.NoError(t, err)
	assert.Equal(t, `{"cached":true}`, string(resp.Body))
	assert.EqualValues(t, 1, atomic.LoadInt32(&calls))

	// the second identical request never reaches the server
	resp, err = c.Do(context.Background(), http.MethodGet, ts.URL, nil)
	require.NoError(t, err)
	assert.Equal(t, `{"cached":true}`, string(resp.Body))
	assert.EqualValues(t, 1, atomic.LoadInt32(&calls))

	// a different body is a different key
	_, err = c.Do(context.Background(), http.MethodPost, ts.URL, []byte(`{"q":1}`))
	require.NoError(t, err)
	assert.EqualValues(t, 2, atomic.LoadInt32(&calls))
}

func TestClient_Do_PerCallTimeout(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	c := client.New("test",
		client.WithTimeout(10*time.Millisecond),
		client.WithRetries(1))
	_, err := c.Do(context.Background(), http.MethodGet, ts.URL, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "giving up after 1 attempts")
}

func TestClient_Do_RunCancellation(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	c := client.New("test")
	_, err := c.Do(ctx, http.MethodGet, ts.URL, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}
