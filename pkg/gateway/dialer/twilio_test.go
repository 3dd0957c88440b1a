package dialer

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vango-go/vai-callbridge/pkg/core"
)

func newTestStarter(t *testing.T, handler http.HandlerFunc) *TwilioStarter {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	s, err := NewTwilioStarter(TwilioConfig{
		AccountSID: "AC123",
		AuthToken:  "secret",
		From:       "+15559990000",
		StreamURL:  "wss://bridge.example.com/v1/media",
		StatusURL:  "https://bridge.example.com/v1/outbound/status",
		BaseURL:    srv.URL,
		Retries:    2,
		Backoff:    time.Millisecond,
	}, srv.Client())
	require.NoError(t, err)
	return s
}

func TestTwilioStarter_CreatesCallWithStreamTwiML(t *testing.T) {
	var form url.Values
	s := newTestStarter(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/Accounts/AC123/Calls.json", r.URL.Path)
		user, pass, ok := r.BasicAuth()
		require.True(t, ok)
		require.Equal(t, "AC123", user)
		require.Equal(t, "secret", pass)
		require.NoError(t, r.ParseForm())
		form = r.PostForm
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"sid":"CA999","status":"queued"}`))
	})

	job := Job{ID: "job_1", TenantID: "acme", To: "+15550001111", LeaseToken: "lease-abc"}
	sid, err := s.StartCall(context.Background(), job)
	require.NoError(t, err)
	require.Equal(t, "CA999", sid)

	require.Equal(t, "+15550001111", form.Get("To"))
	require.Equal(t, "+15559990000", form.Get("From"))
	require.Equal(t, "30", form.Get("Timeout"))

	twiml := form.Get("Twiml")
	require.Contains(t, twiml, `<Stream url="wss://bridge.example.com/v1/media">`)
	require.Contains(t, twiml, `<Parameter name="job_id" value="job_1">`)
	require.Contains(t, twiml, `<Parameter name="lease_token" value="lease-abc">`)
	require.Contains(t, twiml, `<Parameter name="direction" value="outbound">`)
	require.Contains(t, twiml, `<Parameter name="tenant_id" value="acme">`)

	cb, err := url.Parse(form.Get("StatusCallback"))
	require.NoError(t, err)
	require.Equal(t, "/v1/outbound/status", cb.Path)
	require.Equal(t, "job_1", cb.Query().Get("job_id"))
	require.Equal(t, "lease-abc", cb.Query().Get("lease_token"))
}

func TestTwilioStarter_RetriesServerErrors(t *testing.T) {
	var hits atomic.Int32
	s := newTestStarter(t, func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"sid":"CA1"}`))
	})
	sid, err := s.StartCall(context.Background(), Job{ID: "job_2", TenantID: "acme", To: "+15550001111", LeaseToken: "l"})
	require.NoError(t, err)
	require.Equal(t, "CA1", sid)
	require.EqualValues(t, 3, hits.Load())
}

func TestTwilioStarter_ClientErrorIsFinal(t *testing.T) {
	var hits atomic.Int32
	s := newTestStarter(t, func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"code":21211,"message":"Invalid 'To' Phone Number"}`))
	})
	_, err := s.StartCall(context.Background(), Job{ID: "job_3", TenantID: "acme", To: "+15550001111", LeaseToken: "l"})
	require.Error(t, err)
	require.False(t, core.IsTransient(err))
	require.True(t, strings.Contains(err.Error(), "21211"))
	require.EqualValues(t, 1, hits.Load())
}

func TestTwilioStarter_ExhaustedRetriesStayTransient(t *testing.T) {
	s := newTestStarter(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	})
	_, err := s.StartCall(context.Background(), Job{ID: "job_4", TenantID: "acme", To: "+15550001111", LeaseToken: "l"})
	require.Error(t, err)
	require.True(t, core.IsTransient(err))
}

func TestNewTwilioStarter_Validation(t *testing.T) {
	_, err := NewTwilioStarter(TwilioConfig{StreamURL: "wss://x"}, nil)
	require.Error(t, err)
	_, err = NewTwilioStarter(TwilioConfig{AccountSID: "AC1", AuthToken: "t"}, nil)
	require.Error(t, err)
}
