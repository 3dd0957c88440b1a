package handlers

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
)

func TestInboundTwiMLHandler(t *testing.T) {
	h := InboundTwiMLHandler{StreamURL: "wss://bridge.example.com/v1/media", DefaultTenant: "default"}

	form := url.Values{"CallSid": {"CA1"}, "From": {"+15550001111"}}
	req := httptest.NewRequest(http.MethodPost, "/v1/twiml/inbound?tenant_id=acme", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d body=%q", rr.Code, rr.Body.String())
	}
	if ct := rr.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/xml") {
		t.Fatalf("content-type=%q", ct)
	}
	body := rr.Body.String()
	for _, want := range []string{
		`<Stream url="wss://bridge.example.com/v1/media">`,
		`<Parameter name="tenant_id" value="acme">`,
		`<Parameter name="direction" value="inbound">`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("body missing %q:\n%s", want, body)
		}
	}
}

func TestInboundTwiMLHandler_DefaultTenantAndErrors(t *testing.T) {
	h := InboundTwiMLHandler{StreamURL: "wss://bridge.example.com/v1/media", DefaultTenant: "default"}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/v1/twiml/inbound", nil))
	if !strings.Contains(rr.Body.String(), `<Parameter name="tenant_id" value="default">`) {
		t.Fatalf("expected default tenant, body=%s", rr.Body.String())
	}

	rr = httptest.NewRecorder()
	InboundTwiMLHandler{StreamURL: "wss://x/v1/media"}.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/v1/twiml/inbound", nil))
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("missing tenant status=%d", rr.Code)
	}

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/twiml/inbound", nil))
	if rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("GET status=%d", rr.Code)
	}

	rr = httptest.NewRecorder()
	InboundTwiMLHandler{}.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/v1/twiml/inbound?tenant_id=a", nil))
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("no stream url status=%d", rr.Code)
	}
}
