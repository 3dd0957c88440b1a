package mw

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
)

// Example from Twilio's webhook security documentation.
func TestSignTwilio_KnownVector(t *testing.T) {
	params := map[string][]string{
		"CallSid": {"CA1234567890ABCDE"},
		"Caller":  {"+12349013030"},
		"Digits":  {"1234"},
		"From":    {"+12349013030"},
		"To":      {"+18005551212"},
	}
	got := SignTwilio("12345", "https://mycompany.com/myapp.php?foo=1&bar=2", params)
	if got != "0/KCTR6DLpKmkAf8muzZqo1nDgQ=" {
		t.Fatalf("signature = %q", got)
	}
}

func TestTwilioSignature(t *testing.T) {
	const token = "secret"
	const public = "https://bridge.example.com"
	h := TwilioSignature(token, public+"/", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	form := url.Values{"CallSid": {"CA1"}, "CallStatus": {"busy"}}
	newReq := func() *http.Request {
		req := httptest.NewRequest(http.MethodPost, "/v1/outbound/status?job_id=job_1", strings.NewReader(form.Encode()))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		return req
	}

	req := newReq()
	req.Header.Set(twilioSignatureHeader, SignTwilio(token, public+"/v1/outbound/status?job_id=job_1", form))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusNoContent {
		t.Fatalf("valid signature status=%d body=%q", rr.Code, rr.Body.String())
	}

	req = newReq()
	req.Header.Set(twilioSignatureHeader, SignTwilio("other", public+"/v1/outbound/status?job_id=job_1", form))
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusForbidden {
		t.Fatalf("wrong key status=%d", rr.Code)
	}

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, newReq())
	if rr.Code != http.StatusForbidden {
		t.Fatalf("missing signature status=%d", rr.Code)
	}
}

func TestTwilioSignature_DisabledWithoutToken(t *testing.T) {
	h := TwilioSignature("", "https://bridge.example.com", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/v1/twiml/inbound", nil))
	if rr.Code != http.StatusNoContent {
		t.Fatalf("status=%d", rr.Code)
	}
}
