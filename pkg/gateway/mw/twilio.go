package mw

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"net/http"
	"slices"
	"strings"

	"github.com/vango-go/vai-callbridge/pkg/core"
)

const twilioSignatureHeader = "X-Twilio-Signature"

// TwilioSignature rejects requests whose X-Twilio-Signature does not match
// the HMAC-SHA1 of publicURL+RequestURI and the sorted form parameters.
// An empty authToken disables the check.
func TwilioSignature(authToken, publicURL string, next http.Handler) http.Handler {
	if authToken == "" {
		return next
	}
	publicURL = strings.TrimRight(publicURL, "/")
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got := r.Header.Get(twilioSignatureHeader)
		if got == "" {
			reject(w, r, "missing signature")
			return
		}
		var params map[string][]string
		if r.Method == http.MethodPost {
			if err := r.ParseForm(); err != nil {
				reject(w, r, "malformed form body")
				return
			}
			params = r.PostForm
		}
		want := SignTwilio(authToken, publicURL+r.URL.RequestURI(), params)
		if !hmac.Equal([]byte(got), []byte(want)) {
			reject(w, r, "invalid signature")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// SignTwilio computes the X-Twilio-Signature value for a request.
func SignTwilio(authToken, fullURL string, params map[string][]string) string {
	var b strings.Builder
	b.WriteString(fullURL)
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		for _, v := range params[k] {
			b.WriteString(k)
			b.WriteString(v)
		}
	}
	mac := hmac.New(sha1.New, []byte(authToken))
	mac.Write([]byte(b.String()))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func reject(w http.ResponseWriter, r *http.Request, msg string) {
	reqID, _ := RequestIDFrom(r.Context())
	writeJSONError(w, http.StatusForbidden, &core.Error{
		Type:      core.ErrAuthentication,
		Message:   msg,
		Param:     twilioSignatureHeader,
		RequestID: reqID,
	})
}
