package handlers

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/vango-go/vai-callbridge/pkg/core"
	"github.com/vango-go/vai-callbridge/pkg/gateway/call"
	"github.com/vango-go/vai-callbridge/pkg/gateway/media/protocol"
	"github.com/vango-go/vai-callbridge/pkg/gateway/mw"
)

// InboundTwiMLHandler answers the telephony voice webhook of an inbound call
// with TwiML that connects the call to the media endpoint. The tenant comes
// from the tenant_id query parameter of the configured webhook URL.
type InboundTwiMLHandler struct {
	StreamURL     string
	DefaultTenant string
	Logger        *slog.Logger
}

func (h InboundTwiMLHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	reqID, _ := mw.RequestIDFrom(r.Context())
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	if h.StreamURL == "" {
		writeCoreErrorJSON(w, reqID, &core.Error{Type: core.ErrAPI, Message: "public url not configured"}, http.StatusServiceUnavailable)
		return
	}
	tenant := strings.TrimSpace(r.URL.Query().Get(protocol.ParamTenantID))
	if tenant == "" {
		tenant = h.DefaultTenant
	}
	if tenant == "" {
		writeCoreErrorJSON(w, reqID, &core.Error{Type: core.ErrInvalidRequest, Message: "tenant_id is required", Param: protocol.ParamTenantID}, http.StatusBadRequest)
		return
	}

	body, err := protocol.StreamTwiML(h.StreamURL, map[string]string{
		protocol.ParamTenantID:  tenant,
		protocol.ParamDirection: string(call.DirectionInbound),
	})
	if err != nil {
		writeErrorJSON(w, r, err)
		return
	}
	if h.Logger != nil {
		h.Logger.Info("inbound call answered",
			"request_id", reqID,
			"tenant_id", tenant,
			"call_sid", r.PostFormValue("CallSid"),
		)
	}
	w.Header().Set("Content-Type", "text/xml; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}
