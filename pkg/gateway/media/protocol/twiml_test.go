package protocol

import (
	"strings"
	"testing"
)

func TestStreamTwiML(t *testing.T) {
	out, err := StreamTwiML("wss://bridge.example.com/v1/media", map[string]string{
		ParamTenantID:  "acme & co",
		ParamDirection: "inbound",
		ParamJobID:     "",
	})
	if err != nil {
		t.Fatalf("StreamTwiML error: %v", err)
	}
	got := string(out)
	want := `<?xml version="1.0" encoding="UTF-8"?>` + "\n" +
		`<Response><Connect><Stream url="wss://bridge.example.com/v1/media">` +
		`<Parameter name="direction" value="inbound"></Parameter>` +
		`<Parameter name="tenant_id" value="acme &amp; co"></Parameter>` +
		`</Stream></Connect></Response>`
	if got != want {
		t.Fatalf("twiml =\n%s\nwant\n%s", got, want)
	}
	if strings.Contains(got, ParamJobID) {
		t.Fatalf("empty parameter rendered")
	}
}
