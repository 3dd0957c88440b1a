package protocol

import (
	"encoding/xml"
	"slices"
)

type twimlResponse struct {
	XMLName xml.Name     `xml:"Response"`
	Say     string       `xml:"Say,omitempty"`
	Connect twimlConnect `xml:"Connect"`
}

type twimlConnect struct {
	Stream twimlStream `xml:"Stream"`
}

type twimlStream struct {
	URL    string       `xml:"url,attr"`
	Params []twimlParam `xml:"Parameter"`
}

type twimlParam struct {
	Name  string `xml:"name,attr"`
	Value string `xml:"value,attr"`
}

// StreamTwiML renders TwiML that connects the call to a bidirectional media
// stream at streamURL. Params arrive as customParameters on the start frame.
// Parameters are emitted in name order.
func StreamTwiML(streamURL string, params map[string]string) ([]byte, error) {
	names := make([]string, 0, len(params))
	for name := range params {
		names = append(names, name)
	}
	slices.Sort(names)

	doc := twimlResponse{Connect: twimlConnect{Stream: twimlStream{URL: streamURL}}}
	for _, name := range names {
		if params[name] == "" {
			continue
		}
		doc.Connect.Stream.Params = append(doc.Connect.Stream.Params, twimlParam{Name: name, Value: params[name]})
	}
	out, err := xml.Marshal(doc)
	if err != nil {
		return nil, err
	}
	return append([]byte(xml.Header), out...), nil
}
