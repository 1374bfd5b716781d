package model

import "encoding/json"

const ContentTypeJSON = "application/json"

// Envelope is the wire-level wrapper published to the broker. The shape is
// cloud-event compatible; Headers carries application-level headers
// (authorization, correlation id) the transport does not propagate natively.
type Envelope struct {
	ID              string            `json:"id"`
	Data            json.RawMessage   `json:"data"`
	Headers         map[string]string `json:"headers,omitempty"`
	DataContentType string            `json:"datacontenttype"`
}

// EncodeEnvelope serializes an envelope for transport.
func EncodeEnvelope(e Envelope) ([]byte, error) {
	return json.Marshal(e)
}

// DecodeEnvelope parses envelope bytes as received from the transport.
func DecodeEnvelope(b []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(b, &e); err != nil {
		return Envelope{}, err
	}
	return e, nil
}
