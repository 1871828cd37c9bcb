package message

import (
	"encoding/json"
	"fmt"
)

// Request is the body published to the work queue.
type Request struct {
	RequestType RequestType     `json:"request_type"`
	Data        json.RawMessage `json:"data"`
}

// NewRequest encodes data and returns a request ready to be published. A nil
// data value is sent as an empty object.
func NewRequest(t RequestType, data interface{}) (*Request, error) {
	if data == nil {
		return &Request{RequestType: t, Data: json.RawMessage("{}")}, nil
	}
	if raw, ok := data.(json.RawMessage); ok {
		return &Request{RequestType: t, Data: raw}, nil
	}
	blob, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("error encoding request data: %v", err)
	}
	return &Request{RequestType: t, Data: blob}, nil
}

// Open decodes a request body. Only the envelope is inspected; the data
// object is left raw for the dispatcher to validate.
func Open(stream []byte) (*Request, error) {
	req := &Request{}
	if err := json.Unmarshal(stream, req); err != nil {
		return nil, fmt.Errorf("error decoding request envelope: %v", err)
	}
	if req.RequestType == "" {
		return nil, fmt.Errorf("request type is empty or missing")
	}
	if len(req.Data) == 0 || string(req.Data) == "null" {
		req.Data = json.RawMessage("{}")
	}
	return req, nil
}

// MarshalJSON is implemented so a nil Data is never sent as null.
func (r Request) MarshalJSON() ([]byte, error) {
	type alias Request
	a := alias(r)
	if len(a.Data) == 0 {
		a.Data = json.RawMessage("{}")
	}
	return json.Marshal(&a)
}
