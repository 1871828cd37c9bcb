package message

import (
	"encoding/json"
	"fmt"

	bErrors "github.com/senser-io/senser/broker/errors"
)

// Reply is the envelope published to a reply queue.
type Reply struct {
	OK     bool            `json:"ok"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *ReplyError     `json:"error,omitempty"`
}

// ReplyError describes a remote failure.
type ReplyError struct {
	Kind    bErrors.Kind `json:"kind"`
	Message string       `json:"message"`
}

// NewReply builds the envelope for the outcome of a handler. When err is not
// nil the result is discarded.
func NewReply(result interface{}, err error) (*Reply, error) {
	if err != nil {
		return ErrorReply(bErrors.KindOf(err), bErrors.Message(err)), nil
	}
	blob, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("error encoding reply result: %v", err)
	}
	return &Reply{OK: true, Result: blob}, nil
}

// ErrorReply builds a failure envelope directly.
func ErrorReply(kind bErrors.Kind, message string) *Reply {
	return &Reply{OK: false, Error: &ReplyError{Kind: kind, Message: message}}
}

// OpenReply decodes a reply body.
func OpenReply(stream []byte) (*Reply, error) {
	r := &Reply{}
	if err := json.Unmarshal(stream, r); err != nil {
		return nil, fmt.Errorf("error decoding reply envelope: %v", err)
	}
	if !r.OK && r.Error == nil {
		return nil, fmt.Errorf("reply carries neither result nor error")
	}
	return r, nil
}

// Err returns the remote failure as a local error, or nil on success.
func (r *Reply) Err() error {
	if r.OK {
		return nil
	}
	return bErrors.New(r.Error.Kind, r.Error.Message)
}
