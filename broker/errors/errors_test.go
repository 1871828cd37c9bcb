package errors

import (
	"encoding/json"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindString(t *testing.T) {
	tests := []struct {
		k    Kind
		want string
	}{
		{NotFound, "NotFound"},
		{Conflict, "Conflict"},
		{InvalidPayload, "InvalidPayload"},
		{UnknownRequestType, "UnknownRequestType"},
		{UpstreamUnavailable, "UpstreamUnavailable"},
		{Timeout, "Timeout"},
		{Kind(99), "Unknown"},
	}
	for _, tt := range tests {
		if got := tt.k.String(); got != tt.want {
			t.Errorf("Kind.String() = %v, want %v", got, tt.want)
		}
		if tt.want != "Unknown" {
			assert.Equal(t, tt.k, ParseKind(tt.want))
		}
	}
	assert.Equal(t, Unknown, ParseKind("whatever"))
}

func TestKindJSON(t *testing.T) {
	blob, err := json.Marshal(struct {
		Kind Kind `json:"kind"`
	}{Timeout})
	require.NoError(t, err)
	require.JSONEq(t, `{"kind":"Timeout"}`, string(blob))

	var v struct {
		Kind Kind `json:"kind"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{"kind":"Conflict"}`), &v))
	require.Equal(t, Conflict, v.Kind)
}

func TestKindOf(t *testing.T) {
	base := New(NotFound, "sensor 1")
	wrapped := errors.Wrap(base, "get sensor")

	assert.Equal(t, NotFound, KindOf(base))
	assert.Equal(t, NotFound, KindOf(wrapped))
	assert.True(t, Is(wrapped, NotFound))
	assert.False(t, Is(wrapped, Conflict))
	assert.Equal(t, Unknown, KindOf(errors.New("plain")))
	assert.Equal(t, Unknown, KindOf(nil))
	assert.Equal(t, "sensor 1", Message(wrapped.(interface{ Cause() error }).Cause()))
}

func TestWrap(t *testing.T) {
	require.Nil(t, Wrap(Timeout, nil, "ignored"))

	cause := errors.New("connection refused")
	err := Wrapf(UpstreamUnavailable, cause, "dial %s", "postgres")
	require.Equal(t, UpstreamUnavailable, KindOf(err))
	require.Equal(t, cause, errors.Cause(err))
	require.Equal(t, "UpstreamUnavailable: dial postgres: connection refused", err.Error())
}
