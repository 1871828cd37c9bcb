package dispatch

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cast"

	bErrors "github.com/senser-io/senser/broker/errors"
)

// payload is a decoded data object. Accessors coerce numbers sent as strings
// and fail with InvalidPayload.
type payload map[string]interface{}

func invalid(err error, key string) error {
	return bErrors.Wrapf(bErrors.InvalidPayload, err, "field %q", key)
}

func (p payload) present(key string) bool {
	v, ok := p[key]
	return ok && v != nil
}

// integer reads a whole number given as a JSON number or as a base 10
// string. Fractions and values outside the int64 range are rejected.
func (p payload) integer(key string) (int64, error) {
	switch v := p[key].(type) {
	case string:
		n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil {
			return 0, invalid(err, key)
		}
		return n, nil
	case float64:
		if v != math.Trunc(v) || v < math.MinInt64 || v >= 1<<63 {
			return 0, bErrors.Newf(bErrors.InvalidPayload, "field %q must be a whole number in range", key)
		}
		return int64(v), nil
	default:
		n, err := cast.ToInt64E(v)
		if err != nil {
			return 0, invalid(err, key)
		}
		return n, nil
	}
}

func (p payload) id(key string) (int64, error) {
	return p.integer(key)
}

func (p payload) float(key string) (float64, error) {
	v, err := cast.ToFloat64E(p[key])
	if err != nil {
		return 0, invalid(err, key)
	}
	return v, nil
}

func (p payload) optionalFloat(key string) (*float64, error) {
	if !p.present(key) {
		return nil, nil
	}
	v, err := p.float(key)
	if err != nil {
		return nil, err
	}
	return &v, nil
}

// count returns a non-negative integer, def when the field is absent.
func (p payload) count(key string, def int) (int, error) {
	if !p.present(key) {
		return def, nil
	}
	v, err := p.integer(key)
	if err != nil {
		return 0, err
	}
	if v < 0 {
		return 0, bErrors.Newf(bErrors.InvalidPayload, "field %q must not be negative", key)
	}
	if v > math.MaxInt32 {
		return 0, bErrors.Newf(bErrors.InvalidPayload, "field %q is too large", key)
	}
	return int(v), nil
}

func (p payload) text(key string) string {
	return cast.ToString(p[key])
}

func (p payload) time(key string) (time.Time, error) {
	v, err := cast.ToTimeE(p[key])
	if err != nil {
		return time.Time{}, invalid(err, key)
	}
	return v.UTC(), nil
}

// optionalTime returns nil for absent, null and empty values.
func (p payload) optionalTime(key string) (*time.Time, error) {
	if !p.present(key) || p.text(key) == "" {
		return nil, nil
	}
	v, err := p.time(key)
	if err != nil {
		return nil, err
	}
	return &v, nil
}

func (p payload) object(key string) (payload, bool) {
	m, ok := p[key].(map[string]interface{})
	return payload(m), ok
}

// singleField reads an object with exactly one member, given as an object or
// as its JSON encoding.
func (p payload) singleField(key string) (string, interface{}, error) {
	var m map[string]interface{}
	switch v := p[key].(type) {
	case map[string]interface{}:
		m = v
	case string:
		if err := json.Unmarshal([]byte(v), &m); err != nil {
			return "", nil, invalid(err, key)
		}
	}
	if len(m) != 1 {
		return "", nil, bErrors.Newf(bErrors.InvalidPayload, "field %q must hold exactly one field to match", key)
	}
	for field, value := range m {
		return field, value, nil
	}
	return "", nil, nil
}
