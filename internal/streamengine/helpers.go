package streamengine

import (
	"encoding/base64"
	"fmt"
	"reflect"
	"strings"
)

func encodeReplayID(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}

func decodeReplayID(s string) ([]byte, error) {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("streamengine: invalid base64 replay id: %w", err)
	}
	return b, nil
}

// normalizeCommitMS converts a decoded ChangeEventHeader commitTimestamp
// value (whose unit varies: nanoseconds, milliseconds, or seconds depending
// on the producing org) to milliseconds, using magnitude as the signal
// since the Avro schema gives no unit hint.
func normalizeCommitMS(val any) (int64, bool) {
	x, ok := toInt64(val)
	if !ok {
		return 0, false
	}
	switch {
	case x > 1e14: // nanoseconds
		return x / 1_000_000, true
	case x > 1e11: // milliseconds
		return x, true
	case x > 1e9: // seconds
		return x * 1000, true
	default:
		return x, true // small test values, passed through unchanged
	}
}

func toInt64(val any) (int64, bool) {
	switch v := val.(type) {
	case int64:
		return v, true
	case int32:
		return int64(v), true
	case int:
		return int64(v), true
	case float64:
		return int64(v), true
	default:
		return 0, false
	}
}

// normalizeFlashFlag coerces the tenant's boolean-like "FlashField__c" value
// (which Avro may decode as a genuine bool, a string like "true"/"1"/"yes",
// or a numeric 0/1) into a tri-state: true, false, or "unknown" (ok=false),
// the last of which always suppresses the webhook just like an explicit
// false or missing field. Values of any other type are coerced by
// truthiness (non-empty, non-zero) with coerced=true so the caller can log
// the oddity.
func normalizeFlashFlag(val any) (flag bool, ok bool, coerced bool) {
	switch v := val.(type) {
	case bool:
		return v, true, false
	case nil:
		return false, false, false
	case string:
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "true", "1", "yes", "y":
			return true, true, false
		case "false", "0", "no", "n", "":
			return false, true, false
		default:
			return false, false, false
		}
	case int64, int32, int, float64:
		n, _ := toInt64(v)
		return n != 0, true, false
	default:
		return truthy(v), true, true
	}
}

func truthy(val any) bool {
	rv := reflect.ValueOf(val)
	switch rv.Kind() {
	case reflect.Slice, reflect.Map, reflect.Array, reflect.String:
		return rv.Len() > 0
	case reflect.Ptr, reflect.Interface:
		return !rv.IsNil()
	default:
		return true
	}
}
