package mail

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cast"
)

// parseMessageTime accepts unix seconds, unix milliseconds (numbers or digit
// strings) and the ISO-8601 variants providers return.
func parseMessageTime(v interface{}) (time.Time, bool) {
	switch t := v.(type) {
	case nil:
		return time.Time{}, false
	case float64:
		return fromUnix(t), t > 0
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return time.Time{}, false
		}
		return fromUnix(f), f > 0
	case string:
		raw := strings.TrimSpace(t)
		if raw == "" {
			return time.Time{}, false
		}
		if f, err := strconv.ParseFloat(raw, 64); err == nil {
			return fromUnix(f), f > 0
		}
		ts, err := cast.ToTimeE(raw)
		if err != nil {
			return time.Time{}, false
		}
		return ts, true
	default:
		return time.Time{}, false
	}
}

func fromUnix(f float64) time.Time {
	if f > 1e12 {
		return time.UnixMilli(int64(f))
	}
	return time.Unix(int64(f), 0)
}

// firstTime picks the first parseable time among keys.
func firstTime(obj map[string]interface{}, keys ...string) (time.Time, bool) {
	for _, key := range keys {
		if v, ok := obj[key]; ok {
			if ts, ok := parseMessageTime(v); ok {
				return ts, true
			}
		}
	}
	return time.Time{}, false
}

// flattenText joins string or []string JSON values.
func flattenText(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case []interface{}:
		var sb strings.Builder
		for _, item := range t {
			sb.WriteString(cast.ToString(item))
		}
		return sb.String()
	default:
		return ""
	}
}

// before 判断消息是否早于 since (未知时间视为新消息)
func before(obj map[string]interface{}, since time.Time, keys ...string) bool {
	if since.IsZero() {
		return false
	}
	ts, ok := firstTime(obj, keys...)
	return ok && ts.Before(since)
}
