package backend

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Address is a set of transport address fields such as trtype, adrfam,
// traddr, trsvcid and subnqn.
type Address map[string]string

// UnmarshalJSON accepts non-string values (the backend reports some fields as
// numbers) and stores their text form.
func (a *Address) UnmarshalJSON(data []byte) error {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if raw == nil {
		*a = nil
		return nil
	}
	out := make(Address, len(raw))
	for k, v := range raw {
		switch val := v.(type) {
		case string:
			out[k] = val
		case nil:
			out[k] = ""
		default:
			out[k] = fmt.Sprint(val)
		}
	}
	*a = out
	return nil
}

// Matches reports whether every field of a is present in corpus with an equal
// value, ignoring case of both keys and values. a is the query side: extra
// fields in corpus are tolerated, extra fields in a are not.
func (a Address) Matches(corpus Address) bool {
	if len(a) == 0 {
		return true
	}
	lowered := make(map[string]string, len(corpus))
	for k, v := range corpus {
		lowered[strings.ToLower(k)] = strings.ToLower(v)
	}
	for k, v := range a {
		cv, ok := lowered[strings.ToLower(k)]
		if !ok || cv != strings.ToLower(v) {
			return false
		}
	}
	return true
}

// MatchesAny reports whether a matches at least one of corpora.
func (a Address) MatchesAny(corpora []Address) bool {
	for _, c := range corpora {
		if a.Matches(c) {
			return true
		}
	}
	return false
}

// Clone returns a copy of a.
func (a Address) Clone() Address {
	if a == nil {
		return nil
	}
	out := make(Address, len(a))
	for k, v := range a {
		out[k] = v
	}
	return out
}

// With returns a copy of a with key set to value.
func (a Address) With(key, value string) Address {
	out := a.Clone()
	if out == nil {
		out = Address{}
	}
	out[key] = value
	return out
}
