// Package scope implements the scope algebra used for per-row access
// filtering: maps from scope key to a single value, a set of values, or the
// wildcard. Scopes travel on change rows, subscriptions, and snapshot cache
// keys, and the canonical string form doubles as the realtime notification
// bucket identifier.
package scope

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Wildcard is the sentinel accepted anywhere a scope value is expected.
const Wildcard = "*"

// Value is one entry in a scope map: a single value, a finite set, or the
// wildcard. The zero Value is an empty set.
type Value struct {
	values   []string
	single   bool
	wildcard bool
}

// Single returns a Value holding exactly one string.
func Single(v string) Value {
	return Value{values: []string{v}, single: true}
}

// Set returns a Value holding a finite set of strings.
func Set(vs ...string) Value {
	return Value{values: vs}
}

// Any returns the wildcard Value.
func Any() Value {
	return Value{wildcard: true}
}

// IsWildcard reports whether the value is the wildcard.
func (v Value) IsWildcard() bool { return v.wildcard }

// IsEmpty reports whether the value is the empty set.
func (v Value) IsEmpty() bool { return !v.wildcard && len(v.values) == 0 }

// Values returns the member values. Empty for the wildcard.
func (v Value) Values() []string { return v.values }

// Contains reports whether s is a member. The wildcard contains everything.
func (v Value) Contains(s string) bool {
	if v.wildcard {
		return true
	}
	for _, m := range v.values {
		if m == s {
			return true
		}
	}
	return false
}

// MarshalJSON renders a single value as a string, a set as an array, and the
// wildcard as "*". Single-string form is preserved so cache keys stay stable.
func (v Value) MarshalJSON() ([]byte, error) {
	if v.wildcard {
		return json.Marshal(Wildcard)
	}
	if v.single && len(v.values) == 1 {
		return json.Marshal(v.values[0])
	}
	return json.Marshal(v.values)
}

// UnmarshalJSON accepts "*", a string, or an array of strings.
func (v *Value) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		if s == Wildcard {
			*v = Any()
		} else {
			*v = Single(s)
		}
		return nil
	}
	var arr []string
	if err := json.Unmarshal(data, &arr); err != nil {
		return fmt.Errorf("scope value must be string or string array: %w", err)
	}
	*v = Set(arr...)
	return nil
}

// Map associates scope keys with values. A nil map has no keys: as a
// change's scopes it satisfies only an empty request, and as a request it
// is satisfied by every change.
type Map map[string]Value

// Intersect narrows requested by allowed, key by key. A wildcard on the
// allowed side passes the requested value through unchanged; an empty set on
// the allowed side revokes the whole map. Keys present only in allowed are
// ignored. The second return is false when the result is revoked.
func Intersect(requested, allowed Map) (Map, bool) {
	out := make(Map, len(requested))
	for key, req := range requested {
		allow, ok := allowed[key]
		if !ok {
			// Key not granted at all — treat as empty set.
			return nil, false
		}
		if allow.IsEmpty() {
			return nil, false
		}
		if allow.IsWildcard() {
			out[key] = req
			continue
		}
		if req.IsWildcard() {
			out[key] = allow
			continue
		}
		var members []string
		for _, m := range req.values {
			if allow.Contains(m) {
				members = append(members, m)
			}
		}
		if len(members) == 0 {
			return nil, false
		}
		if req.single && len(members) == 1 {
			out[key] = Single(members[0])
		} else {
			out[key] = Set(members...)
		}
	}
	return out, true
}

// Matches reports whether changeScopes satisfies requested: every requested
// key must exist on the change with a value contained in the requested set.
func Matches(changeScopes, requested Map) bool {
	for key, req := range requested {
		ch, ok := changeScopes[key]
		if !ok {
			return false
		}
		if req.IsWildcard() {
			continue
		}
		if ch.IsWildcard() {
			continue
		}
		matched := false
		for _, m := range ch.values {
			if req.Contains(m) {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	return true
}

// Key returns the canonical string form: keys sorted lexicographically, set
// values sorted and comma-joined, wildcard rendered literally. Used as the
// snapshot cache partition and the realtime notification bucket.
func Key(m Map) string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(k)
		b.WriteByte('=')
		v := m[k]
		if v.IsWildcard() {
			b.WriteString(Wildcard)
			continue
		}
		members := append([]string(nil), v.values...)
		sort.Strings(members)
		b.WriteString(strings.Join(members, ","))
	}
	return b.String()
}

// Keys returns one canonical key per scope entry, (key, value) pairs
// expanded individually. A change tagged {user_id:u1, team_id:t1} lands in
// buckets "user_id=u1" and "team_id=t1" so the realtime registry can fan out
// per dimension.
func Keys(m Map) []string {
	var out []string
	for k, v := range m {
		if v.IsWildcard() {
			out = append(out, k+"="+Wildcard)
			continue
		}
		for _, member := range v.values {
			out = append(out, k+"="+member)
		}
	}
	sort.Strings(out)
	return out
}

// Clone returns a deep copy.
func Clone(m Map) Map {
	if m == nil {
		return nil
	}
	out := make(Map, len(m))
	for k, v := range m {
		cp := v
		cp.values = append([]string(nil), v.values...)
		out[k] = cp
	}
	return out
}

// Union merges maps, set-unioning values that share a key. Wildcard absorbs.
func Union(ms ...Map) Map {
	out := make(Map)
	for _, m := range ms {
		for k, v := range m {
			cur, ok := out[k]
			if !ok {
				out[k] = v
				continue
			}
			if cur.IsWildcard() || v.IsWildcard() {
				out[k] = Any()
				continue
			}
			seen := make(map[string]bool, len(cur.values))
			members := append([]string(nil), cur.values...)
			for _, m := range cur.values {
				seen[m] = true
			}
			for _, m := range v.values {
				if !seen[m] {
					members = append(members, m)
				}
			}
			out[k] = Set(members...)
		}
	}
	return out
}
