package scope

import (
	"encoding/json"
	"testing"
)

func TestIntersect_WildcardAllowsRequested(t *testing.T) {
	requested := Map{"user_id": Single("u1")}
	allowed := Map{"user_id": Any()}

	got, ok := Intersect(requested, allowed)
	if !ok {
		t.Fatal("expected non-revoked intersection")
	}
	if !got["user_id"].Contains("u1") {
		t.Fatalf("expected u1 in result, got %v", got["user_id"].Values())
	}
}

func TestIntersect_EmptyAllowedRevokes(t *testing.T) {
	requested := Map{"user_id": Single("u1")}
	allowed := Map{"user_id": Set()}

	if _, ok := Intersect(requested, allowed); ok {
		t.Fatal("empty allowed set should revoke")
	}
}

func TestIntersect_MissingKeyRevokes(t *testing.T) {
	requested := Map{"team_id": Single("t1")}
	allowed := Map{"user_id": Any()}

	if _, ok := Intersect(requested, allowed); ok {
		t.Fatal("ungranted key should revoke")
	}
}

func TestIntersect_SetNarrowing(t *testing.T) {
	requested := Map{"team_id": Set("t1", "t2", "t3")}
	allowed := Map{"team_id": Set("t2", "t4")}

	got, ok := Intersect(requested, allowed)
	if !ok {
		t.Fatal("expected non-revoked intersection")
	}
	vals := got["team_id"].Values()
	if len(vals) != 1 || vals[0] != "t2" {
		t.Fatalf("expected [t2], got %v", vals)
	}
}

func TestIntersect_DisjointRevokes(t *testing.T) {
	requested := Map{"team_id": Set("t1")}
	allowed := Map{"team_id": Set("t9")}

	if _, ok := Intersect(requested, allowed); ok {
		t.Fatal("disjoint sets should revoke")
	}
}

func TestIntersect_RequestedWildcardGetsAllowed(t *testing.T) {
	requested := Map{"team_id": Any()}
	allowed := Map{"team_id": Set("t1", "t2")}

	got, ok := Intersect(requested, allowed)
	if !ok {
		t.Fatal("expected non-revoked intersection")
	}
	if len(got["team_id"].Values()) != 2 {
		t.Fatalf("expected allowed set passthrough, got %v", got["team_id"].Values())
	}
}

func TestMatches(t *testing.T) {
	change := Map{"user_id": Single("u1"), "team_id": Single("t1")}

	cases := []struct {
		name      string
		requested Map
		want      bool
	}{
		{"exact", Map{"user_id": Single("u1")}, true},
		{"set member", Map{"user_id": Set("u2", "u1")}, true},
		{"wildcard", Map{"user_id": Any()}, true},
		{"wrong value", Map{"user_id": Single("u2")}, false},
		{"missing key", Map{"org_id": Single("o1")}, false},
		{"both keys", Map{"user_id": Single("u1"), "team_id": Single("t1")}, true},
		{"one key wrong", Map{"user_id": Single("u1"), "team_id": Single("t2")}, false},
	}
	for _, tc := range cases {
		if got := Matches(change, tc.requested); got != tc.want {
			t.Errorf("%s: got %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestKey_Canonical(t *testing.T) {
	a := Map{"b": Set("2", "1"), "a": Single("x")}
	b := Map{"a": Single("x"), "b": Set("1", "2")}

	if Key(a) != Key(b) {
		t.Fatalf("canonical keys differ: %q vs %q", Key(a), Key(b))
	}
	if want := "a=x&b=1,2"; Key(a) != want {
		t.Fatalf("key: got %q, want %q", Key(a), want)
	}
}

func TestKey_Wildcard(t *testing.T) {
	if got := Key(Map{"user_id": Any()}); got != "user_id=*" {
		t.Fatalf("got %q", got)
	}
}

func TestKeys_PerDimension(t *testing.T) {
	m := Map{"user_id": Single("u1"), "team_id": Set("t1", "t2")}
	got := Keys(m)
	want := []string{"team_id=t1", "team_id=t2", "user_id=u1"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}

func TestValueJSON_RoundTrip(t *testing.T) {
	m := Map{"user_id": Single("u1"), "team_id": Set("t1", "t2"), "org_id": Any()}
	data, err := json.Marshal(m)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var back Map
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	if !back["user_id"].Contains("u1") || back["user_id"].IsWildcard() {
		t.Fatal("single value lost")
	}
	if !back["org_id"].IsWildcard() {
		t.Fatal("wildcard lost")
	}
	if len(back["team_id"].Values()) != 2 {
		t.Fatal("set lost")
	}

	// Single values must serialize as bare strings, not arrays.
	single, _ := json.Marshal(Single("u1"))
	if string(single) != `"u1"` {
		t.Fatalf("single form: got %s", single)
	}
}

func TestUnion(t *testing.T) {
	a := Map{"user_id": Single("u1")}
	b := Map{"user_id": Single("u2"), "team_id": Single("t1")}

	u := Union(a, b)
	if !u["user_id"].Contains("u1") || !u["user_id"].Contains("u2") {
		t.Fatalf("union values: %v", u["user_id"].Values())
	}
	if !u["team_id"].Contains("t1") {
		t.Fatal("missing team_id")
	}
}
