package memory

import "testing"

func TestTagSet_Semantics(t *testing.T) {
	a := NewTagSet("Incident", " database ", "", "incident")
	b := NewTagSet("database", "incident")

	if a.Len() != 2 {
		t.Fatalf("len = %d, want 2", a.Len())
	}
	if !a.Equal(b) || a.Key() != b.Key() {
		t.Fatalf("sets with the same members must be equal: %s vs %s", a, b)
	}
	if !a.Has("INCIDENT") {
		t.Fatalf("Has should normalize its argument")
	}
	c := a.Clone()
	c.Add("extra")
	if a.Has("extra") {
		t.Fatalf("clone must not alias the original")
	}

	raw, err := a.MarshalJSON()
	if err != nil || string(raw) != `["database","incident"]` {
		t.Fatalf("marshal = %s, %v", raw, err)
	}
	var back TagSet
	if err := back.UnmarshalJSON(raw); err != nil || !back.Equal(a) {
		t.Fatalf("unmarshal = %s, %v", back, err)
	}
}
