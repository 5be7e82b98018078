package memory

import (
	"encoding/json"
	"sort"
	"strings"
)

// TagSet is an unordered set of normalized (trimmed, lowercase) tags. Two
// sets are equal when they hold the same members; Key gives a canonical
// string usable as a map key.
type TagSet struct {
	m map[string]struct{}
}

func NewTagSet(tags ...string) TagSet {
	var s TagSet
	s.Add(tags...)
	return s
}

func normalizeTag(tag string) string {
	return strings.ToLower(strings.TrimSpace(tag))
}

// Add inserts tags, ignoring blanks.
func (s *TagSet) Add(tags ...string) {
	for _, tag := range tags {
		tag = normalizeTag(tag)
		if tag == "" {
			continue
		}
		if s.m == nil {
			s.m = make(map[string]struct{})
		}
		s.m[tag] = struct{}{}
	}
}

func (s TagSet) Has(tag string) bool {
	_, ok := s.m[normalizeTag(tag)]
	return ok
}

func (s TagSet) Len() int { return len(s.m) }

// Slice returns the members in ascending order.
func (s TagSet) Slice() []string {
	out := make([]string, 0, len(s.m))
	for tag := range s.m {
		out = append(out, tag)
	}
	sort.Strings(out)
	return out
}

func (s TagSet) Equal(other TagSet) bool {
	if len(s.m) != len(other.m) {
		return false
	}
	for tag := range s.m {
		if _, ok := other.m[tag]; !ok {
			return false
		}
	}
	return true
}

// Key is the canonical comma-joined member list.
func (s TagSet) Key() string {
	return strings.Join(s.Slice(), ",")
}

// Overlap counts members present in both s and the given set of terms.
func (s TagSet) Overlap(terms map[string]struct{}) int {
	n := 0
	for tag := range s.m {
		if _, ok := terms[tag]; ok {
			n++
		}
	}
	return n
}

func (s TagSet) Clone() TagSet {
	if s.m == nil {
		return TagSet{}
	}
	c := TagSet{m: make(map[string]struct{}, len(s.m))}
	for tag := range s.m {
		c.m[tag] = struct{}{}
	}
	return c
}

func (s TagSet) String() string {
	return "{" + s.Key() + "}"
}

func (s TagSet) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Slice())
}

func (s *TagSet) UnmarshalJSON(data []byte) error {
	var tags []string
	if err := json.Unmarshal(data, &tags); err != nil {
		return err
	}
	*s = NewTagSet(tags...)
	return nil
}
