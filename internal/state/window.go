package state

import "sort"

// Window is the daemon's last known view of one Hyprland client.
type Window struct {
	Address    string
	Class      string
	Title      string
	Fullscreen bool
	Minimized  bool
	Urgent     bool
	Tags       TagSet
}

// Clone returns a copy that does not share the tag set.
func (w Window) Clone() Window {
	w.Tags = w.Tags.Clone()
	return w
}

// TagSet is the local mirror of the tags Hyprland reports for a window.
type TagSet map[string]struct{}

// NewTagSet builds a set from a list of tag names, skipping empty ones.
func NewTagSet(tags ...string) TagSet {
	set := make(TagSet, len(tags))
	for _, tag := range tags {
		if tag == "" {
			continue
		}
		set[tag] = struct{}{}
	}
	return set
}

func (s TagSet) Has(tag string) bool {
	_, ok := s[tag]
	return ok
}

func (s TagSet) Add(tag string) {
	s[tag] = struct{}{}
}

func (s TagSet) Remove(tag string) {
	delete(s, tag)
}

func (s TagSet) Clone() TagSet {
	out := make(TagSet, len(s))
	for tag := range s {
		out[tag] = struct{}{}
	}
	return out
}

// Sorted returns the tags in lexical order.
func (s TagSet) Sorted() []string {
	out := make([]string, 0, len(s))
	for tag := range s {
		out = append(out, tag)
	}
	sort.Strings(out)
	return out
}
