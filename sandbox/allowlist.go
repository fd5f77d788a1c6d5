package sandbox

import (
	"fmt"
	"sort"
	"strings"
)

// AllowList maps a global name to the members a sandbox exposes from it.
// A name with no members exposes the whole binding.
//
//	AllowList{
//	    "print": nil,
//	    "math":  nil,
//	    "os":    {"time", "clock"},
//	}
type AllowList map[string][]string

// ParseAllowList builds an allow-list from entries of the form "name" or
// "name.member". Entries for the same name merge; a bare "name" entry wins
// over member entries and exposes everything.
func ParseAllowList(entries []string) (AllowList, error) {
	allow := make(AllowList)
	whole := make(map[string]bool)

	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}

		name, member, hasMember := strings.Cut(entry, ".")
		if name == "" || (hasMember && member == "") || strings.Contains(member, ".") {
			return nil, fmt.Errorf("invalid allow-list entry %q (expected name or name.member)", entry)
		}

		if !hasMember {
			whole[name] = true
			allow[name] = nil
			continue
		}
		if whole[name] {
			continue
		}
		allow[name] = appendUnique(allow[name], member)
	}

	return allow, nil
}

// Names returns the allow-listed names in sorted order.
func (a AllowList) Names() []string {
	names := make([]string, 0, len(a))
	for name := range a {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Has reports whether name is allow-listed.
func (a AllowList) Has(name string) bool {
	_, ok := a[name]
	return ok
}

// Clone returns a deep copy.
func (a AllowList) Clone() AllowList {
	out := make(AllowList, len(a))
	for name, members := range a {
		if members == nil {
			out[name] = nil
			continue
		}
		out[name] = append([]string(nil), members...)
	}
	return out
}

// Merge returns a copy of a with every entry of other added. Whole-binding
// entries absorb member entries for the same name.
func (a AllowList) Merge(other AllowList) AllowList {
	out := a.Clone()
	for name, members := range other {
		existing, ok := out[name]
		switch {
		case !ok:
			if members == nil {
				out[name] = nil
			} else {
				out[name] = append([]string(nil), members...)
			}
		case existing == nil:
		case members == nil:
			out[name] = nil
		default:
			for _, m := range members {
				existing = appendUnique(existing, m)
			}
			out[name] = existing
		}
	}
	return out
}

// Without returns a copy of a with the given names removed.
func (a AllowList) Without(names ...string) AllowList {
	out := a.Clone()
	for _, name := range names {
		delete(out, name)
	}
	return out
}

// Entries renders the allow-list back into the "name" / "name.member" form
// accepted by ParseAllowList.
func (a AllowList) Entries() []string {
	var entries []string
	for _, name := range a.Names() {
		members := a[name]
		if len(members) == 0 {
			entries = append(entries, name)
			continue
		}
		sorted := append([]string(nil), members...)
		sort.Strings(sorted)
		for _, m := range sorted {
			entries = append(entries, name+"."+m)
		}
	}
	return entries
}

func appendUnique(list []string, s string) []string {
	for _, existing := range list {
		if existing == s {
			return list
		}
	}
	return append(list, s)
}
