package core

import "strings"

// MatchName reports whether a dotted resource name matches pattern.
// Segments match exactly, "*" matches one segment and "#" matches zero or
// more segments.
//
//	"billing.*"    matches "billing.invoices"
//	"billing.*"    does NOT match "billing.eu.invoices"
//	"billing.#"    matches "billing.eu.invoices" and "billing"
//	"#.invoices"   matches "eu.billing.invoices"
func MatchName(pattern, name string) bool {
	return matchSegments(strings.Split(pattern, "."), strings.Split(name, "."))
}

func matchSegments(pat, seg []string) bool {
	for len(pat) > 0 {
		switch pat[0] {
		case "#":
			if len(pat) == 1 {
				return true
			}
			for i := 0; i <= len(seg); i++ {
				if matchSegments(pat[1:], seg[i:]) {
					return true
				}
			}
			return false
		case "*":
			if len(seg) == 0 {
				return false
			}
		default:
			if len(seg) == 0 || seg[0] != pat[0] {
				return false
			}
		}
		pat, seg = pat[1:], seg[1:]
	}
	return len(seg) == 0
}
