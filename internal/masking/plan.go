package masking

import (
	"regexp"
	"strings"

	"saleslens.org/internal/sqltext"
)

// planLabel matches predicate lines of a PostgreSQL text plan, e.g.
// "  Filter: (...)" or "  ->  Hash Cond: (...)".
var planLabel = regexp.MustCompile(`^(\s*(?:->\s+)?)((?:[A-Z][A-Za-z-]*\s)*(?:Filter|Cond)):\s(.*)$`)

// MaskPlan masks EXPLAIN output with the default deny-list.
func MaskPlan(lines []string) []string { return defaultMasker.MaskPlan(lines) }

// MaskPlan strips security conjuncts from plan predicate lines. A predicate
// line left empty is dropped; any other line that still references the
// security context collapses to its indentation plus Placeholder.
func (m *Masker) MaskPlan(lines []string) []string {
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		if !m.textHasMarker(line) && !strings.Contains(line, "$") {
			out = append(out, line)
			continue
		}
		masked, keep := m.maskPlanLine(line)
		if keep {
			out = append(out, masked)
		}
	}
	return out
}

func (m *Masker) maskPlanLine(line string) (string, bool) {
	indent := line[:len(line)-len(strings.TrimLeft(line, " \t"))]
	fallback := indent + Placeholder

	match := planLabel.FindStringSubmatch(line)
	if match == nil {
		if m.IsSecurity(line) {
			return fallback, true
		}
		return line, true
	}
	prefix, label, expr := match[1], match[2], match[3]
	toks, err := sqltext.Lex(expr)
	if err != nil || sqltext.CheckBalance(toks) != nil {
		return fallback, true
	}
	if !m.hasMarker(toks) {
		return line, true
	}

	segments, _ := splitTopLevel(stripOuterParens(toks), "and")
	var kept []string
	for _, seg := range segments {
		c, err := m.classify(seg)
		if err != nil || c == mixed {
			return fallback, true
		}
		if c == business {
			kept = append(kept, strings.TrimSpace(sqltext.Join(seg)))
		}
	}
	switch len(kept) {
	case 0:
		return "", false
	case 1:
		expr = kept[0]
	default:
		expr = "(" + strings.Join(kept, " AND ") + ")"
	}
	if m.IsSecurity(expr) {
		return fallback, true
	}
	return prefix + label + ": " + expr, true
}
