package sqlguard

import (
	"strings"

	"saleslens.org/internal/sqltext"
)

type tableRefs struct {
	tables []string
	ctes   map[string]struct{}
}

// Keywords that close a FROM list at their nesting level. ON and USING do
// not: a comma after a join condition still starts another table reference.
var fromEnders = map[string]struct{}{
	"where": {}, "group": {}, "having": {}, "order": {}, "limit": {}, "offset": {},
	"union": {}, "intersect": {}, "except": {}, "window": {}, "fetch": {}, "for": {},
	"returning": {},
}

// scanTables collects the relations named after FROM, JOIN and commas in a
// FROM list, at every query nesting level. Calls such as generate_series()
// are not relations. sig must be paren balanced.
func scanTables(sig []sqltext.Token) tableRefs {
	refs := tableRefs{ctes: cteNames(sig)}
	seen := map[string]struct{}{}

	// Per nesting level: does it hold a query, and is a FROM list open.
	query := []bool{true}
	inFrom := []bool{false}
	expecting := false

	for i := 0; i < len(sig); i++ {
		t := sig[i]
		depth := len(query) - 1
		switch {
		case t.Kind == sqltext.LParen:
			var next sqltext.Token
			if i+1 < len(sig) {
				next = sig[i+1]
			}
			opens := next.Is("select") || next.Is("with") || next.Is("values")
			query = append(query, opens || expecting)
			// FROM (a JOIN b ON ...) keeps expecting inside the group.
			inFrom = append(inFrom, expecting && !opens)
			expecting = expecting && !opens

		case t.Kind == sqltext.RParen:
			query = query[:depth]
			inFrom = inFrom[:depth]
			expecting = false

		case expecting && (t.Kind == sqltext.Word || t.Kind == sqltext.QuotedIdent):
			if t.Is("lateral") || t.Is("only") {
				continue
			}
			parts := []string{identName(t)}
			for i+2 < len(sig) && sig[i+1].Kind == sqltext.Op && sig[i+1].Text == "." &&
				(sig[i+2].Kind == sqltext.Word || sig[i+2].Kind == sqltext.QuotedIdent) {
				parts = append(parts, identName(sig[i+2]))
				i += 2
			}
			expecting = false
			if isCall(sig, i) {
				continue
			}
			name := strings.Join(parts, ".")
			if _, dup := seen[name]; !dup {
				seen[name] = struct{}{}
				refs.tables = append(refs.tables, name)
			}

		case t.Kind == sqltext.Comma:
			if inFrom[depth] {
				expecting = true
			}

		case t.Is("from"):
			// IS [NOT] DISTINCT FROM compares values.
			if i > 0 && sig[i-1].Is("distinct") && i > 1 && (sig[i-2].Is("is") || sig[i-2].Is("not")) {
				continue
			}
			if query[depth] {
				inFrom[depth] = true
				expecting = true
			}

		case t.Is("join"):
			if query[depth] {
				expecting = true
			}

		case t.Kind == sqltext.Word:
			if _, ok := fromEnders[strings.ToLower(t.Text)]; ok {
				inFrom[depth] = false
			}
		}
	}
	return refs
}

// cteNames returns the names bound by WITH, including those with a column list.
func cteNames(sig []sqltext.Token) map[string]struct{} {
	names := map[string]struct{}{}
	for i, t := range sig {
		if t.Kind != sqltext.Word && t.Kind != sqltext.QuotedIdent {
			continue
		}
		if i == 0 || !(sig[i-1].Is("with") || sig[i-1].Is("recursive") || sig[i-1].Kind == sqltext.Comma) {
			continue
		}
		j := i + 1
		if j < len(sig) && sig[j].Kind == sqltext.LParen {
			j = closingParen(sig, j) + 1
		}
		if j >= len(sig) || !sig[j].Is("as") {
			continue
		}
		j++
		if j < len(sig) && sig[j].Is("not") {
			j++
		}
		if j < len(sig) && sig[j].Is("materialized") {
			j++
		}
		if j < len(sig) && sig[j].Kind == sqltext.LParen {
			names[identName(t)] = struct{}{}
		}
	}
	return names
}

func closingParen(sig []sqltext.Token, open int) int {
	depth := 0
	for i := open; i < len(sig); i++ {
		switch sig[i].Kind {
		case sqltext.LParen:
			depth++
		case sqltext.RParen:
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return len(sig) - 1
}

func identName(t sqltext.Token) string {
	if t.Kind == sqltext.QuotedIdent {
		return strings.ToLower(Unquote(t.Text))
	}
	return strings.ToLower(t.Text)
}
