package masking

import (
	"strings"

	"saleslens.org/internal/sqltext"
)

type class int

const (
	business class = iota
	security
	mixed
)

// Words that end a WHERE/HAVING/ON body at the same nesting depth.
var clauseTerminators = map[string]struct{}{
	"where": {}, "having": {}, "on": {}, "group": {}, "order": {}, "limit": {},
	"offset": {}, "union": {}, "intersect": {}, "except": {}, "window": {},
	"fetch": {}, "for": {}, "returning": {}, "join": {}, "inner": {}, "left": {},
	"right": {}, "full": {}, "cross": {}, "natural": {}, "using": {}, "qualify": {},
}

func isClauseKeyword(t sqltext.Token) bool {
	return t.Is("where") || t.Is("having") || t.Is("on") || t.Is("qualify")
}

// rewrite masks parenthesised groups first so that a subquery's own
// predicates are handled before the enclosing clause is classified.
// quantified is set inside a subquery whose row count is itself a predicate,
// as under EXISTS or IN.
func (m *Masker) rewrite(toks []sqltext.Token, quantified bool) ([]sqltext.Token, error) {
	out := make([]sqltext.Token, 0, len(toks))
	for i := 0; i < len(toks); i++ {
		if toks[i].Kind != sqltext.LParen {
			out = append(out, toks[i])
			continue
		}
		j := matchParen(toks, i)
		inner, err := m.rewrite(toks[i+1:j], quantified || quantifies(out))
		if err != nil {
			return nil, err
		}
		out = append(out, toks[i])
		out = append(out, inner...)
		out = append(out, toks[j])
		i = j
	}
	return m.stripClauses(out, quantified)
}

// quantifies reports whether the last significant token of toks turns the
// group that follows into a predicate over its rows.
func quantifies(toks []sqltext.Token) bool {
	for k := len(toks) - 1; k >= 0; k-- {
		if toks[k].Trivia() {
			continue
		}
		t := toks[k]
		return t.Is("exists") || t.Is("in") || t.Is("not") || t.Is("any") || t.Is("all") || t.Is("some")
	}
	return false
}

// stripClauses filters the conjuncts of every top-level clause in toks.
func (m *Masker) stripClauses(toks []sqltext.Token, quantified bool) ([]sqltext.Token, error) {
	out := make([]sqltext.Token, 0, len(toks))
	depth := 0
	for i := 0; i < len(toks); {
		t := toks[i]
		switch t.Kind {
		case sqltext.LParen:
			depth++
		case sqltext.RParen:
			depth--
		}
		if depth != 0 || !isClauseKeyword(t) {
			out = append(out, t)
			i++
			continue
		}
		end := clauseEnd(toks, i+1)
		kept, dropped, err := m.filterConjuncts(toks[i+1 : end])
		if err != nil {
			return nil, err
		}
		switch {
		case !dropped:
			out = append(out, toks[i:end]...)
		case len(sqltext.Significant(kept)) == 0:
			if t.Is("on") {
				return nil, errEmptyJoin
			}
			if quantified {
				return nil, errQuantified
			}
			if end == len(toks) {
				for len(out) > 0 && out[len(out)-1].Kind == sqltext.Space {
					out = out[:len(out)-1]
				}
			} else if len(out) > 0 && !out[len(out)-1].Trivia() {
				out = append(out, sqltext.Token{Kind: sqltext.Space, Text: " "})
			}
		default:
			out = append(out, t)
			out = append(out, kept...)
			if end == len(toks) {
				for len(out) > 0 && out[len(out)-1].Kind == sqltext.Space {
					out = out[:len(out)-1]
				}
			}
		}
		i = end
	}
	return out, nil
}

// clauseEnd returns the index of the first token at depth zero that ends a
// clause body starting at start.
func clauseEnd(toks []sqltext.Token, start int) int {
	depth := 0
	for j := start; j < len(toks); j++ {
		t := toks[j]
		switch t.Kind {
		case sqltext.LParen:
			depth++
			continue
		case sqltext.RParen:
			depth--
			continue
		}
		if depth != 0 {
			continue
		}
		switch t.Kind {
		case sqltext.Comma, sqltext.Semicolon:
			return j
		case sqltext.Word:
			if _, ok := clauseTerminators[strings.ToLower(t.Text)]; ok && !calledAsFunction(toks, j) {
				return j
			}
		}
	}
	return len(toks)
}

// calledAsFunction reports whether toks[j] is followed by "(", as in left(x, 2).
func calledAsFunction(toks []sqltext.Token, j int) bool {
	for k := j + 1; k < len(toks); k++ {
		if toks[k].Trivia() {
			continue
		}
		return toks[k].Kind == sqltext.LParen
	}
	return false
}

// filterConjuncts drops security conjuncts from a clause body. kept preserves
// the original text of surviving conjuncts and the AND tokens between them.
func (m *Masker) filterConjuncts(body []sqltext.Token) (kept []sqltext.Token, dropped bool, err error) {
	segments, separators := splitTopLevel(body, "and")
	classes := make([]class, len(segments))
	for i, seg := range segments {
		c, err := m.classify(seg)
		if err != nil {
			return nil, false, err
		}
		if c == mixed {
			return nil, false, errMixed
		}
		classes[i] = c
		if c == security {
			dropped = true
		}
	}
	if !dropped {
		return body, false, nil
	}
	first := true
	for i, seg := range segments {
		if classes[i] == security {
			continue
		}
		if !first {
			kept = append(kept, separators[i-1])
		}
		kept = append(kept, seg...)
		first = false
	}
	return kept, true, nil
}

// classify decides whether an expression is business logic, pure security
// context, or an inseparable mix of both.
func (m *Masker) classify(expr []sqltext.Token) (class, error) {
	if len(sqltext.Significant(expr)) == 0 {
		return mixed, errEmptyTerm
	}
	if !m.hasMarker(expr) {
		return business, nil
	}
	inner := stripOuterParens(expr)
	for _, op := range []string{"and", "or"} {
		parts, _ := splitTopLevel(inner, op)
		if len(parts) < 2 {
			continue
		}
		result := class(-1)
		for _, p := range parts {
			c, err := m.classify(p)
			if err != nil {
				return mixed, err
			}
			switch {
			case result == -1:
				result = c
			case result != c:
				result = mixed
			}
		}
		return result, nil
	}
	return m.classifyAtom(inner), nil
}

// Words that carry no column reference in a security predicate.
var securityVocabulary = map[string]struct{}{
	"true": {}, "false": {}, "null": {}, "is": {}, "not": {}, "in": {},
	"any": {}, "all": {}, "some": {}, "array": {}, "and": {}, "or": {},
	"select": {}, "from": {}, "distinct": {}, "as": {}, "exists": {},
	"like": {}, "ilike": {}, "between": {}, "unknown": {},
}

// classifyAtom decides a marker-bearing expression that has no top-level
// AND/OR. It is security only when nothing but policy columns, calls,
// casts and literals appear outside marker-bearing subqueries.
func (m *Masker) classifyAtom(expr []sqltext.Token) class {
	sig := sqltext.Significant(expr)
	for i := 0; i < len(sig); i++ {
		t := sig[i]
		switch t.Kind {
		case sqltext.LParen:
			if i+1 < len(sig) && (sig[i+1].Is("select") || sig[i+1].Is("with")) {
				j := matchParen(sig, i)
				if m.hasMarker(sig[i+1 : j]) {
					i = j
				}
			}
		case sqltext.Word, sqltext.QuotedIdent:
			if t.Is("case") {
				return mixed
			}
			if i+1 < len(sig) && (sig[i+1].Kind == sqltext.LParen || (sig[i+1].Kind == sqltext.Op && sig[i+1].Text == ".")) {
				continue
			}
			if i > 0 && ((sig[i-1].Kind == sqltext.Op && sig[i-1].Text == "::") || sig[i-1].Is("as")) {
				continue
			}
			name := strings.ToLower(strings.Trim(t.Text, "\"`"))
			if t.Kind == sqltext.Word {
				if _, ok := securityVocabulary[name]; ok {
					continue
				}
			}
			if _, ok := m.columns[name]; !ok {
				return mixed
			}
		}
	}
	return security
}

// splitTopLevel splits toks at depth-zero occurrences of the keyword op,
// ignoring the AND of BETWEEN x AND y and anything inside CASE ... END.
func splitTopLevel(toks []sqltext.Token, op string) (parts [][]sqltext.Token, seps []sqltext.Token) {
	depth, caseDepth := 0, 0
	between := false
	start := 0
	for i, t := range toks {
		switch t.Kind {
		case sqltext.LParen:
			depth++
			continue
		case sqltext.RParen:
			depth--
			continue
		}
		if depth != 0 || t.Kind != sqltext.Word {
			continue
		}
		switch {
		case t.Is("case"):
			caseDepth++
		case t.Is("end") && caseDepth > 0:
			caseDepth--
		case t.Is("between"):
			between = true
		case caseDepth == 0 && t.Is(op):
			if op == "and" && between {
				between = false
				continue
			}
			parts = append(parts, toks[start:i])
			seps = append(seps, t)
			start = i + 1
		}
	}
	parts = append(parts, toks[start:])
	return parts, seps
}

// stripOuterParens removes parentheses that wrap the whole expression.
func stripOuterParens(toks []sqltext.Token) []sqltext.Token {
	for {
		lo, hi := 0, len(toks)-1
		for lo <= hi && toks[lo].Trivia() {
			lo++
		}
		for hi >= lo && toks[hi].Trivia() {
			hi--
		}
		if lo >= hi || toks[lo].Kind != sqltext.LParen || matchParen(toks, lo) != hi {
			return toks
		}
		toks = toks[lo+1 : hi]
	}
}

// matchParen returns the index of the parenthesis closing toks[open].
// Callers guarantee balance.
func matchParen(toks []sqltext.Token, open int) int {
	depth := 0
	for i := open; i < len(toks); i++ {
		switch toks[i].Kind {
		case sqltext.LParen:
			depth++
		case sqltext.RParen:
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return len(toks) - 1
}
