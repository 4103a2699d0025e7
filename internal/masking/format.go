package masking

import (
	"strings"

	"saleslens.org/internal/sqltext"
)

var keywords = map[string]struct{}{
	"select": {}, "from": {}, "where": {}, "and": {}, "or": {}, "not": {}, "in": {},
	"is": {}, "null": {}, "as": {}, "on": {}, "join": {}, "inner": {}, "left": {},
	"right": {}, "full": {}, "outer": {}, "cross": {}, "natural": {}, "group": {},
	"by": {}, "order": {}, "having": {}, "limit": {}, "offset": {}, "union": {},
	"all": {}, "intersect": {}, "except": {}, "distinct": {}, "case": {}, "when": {},
	"then": {}, "else": {}, "end": {}, "between": {}, "like": {}, "ilike": {},
	"asc": {}, "desc": {}, "with": {}, "exists": {}, "any": {}, "true": {},
	"false": {}, "using": {}, "interval": {}, "cast": {}, "over": {},
	"partition": {}, "filter": {}, "window": {}, "fetch": {}, "first": {},
	"next": {}, "rows": {}, "only": {}, "nulls": {}, "last": {}, "lateral": {},
}

// Clause starters placed on their own line at nesting depth zero.
var lineStarters = map[string]struct{}{
	"from": {}, "where": {}, "group": {}, "order": {}, "having": {}, "limit": {},
	"offset": {}, "union": {}, "intersect": {}, "except": {}, "join": {},
	"inner": {}, "left": {}, "right": {}, "full": {}, "cross": {}, "natural": {},
	"window": {},
}

// Words after which a JOIN continues the same line.
var joinModifiers = map[string]struct{}{
	"inner": {}, "left": {}, "right": {}, "full": {}, "outer": {}, "cross": {}, "natural": {},
}

// Format uppercases keywords, collapses whitespace and starts each major
// clause on a new line. Text that does not lex, and Placeholder, are
// returned unchanged.
func Format(sqlText string) string {
	if sqlText == Placeholder {
		return sqlText
	}
	toks, err := sqltext.Lex(strings.TrimSpace(sqlText))
	if err != nil {
		return sqlText
	}
	var b strings.Builder
	depth := 0
	prev := ""
	pendingSpace, lineComment := false, false
	for i, t := range toks {
		switch t.Kind {
		case sqltext.Space:
			pendingSpace = true
			continue
		case sqltext.LParen:
			depth++
		case sqltext.RParen:
			depth--
		}
		text := t.Text
		word := ""
		if t.Kind == sqltext.Word {
			word = strings.ToLower(t.Text)
			if _, ok := keywords[word]; ok {
				text = strings.ToUpper(t.Text)
			}
		}
		_, starter := lineStarters[word]
		_, afterModifier := joinModifiers[prev]
		if starter && word == "join" && afterModifier {
			starter = false
		}
		if starter && calledAsFunction(toks, i) {
			starter = false
		}
		switch {
		case b.Len() == 0:
		case (depth == 0 && starter) || lineComment:
			b.WriteByte('\n')
		case pendingSpace:
			b.WriteByte(' ')
		}
		pendingSpace = false
		b.WriteString(text)
		lineComment = t.Kind == sqltext.Comment && strings.HasPrefix(t.Text, "--")
		if t.Kind != sqltext.Comment {
			prev = word
		}
	}
	return b.String()
}
