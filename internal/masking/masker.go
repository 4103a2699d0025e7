// Package masking strips row-policy predicates from SQL text before it is
// shown to a user. Masking is a pure function that fails closed: when a clean
// removal cannot be proven, the whole text is replaced by Placeholder.
package masking

import (
	"errors"
	"fmt"
	"strings"
	"unicode"

	"github.com/xwb1989/sqlparser"

	"saleslens.org/internal/sqltext"
)

// Placeholder replaces any text that cannot be masked safely.
const Placeholder = "query executed with access restrictions applied"

// ErrMaskingFailure wraps every reason for falling back to Placeholder.
var ErrMaskingFailure = errors.New("masking: security predicates cannot be removed safely")

var (
	errEmpty      = errors.New("empty input")
	errMixed      = errors.New("conjunct mixes security and business predicates")
	errEmptyJoin  = errors.New("join condition would be left empty")
	errEmptyTerm  = errors.New("empty conjunct")
	errQuantified = errors.New("subquery under EXISTS, IN or NOT would be left unfiltered")
	errResidual   = errors.New("security marker survived")
	errUnparsable = errors.New("masked statement no longer parses")
)

// DefaultMarkers are matched case-insensitively against the text of each
// predicate with whitespace and identifier quotes removed. String literals do
// not take part, so 'current_user_id' as a value is business data. Any $name
// session variable is a marker as well.
var DefaultMarkers = []string{
	"current_setting(",
	"set_config(",
	"getvariable(",
	"get_user_regions(",
	"accessible_regions",
	"current_user_id",
	"app.is_admin",
	"array_contains(",
	"parse_json(getvariable",
}

// DefaultPolicyColumns may appear next to a marker in a security predicate.
// Any other column makes the predicate business logic as well.
var DefaultPolicyColumns = []string{"region_id"}

// Masker is immutable and safe for concurrent use.
type Masker struct {
	markers    []string
	columns    map[string]struct{}
	regionRule bool
}

// Option configures a Masker.
type Option func(*Masker)

// WithMarkers adds deny-list markers.
func WithMarkers(markers ...string) Option {
	return func(m *Masker) {
		for _, mk := range markers {
			mk = strings.ToLower(strings.Join(strings.Fields(mk), ""))
			if mk != "" {
				m.markers = append(m.markers, mk)
			}
		}
	}
}

// WithPolicyColumns adds columns that security predicates filter on.
func WithPolicyColumns(columns ...string) Option {
	return func(m *Masker) {
		for _, c := range columns {
			if c = strings.ToLower(strings.TrimSpace(c)); c != "" {
				m.columns[c] = struct{}{}
			}
		}
	}
}

// WithRegionLiteralRule also treats literal region filters such as
// "region_id = 3" or "region_id IN (1, 2)" as security predicates. Off by
// default since a user may legitimately ask about one region.
func WithRegionLiteralRule() Option {
	return func(m *Masker) { m.regionRule = true }
}

func New(opts ...Option) *Masker {
	m := &Masker{
		markers: append([]string(nil), DefaultMarkers...),
		columns: make(map[string]struct{}, len(DefaultPolicyColumns)),
	}
	for _, c := range DefaultPolicyColumns {
		m.columns[c] = struct{}{}
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

var defaultMasker = New()

// Mask masks sqlText with the default deny-list.
func Mask(sqlText string) string { return defaultMasker.Mask(sqlText) }

// Mask returns sqlText with security predicates removed, or Placeholder.
// Mask(Mask(x)) == Mask(x) for every x.
func (m *Masker) Mask(sqlText string) string {
	out, err := m.Try(sqlText)
	if err != nil {
		return Placeholder
	}
	return out
}

// Try is Mask that also reports why it fell back. On error the returned text
// is always Placeholder.
func (m *Masker) Try(sqlText string) (string, error) {
	if strings.TrimSpace(sqlText) == "" {
		return fail(errEmpty)
	}
	toks, err := sqltext.Lex(sqlText)
	if err != nil {
		return fail(err)
	}
	if err := sqltext.CheckBalance(toks); err != nil {
		return fail(err)
	}
	if !m.hasMarker(toks) {
		return sqlText, nil
	}

	out, err := m.rewrite(m.scrubComments(toks), false)
	if err != nil {
		return fail(err)
	}
	if m.hasMarker(out) {
		return fail(errResidual)
	}
	masked := strings.TrimRightFunc(sqltext.Join(out), unicode.IsSpace) + trailingSpace(sqlText)
	if strings.TrimSpace(masked) == "" {
		return fail(errEmpty)
	}
	if _, perr := sqlparser.Parse(sqlText); perr == nil {
		if _, perr := sqlparser.Parse(masked); perr != nil {
			return fail(errUnparsable)
		}
	}
	return masked, nil
}

// IsSecurity reports whether a predicate fragment references the security
// context.
func (m *Masker) IsSecurity(fragment string) bool {
	toks, err := sqltext.Lex(fragment)
	if err != nil {
		return m.textHasMarker(fragment)
	}
	return m.hasMarker(toks)
}

func fail(reason error) (string, error) {
	return Placeholder, fmt.Errorf("%w: %w", ErrMaskingFailure, reason)
}

func trailingSpace(s string) string {
	trimmed := strings.TrimRightFunc(s, unicode.IsSpace)
	return s[len(trimmed):]
}

// scrubComments blanks comments that mention a marker.
func (m *Masker) scrubComments(toks []sqltext.Token) []sqltext.Token {
	out := make([]sqltext.Token, len(toks))
	for i, t := range toks {
		if t.Kind == sqltext.Comment && m.textHasMarker(t.Text) {
			t = sqltext.Token{Kind: sqltext.Space, Text: " "}
		}
		out[i] = t
	}
	return out
}

// hasMarker checks the compacted token text against the deny-list.
func (m *Masker) hasMarker(toks []sqltext.Token) bool {
	var b strings.Builder
	for _, t := range toks {
		switch t.Kind {
		case sqltext.Variable:
			return true
		case sqltext.Space:
			continue
		case sqltext.QuotedIdent:
			b.WriteString(strings.Trim(t.Text, "\"`"))
			continue
		case sqltext.String:
			b.WriteString("''")
			continue
		}
		b.WriteString(t.Text)
	}
	if m.textHasMarker(b.String()) {
		return true
	}
	return m.regionRule && hasRegionLiteral(sqltext.Significant(toks))
}

func (m *Masker) textHasMarker(s string) bool {
	lower := strings.ToLower(s)
	compact := strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) || r == '"' || r == '`' {
			return -1
		}
		return r
	}, lower)
	for _, mk := range m.markers {
		if strings.Contains(lower, mk) || strings.Contains(compact, mk) {
			return true
		}
	}
	return false
}

func hasRegionLiteral(sig []sqltext.Token) bool {
	for i := 0; i+2 < len(sig); i++ {
		if !sig[i].Is("region_id") {
			continue
		}
		next := sig[i+1]
		switch {
		case next.Kind == sqltext.Op && next.Text == "=" && sig[i+2].Kind == sqltext.Number:
			return true
		case next.Is("in") && sig[i+2].Kind == sqltext.LParen:
			return true
		}
	}
	return false
}
