// Package sqlguard admits only single read-only statements for execution.
package sqlguard

import (
	"errors"
	"fmt"
	"strings"

	"github.com/xwb1989/sqlparser"

	"saleslens.org/internal/sqltext"
)

// ErrForbidden is returned for anything other than a single SELECT/WITH statement.
var ErrForbidden = errors.New("sqlguard: statement type not allowed")

// DefaultTables are the relations generated statements may read.
var DefaultTables = []string{"sales_data", "regions"}

// Analysis describes an admitted statement.
type Analysis struct {
	// Statement is the input without surrounding whitespace or a trailing semicolon.
	Statement string
	// Parsed is true when the AST parser understood the statement.
	Parsed bool
	Tables []string
}

var forbiddenKeywords = map[string]struct{}{
	"insert": {}, "update": {}, "delete": {}, "merge": {}, "upsert": {},
	"drop": {}, "create": {}, "alter": {}, "truncate": {}, "rename": {},
	"grant": {}, "revoke": {}, "copy": {}, "call": {}, "execute": {},
	"vacuum": {}, "into": {}, "lock": {}, "listen": {}, "notify": {},
	"prepare": {}, "deallocate": {}, "refresh": {}, "reindex": {}, "cluster": {},
	"import": {}, "load": {},
}

// Functions that escape the read-only contract or touch the session identity.
var forbiddenFunctions = map[string]struct{}{
	"set_config": {}, "current_setting": {}, "pg_sleep": {}, "dblink": {},
	"dblink_exec": {}, "lo_import": {}, "lo_export": {}, "lo_get": {}, "pg_read_file": {},
	"pg_read_binary_file": {}, "pg_ls_dir": {}, "pg_stat_file": {}, "pg_terminate_backend": {},
	"pg_cancel_backend": {}, "pg_reload_conf": {}, "pg_advisory_lock": {},
	"pg_advisory_xact_lock": {}, "nextval": {}, "setval": {},
	// These run SQL text or dump relations, which would bypass the table list.
	"query_to_xml": {}, "query_to_xml_and_xmlschema": {}, "table_to_xml": {},
	"table_to_xml_and_xmlschema": {}, "cursor_to_xml": {}, "schema_to_xml": {},
	"database_to_xml": {}, "ts_stat": {},
}

// Guard admits statements that read only from its allowed tables.
type Guard struct {
	tables map[string]struct{}
}

// New returns a Guard over tables, or DefaultTables when none are given.
// Names are matched case-insensitively, with or without a public. qualifier.
func New(tables ...string) *Guard {
	if len(tables) == 0 {
		tables = DefaultTables
	}
	g := &Guard{tables: make(map[string]struct{}, len(tables))}
	for _, t := range tables {
		if t = strings.ToLower(strings.TrimSpace(t)); t != "" {
			g.tables[strings.TrimPrefix(t, "public.")] = struct{}{}
		}
	}
	return g
}

var defaultGuard = New()

// Check admits sqlText with the default table set.
func Check(sqlText string) (Analysis, error) {
	return defaultGuard.Check(sqlText)
}

// Check admits sqlText when it is exactly one read statement over allowed tables.
func (g *Guard) Check(sqlText string) (Analysis, error) {
	stmt := strings.TrimSpace(sqlText)
	toks, err := sqltext.Lex(stmt)
	if err != nil {
		return Analysis{}, fmt.Errorf("%w: %w", ErrForbidden, err)
	}
	if err := sqltext.CheckBalance(toks); err != nil {
		return Analysis{}, fmt.Errorf("%w: %w", ErrForbidden, err)
	}
	if err := checkUnicodeEscapes(toks); err != nil {
		return Analysis{}, err
	}
	sig := sqltext.Significant(toks)
	for len(sig) > 0 && sig[len(sig)-1].Kind == sqltext.Semicolon {
		sig = sig[:len(sig)-1]
	}
	if len(sig) == 0 {
		return Analysis{}, fmt.Errorf("%w: empty statement", ErrForbidden)
	}
	stmt = trimTrailingSemicolons(toks)

	first := 0
	for first < len(sig) && sig[first].Kind == sqltext.LParen {
		first++
	}
	if first == len(sig) || !(sig[first].Is("select") || sig[first].Is("with")) {
		return Analysis{}, fmt.Errorf("%w: must start with SELECT or WITH", ErrForbidden)
	}
	for i, t := range sig {
		switch t.Kind {
		case sqltext.Semicolon:
			return Analysis{}, fmt.Errorf("%w: multiple statements", ErrForbidden)
		case sqltext.Variable:
			return Analysis{}, fmt.Errorf("%w: session variable %s", ErrForbidden, t.Text)
		case sqltext.Word:
			word := strings.ToLower(t.Text)
			if _, bad := forbiddenKeywords[word]; bad {
				return Analysis{}, fmt.Errorf("%w: keyword %s", ErrForbidden, strings.ToUpper(word))
			}
			if isCall(sig, i) {
				if _, bad := forbiddenFunctions[word]; bad {
					return Analysis{}, fmt.Errorf("%w: function %s", ErrForbidden, word)
				}
			}
		case sqltext.QuotedIdent:
			// "set_config"( names the same function; case is folded so no
			// spelling of a denied name gets through.
			if isCall(sig, i) {
				name := strings.ToLower(Unquote(t.Text))
				if _, bad := forbiddenFunctions[name]; bad {
					return Analysis{}, fmt.Errorf("%w: function %s", ErrForbidden, name)
				}
			}
		}
	}

	refs := scanTables(sig)
	if err := g.allow(refs.tables, refs.ctes); err != nil {
		return Analysis{}, err
	}

	a := Analysis{Statement: stmt, Tables: refs.tables}
	parsed, err := sqlparser.Parse(stmt)
	if err != nil {
		// PostgreSQL syntax the MySQL-dialect parser cannot read; the lexical
		// checks above already decided.
		return a, nil
	}
	switch s := parsed.(type) {
	case *sqlparser.Select, *sqlparser.Union, *sqlparser.ParenSelect:
		a.Parsed = true
		a.Tables = tableNames(s)
		if err := g.allow(a.Tables, refs.ctes); err != nil {
			return Analysis{}, err
		}
		return a, nil
	default:
		return Analysis{}, fmt.Errorf("%w: %T", ErrForbidden, parsed)
	}
}

func (g *Guard) allow(tables []string, ctes map[string]struct{}) error {
	for _, name := range tables {
		if _, ok := ctes[name]; ok {
			continue
		}
		if _, ok := g.tables[strings.TrimPrefix(name, "public.")]; !ok {
			return fmt.Errorf("%w: table %s", ErrForbidden, name)
		}
	}
	return nil
}

func isCall(sig []sqltext.Token, i int) bool {
	return i+1 < len(sig) && sig[i+1].Kind == sqltext.LParen
}

// checkUnicodeEscapes rejects U&"..." identifiers and U&'...' literals, whose
// text only resolves after escape processing.
func checkUnicodeEscapes(toks []sqltext.Token) error {
	for i := 0; i+2 < len(toks); i++ {
		if toks[i].Kind == sqltext.Word && strings.EqualFold(toks[i].Text, "u") &&
			toks[i+1].Kind == sqltext.Op && toks[i+1].Text == "&" &&
			(toks[i+2].Kind == sqltext.QuotedIdent || toks[i+2].Kind == sqltext.String) {
			return fmt.Errorf("%w: unicode escape", ErrForbidden)
		}
	}
	return nil
}

// Unquote strips identifier quotes and undoubles embedded ones.
func Unquote(ident string) string {
	if len(ident) < 2 {
		return ident
	}
	q := ident[0]
	if (q != '"' && q != '`') || ident[len(ident)-1] != q {
		return ident
	}
	return strings.ReplaceAll(ident[1:len(ident)-1], string([]byte{q, q}), string(q))
}

func trimTrailingSemicolons(toks []sqltext.Token) string {
	end := len(toks)
	for end > 0 && (toks[end-1].Trivia() || toks[end-1].Kind == sqltext.Semicolon) {
		end--
	}
	return strings.TrimSpace(sqltext.Join(toks[:end]))
}

func tableNames(node sqlparser.SQLNode) []string {
	seen := map[string]struct{}{}
	var out []string
	_ = sqlparser.Walk(func(n sqlparser.SQLNode) (bool, error) {
		ate, ok := n.(*sqlparser.AliasedTableExpr)
		if !ok {
			return true, nil
		}
		if tn, ok := ate.Expr.(sqlparser.TableName); ok && !tn.IsEmpty() {
			name := strings.ToLower(tn.Name.String())
			if q := tn.Qualifier.String(); q != "" {
				name = strings.ToLower(q) + "." + name
			}
			if _, dup := seen[name]; !dup {
				seen[name] = struct{}{}
				out = append(out, name)
			}
		}
		return true, nil
	}, node)
	return out
}
