// Package sqltext splits SQL text into tokens without losing a byte of the
// original, so callers can rewrite statements and reassemble the rest verbatim.
package sqltext

import (
	"errors"
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Kind classifies a token.
type Kind int

const (
	Space Kind = iota
	Comment
	Word
	QuotedIdent
	String
	Number
	Param    // $1
	Variable // $name session variable
	LParen
	RParen
	Comma
	Semicolon
	Op
)

// Token is a lexeme with its exact source text.
type Token struct {
	Kind Kind
	Text string
}

// Is reports whether t is the keyword kw (case-insensitive).
func (t Token) Is(kw string) bool {
	return t.Kind == Word && strings.EqualFold(t.Text, kw)
}

// Trivia reports whether the token carries no meaning (space or comment).
func (t Token) Trivia() bool {
	return t.Kind == Space || t.Kind == Comment
}

var (
	ErrUnterminated = errors.New("sqltext: unterminated literal or comment")
	ErrUnbalanced   = errors.New("sqltext: unbalanced parentheses")
)

// Lex tokenizes s. Concatenating the Text of every returned token yields s.
func Lex(s string) ([]Token, error) {
	var toks []Token
	i := 0
	for i < len(s) {
		c := s[i]
		start := i
		switch {
		case isSpace(c):
			for i < len(s) && isSpace(s[i]) {
				i++
			}
			toks = append(toks, Token{Space, s[start:i]})

		case c == '-' && i+1 < len(s) && s[i+1] == '-':
			end := strings.IndexByte(s[i:], '\n')
			if end < 0 {
				i = len(s)
			} else {
				i += end
			}
			toks = append(toks, Token{Comment, s[start:i]})

		case c == '/' && i+1 < len(s) && s[i+1] == '*':
			end, err := blockCommentEnd(s, i)
			if err != nil {
				return nil, err
			}
			i = end
			toks = append(toks, Token{Comment, s[start:i]})

		case c == '\'':
			end, err := quotedEnd(s, i, '\'', false)
			if err != nil {
				return nil, err
			}
			i = end
			toks = append(toks, Token{String, s[start:i]})

		case (c == 'e' || c == 'E') && i+1 < len(s) && s[i+1] == '\'':
			end, err := quotedEnd(s, i+1, '\'', true)
			if err != nil {
				return nil, err
			}
			i = end
			toks = append(toks, Token{String, s[start:i]})

		case c == '"' || c == '`':
			end, err := quotedEnd(s, i, c, false)
			if err != nil {
				return nil, err
			}
			i = end
			toks = append(toks, Token{QuotedIdent, s[start:i]})

		case c == '$':
			tok, end, err := dollar(s, i)
			if err != nil {
				return nil, err
			}
			i = end
			toks = append(toks, tok)

		case isDigit(c) || (c == '.' && i+1 < len(s) && isDigit(s[i+1])):
			i = numberEnd(s, i)
			toks = append(toks, Token{Number, s[start:i]})

		case isIdentStart(s, i):
			i = identEnd(s, i)
			toks = append(toks, Token{Word, s[start:i]})

		case c == '(':
			i++
			toks = append(toks, Token{LParen, "("})
		case c == ')':
			i++
			toks = append(toks, Token{RParen, ")"})
		case c == ',':
			i++
			toks = append(toks, Token{Comma, ","})
		case c == ';':
			i++
			toks = append(toks, Token{Semicolon, ";"})

		default:
			i = opEnd(s, i)
			toks = append(toks, Token{Op, s[start:i]})
		}
	}
	return toks, nil
}

// CheckBalance verifies that parentheses nest properly.
func CheckBalance(toks []Token) error {
	depth := 0
	for _, t := range toks {
		switch t.Kind {
		case LParen:
			depth++
		case RParen:
			depth--
			if depth < 0 {
				return ErrUnbalanced
			}
		}
	}
	if depth != 0 {
		return ErrUnbalanced
	}
	return nil
}

// Join concatenates token text.
func Join(toks []Token) string {
	var b strings.Builder
	for _, t := range toks {
		b.WriteString(t.Text)
	}
	return b.String()
}

// Significant returns toks without whitespace and comments.
func Significant(toks []Token) []Token {
	out := make([]Token, 0, len(toks))
	for _, t := range toks {
		if !t.Trivia() {
			out = append(out, t)
		}
	}
	return out
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r' || c == '\f' || c == '\v'
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }

func isIdentStart(s string, i int) bool {
	c := s[i]
	if c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') {
		return true
	}
	if c < utf8.RuneSelf {
		return false
	}
	r, _ := utf8.DecodeRuneInString(s[i:])
	return unicode.IsLetter(r)
}

func identEnd(s string, i int) int {
	for i < len(s) {
		c := s[i]
		if c == '_' || c == '$' || isDigit(c) || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') {
			i++
			continue
		}
		if c >= utf8.RuneSelf {
			r, size := utf8.DecodeRuneInString(s[i:])
			if unicode.IsLetter(r) || unicode.IsDigit(r) {
				i += size
				continue
			}
		}
		break
	}
	return i
}

func numberEnd(s string, i int) int {
	for i < len(s) && (isDigit(s[i]) || s[i] == '.') {
		i++
	}
	if i < len(s) && (s[i] == 'e' || s[i] == 'E') {
		j := i + 1
		if j < len(s) && (s[j] == '+' || s[j] == '-') {
			j++
		}
		if j < len(s) && isDigit(s[j]) {
			i = j
			for i < len(s) && isDigit(s[i]) {
				i++
			}
		}
	}
	return i
}

// quotedEnd returns the index just past the closing quote starting at s[i].
// A doubled quote is an escaped quote; backslash escapes apply when backslash is set.
func quotedEnd(s string, i int, q byte, backslash bool) (int, error) {
	i++
	for i < len(s) {
		switch {
		case backslash && s[i] == '\\':
			i += 2
		case s[i] == q:
			if i+1 < len(s) && s[i+1] == q {
				i += 2
				continue
			}
			return i + 1, nil
		default:
			i++
		}
	}
	return 0, fmt.Errorf("%w: missing %c", ErrUnterminated, q)
}

// blockCommentEnd handles nested /* */ comments as PostgreSQL does.
func blockCommentEnd(s string, i int) (int, error) {
	depth := 0
	for i < len(s) {
		switch {
		case strings.HasPrefix(s[i:], "/*"):
			depth++
			i += 2
		case strings.HasPrefix(s[i:], "*/"):
			depth--
			i += 2
			if depth == 0 {
				return i, nil
			}
		default:
			i++
		}
	}
	return 0, fmt.Errorf("%w: missing */", ErrUnterminated)
}

// dollar lexes $1 parameters, $tag$...$tag$ strings and $name variables.
func dollar(s string, i int) (Token, int, error) {
	start := i
	j := i + 1
	if j < len(s) && isDigit(s[j]) {
		for j < len(s) && isDigit(s[j]) {
			j++
		}
		return Token{Param, s[start:j]}, j, nil
	}
	if j < len(s) && s[j] == '$' {
		return dollarString(s, start, "$$")
	}
	if j < len(s) && isIdentStart(s, j) {
		k := j
		for k < len(s) && (s[k] == '_' || isDigit(s[k]) || (s[k] >= 'a' && s[k] <= 'z') || (s[k] >= 'A' && s[k] <= 'Z')) {
			k++
		}
		if k < len(s) && s[k] == '$' {
			return dollarString(s, start, s[start:k+1])
		}
		return Token{Variable, s[start:k]}, k, nil
	}
	return Token{Op, "$"}, j, nil
}

func dollarString(s string, start int, tag string) (Token, int, error) {
	body := start + len(tag)
	end := strings.Index(s[body:], tag)
	if end < 0 {
		return Token{}, 0, fmt.Errorf("%w: missing %s", ErrUnterminated, tag)
	}
	stop := body + end + len(tag)
	return Token{String, s[start:stop]}, stop, nil
}

const opChars = "+-*/<>=~!@#%^&|`?:.[]{}\\"

func opEnd(s string, i int) int {
	if strings.IndexByte(opChars, s[i]) < 0 {
		// Unknown byte or rune: consume one rune as its own operator.
		_, size := utf8.DecodeRuneInString(s[i:])
		return i + size
	}
	if s[i] == '.' || s[i] == '[' || s[i] == ']' || s[i] == '{' || s[i] == '}' {
		return i + 1
	}
	j := i + 1
	for j < len(s) && strings.IndexByte("+-*/<>=~!@#%^&|?:", s[j]) >= 0 {
		// Stop before a comment opener.
		if strings.HasPrefix(s[j:], "--") || strings.HasPrefix(s[j:], "/*") {
			break
		}
		j++
	}
	return j
}
