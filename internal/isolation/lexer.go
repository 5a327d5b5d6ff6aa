package isolation

import (
	"errors"
	"strconv"
	"strings"
)

type tokenKind int

const (
	tkWord tokenKind = iota
	tkIdent
	tkString
	tkNumber
	tkParam
	tkOp
	tkPunct
)

// token is a lexical unit with byte offsets into the source query.
// For parentheses match holds the index of the partner token.
type token struct {
	kind  tokenKind
	text  string
	start int
	end   int
	depth int
	match int
	param int
}

func (t token) is(kw string) bool {
	return t.kind == tkWord && strings.EqualFold(t.text, kw)
}

func (t token) punct(p string) bool {
	return t.kind == tkPunct && t.text == p
}

func (t token) op(o string) bool {
	return t.kind == tkOp && t.text == o
}

// name returns the identifier as Postgres resolves it: unquoted words fold to lower case.
func (t token) name() string {
	if t.kind == tkIdent {
		return t.text
	}
	return strings.ToLower(t.text)
}

func (t token) identifier() bool {
	return t.kind == tkWord || t.kind == tkIdent
}

var (
	errComment        = errors.New("comments are not allowed in queries")
	errMultiStmt      = errors.New("multiple statements are not allowed")
	errDollarQuote    = errors.New("dollar-quoted strings are not supported")
	errUnterminated   = errors.New("unterminated quoted literal")
	errUnbalanced     = errors.New("unbalanced parentheses")
	errEmptyStatement = errors.New("empty statement")
)

const opChars = "+-*/<>=~!@#%^&|`?:"

// lex splits query into tokens, strips one trailing semicolon and rejects
// constructs that could hide text from the scoping rewrite.
func lex(query string) ([]token, error) {
	var toks []token
	i := 0
	n := len(query)

	for i < n {
		c := query[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r' || c == '\f':
			i++

		case c == '\'':
			end, err := scanString(query, i+1, false)
			if err != nil {
				return nil, err
			}
			toks = append(toks, token{kind: tkString, text: query[i:end], start: i, end: end})
			i = end

		case (c == 'E' || c == 'e') && i+1 < n && query[i+1] == '\'':
			end, err := scanString(query, i+2, true)
			if err != nil {
				return nil, err
			}
			toks = append(toks, token{kind: tkString, text: query[i:end], start: i, end: end})
			i = end

		case c == '"':
			j := i + 1
			var b strings.Builder
			for {
				if j >= n {
					return nil, errUnterminated
				}
				if query[j] == '"' {
					if j+1 < n && query[j+1] == '"' {
						b.WriteByte('"')
						j += 2
						continue
					}
					break
				}
				b.WriteByte(query[j])
				j++
			}
			toks = append(toks, token{kind: tkIdent, text: b.String(), start: i, end: j + 1})
			i = j + 1

		case c == '$':
			j := i + 1
			for j < n && isDigit(query[j]) {
				j++
			}
			if j == i+1 {
				return nil, errDollarQuote
			}
			num, err := strconv.Atoi(query[i+1 : j])
			if err != nil || num == 0 {
				return nil, errors.New("invalid placeholder " + query[i:j])
			}
			toks = append(toks, token{kind: tkParam, text: query[i:j], start: i, end: j, param: num})
			i = j

		case isIdentStart(c):
			j := i + 1
			for j < n && isIdentPart(query[j]) {
				j++
			}
			if j < n && query[j] == '$' {
				return nil, errDollarQuote
			}
			toks = append(toks, token{kind: tkWord, text: query[i:j], start: i, end: j})
			i = j

		case isDigit(c) || (c == '.' && i+1 < n && isDigit(query[i+1])):
			j := scanNumber(query, i)
			toks = append(toks, token{kind: tkNumber, text: query[i:j], start: i, end: j})
			i = j

		case strings.IndexByte(opChars, c) >= 0:
			j := i
			for j < n && strings.IndexByte(opChars, query[j]) >= 0 {
				j++
			}
			op := query[i:j]
			if strings.Contains(op, "--") || strings.Contains(op, "/*") {
				return nil, errComment
			}
			toks = append(toks, token{kind: tkOp, text: op, start: i, end: j})
			i = j

		default:
			toks = append(toks, token{kind: tkPunct, text: query[i : i+1], start: i, end: i + 1})
			i++
		}
	}

	if len(toks) > 0 && toks[len(toks)-1].punct(";") {
		toks = toks[:len(toks)-1]
	}
	if len(toks) == 0 {
		return nil, errEmptyStatement
	}

	var stack []int
	for k := range toks {
		toks[k].match = -1
		toks[k].depth = len(stack)
		switch {
		case toks[k].punct(";"):
			return nil, errMultiStmt
		case toks[k].punct("("):
			stack = append(stack, k)
		case toks[k].punct(")"):
			if len(stack) == 0 {
				return nil, errUnbalanced
			}
			open := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			toks[k].depth = len(stack)
			toks[k].match = open
			toks[open].match = k
		}
	}
	if len(stack) != 0 {
		return nil, errUnbalanced
	}
	return toks, nil
}

func scanString(s string, i int, backslash bool) (int, error) {
	for i < len(s) {
		switch s[i] {
		case '\\':
			if backslash {
				i += 2
				continue
			}
		case '\'':
			if i+1 < len(s) && s[i+1] == '\'' {
				i += 2
				continue
			}
			return i + 1, nil
		}
		i++
	}
	return 0, errUnterminated
}

func scanNumber(s string, i int) int {
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

func isDigit(c byte) bool { return c >= '0' && c <= '9' }

func isIdentStart(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || c >= 0x80
}

func isIdentPart(c byte) bool { return isIdentStart(c) || isDigit(c) }
