package sqlcheck

import (
	"strings"
	"unicode"
)

// tokenKind classifies scanner output.
type tokenKind int

const (
	tokenWord tokenKind = iota // keyword or identifier
	tokenString
	tokenNumber
	tokenSymbol
)

// token is one lexical element of a SQL statement. Upper holds the
// uppercased text for words so keyword checks are case-insensitive;
// Text preserves the original spelling.
type token struct {
	Kind  tokenKind
	Text  string
	Upper string
	Pos   int // byte offset in the normalized SQL
}

// scan tokenizes SQL into words, string literals, numbers and symbols.
// Comments (-- and /* */) are dropped. Quoted identifiers ("name",
// [name], `name`) come back as words with the quoting removed.
func scan(sql string) []token {
	var tokens []token
	i := 0
	n := len(sql)

	for i < n {
		c := sql[i]

		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			i++

		case c == '-' && i+1 < n && sql[i+1] == '-':
			for i < n && sql[i] != '\n' {
				i++
			}

		case c == '/' && i+1 < n && sql[i+1] == '*':
			i += 2
			for i+1 < n && !(sql[i] == '*' && sql[i+1] == '/') {
				i++
			}
			i += 2

		case c == '\'':
			start := i
			i++
			for i < n {
				if sql[i] == '\'' {
					// Doubled quote is an escaped quote.
					if i+1 < n && sql[i+1] == '\'' {
						i += 2
						continue
					}
					i++
					break
				}
				i++
			}
			tokens = append(tokens, token{Kind: tokenString, Text: sql[start:i], Pos: start})

		case c == '"' || c == '`':
			quote := c
			start := i
			i++
			for i < n && sql[i] != quote {
				i++
			}
			text := sql[start+1 : min(i, n)]
			if i < n {
				i++
			}
			tokens = append(tokens, token{Kind: tokenWord, Text: text, Upper: strings.ToUpper(text), Pos: start})

		case c == '[':
			start := i
			i++
			for i < n && sql[i] != ']' {
				i++
			}
			text := sql[start+1 : min(i, n)]
			if i < n {
				i++
			}
			tokens = append(tokens, token{Kind: tokenWord, Text: text, Upper: strings.ToUpper(text), Pos: start})

		case isWordStart(rune(c)):
			start := i
			for i < n && isWordPart(rune(sql[i])) {
				i++
			}
			text := sql[start:i]
			tokens = append(tokens, token{Kind: tokenWord, Text: text, Upper: strings.ToUpper(text), Pos: start})

		case c >= '0' && c <= '9':
			start := i
			for i < n && (sql[i] >= '0' && sql[i] <= '9' || sql[i] == '.') {
				i++
			}
			tokens = append(tokens, token{Kind: tokenNumber, Text: sql[start:i], Pos: start})

		default:
			tokens = append(tokens, token{Kind: tokenSymbol, Text: string(c), Pos: i})
			i++
		}
	}

	return tokens
}

func isWordStart(r rune) bool {
	return unicode.IsLetter(r) || r == '_' || r == '@' || r == '#' || r == '$'
}

func isWordPart(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_' || r == '$'
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// stripComments returns sql with comments removed, for raw-text
// pattern scans that should not be fooled by commented-out fragments.
func stripComments(sql string) string {
	var b strings.Builder
	i, n := 0, len(sql)
	for i < n {
		switch {
		case sql[i] == '-' && i+1 < n && sql[i+1] == '-':
			for i < n && sql[i] != '\n' {
				i++
			}
		case sql[i] == '/' && i+1 < n && sql[i+1] == '*':
			i += 2
			for i+1 < n && !(sql[i] == '*' && sql[i+1] == '/') {
				i++
			}
			i += 2
		case sql[i] == '\'':
			start := i
			i++
			for i < n {
				if sql[i] == '\'' {
					if i+1 < n && sql[i+1] == '\'' {
						i += 2
						continue
					}
					i++
					break
				}
				i++
			}
			b.WriteString(sql[start:min(i, n)])
		default:
			b.WriteByte(sql[i])
			i++
		}
	}
	return b.String()
}

// hasSemicolonOutsideStrings reports whether any semicolon appears
// outside string literals, which indicates stacked statements after
// the trailing semicolon has been stripped.
func hasSemicolonOutsideStrings(sql string) bool {
	for _, tok := range scan(sql) {
		if tok.Kind == tokenSymbol && tok.Text == ";" {
			return true
		}
	}
	return false
}

// normalize trims whitespace and strips one trailing semicolon.
func normalize(sql string) string {
	sql = strings.TrimSpace(sql)
	sql = strings.TrimRight(sql, " \t\n\r")
	if strings.HasSuffix(sql, ";") {
		sql = strings.TrimRight(strings.TrimSuffix(sql, ";"), " \t\n\r")
	}
	return sql
}
