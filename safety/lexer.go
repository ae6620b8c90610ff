package safety

import (
	"fmt"
	"strings"
)

// lexRules captures the quoting and comment syntax of one SQL dialect.
// Comment stripping must never remove text the database would run as code,
// so every rule errs toward treating ambiguous text as code.
type lexRules struct {
	backslashEscapes   bool // backslash escapes inside '...'
	escapeStringPrefix bool // E'...' strings use backslash escapes
	dollarQuotes       bool // $tag$...$tag$ literals
	nestedComments     bool // /* /* */ */ nests
	hashComments       bool // # starts a line comment
	keepHints          bool // /*! ... */ and /*+ ... */ are executed, not ignored
	backticks          bool // `identifier`
	brackets           bool // [identifier]
}

func rulesFor(dialect string) lexRules {
	switch strings.ToLower(strings.TrimSpace(dialect)) {
	case "postgres", "postgresql":
		return lexRules{escapeStringPrefix: true, dollarQuotes: true, nestedComments: true}
	case "mysql", "mariadb":
		return lexRules{backslashEscapes: true, hashComments: true, keepHints: true, backticks: true}
	case "sqlite", "sqlite3":
		return lexRules{backticks: true, brackets: true}
	default:
		return lexRules{}
	}
}

// stripComments returns src with comments replaced by a single space.
// Quoted literals and identifiers are copied verbatim.
func stripComments(src string, rules lexRules) (string, error) {
	var out strings.Builder
	out.Grow(len(src))

	n := len(src)
	for i := 0; i < n; {
		c := src[i]
		next := byte(0)
		if i+1 < n {
			next = src[i+1]
		}

		switch {
		case c == '-' && next == '-', c == '#' && rules.hashComments:
			end := strings.IndexByte(src[i:], '\n')
			if end < 0 {
				i = n
			} else {
				i += end
			}
			out.WriteByte(' ')

		case c == '/' && next == '*':
			end, err := blockCommentEnd(src, i, rules.nestedComments)
			if err != nil {
				return "", err
			}
			if rules.keepHints && i+2 < n && (src[i+2] == '!' || src[i+2] == '+') {
				out.WriteString(src[i:end])
			} else {
				out.WriteByte(' ')
			}
			i = end

		case c == '\'':
			escapes := rules.backslashEscapes || (rules.escapeStringPrefix && hasEscapePrefix(src, i))
			end, err := quotedEnd(src, i, '\'', escapes)
			if err != nil {
				return "", err
			}
			out.WriteString(src[i:end])
			i = end

		case c == '"', c == '`' && rules.backticks:
			end, err := quotedEnd(src, i, c, false)
			if err != nil {
				return "", err
			}
			out.WriteString(src[i:end])
			i = end

		case c == '[' && rules.brackets:
			end := strings.IndexByte(src[i:], ']')
			if end < 0 {
				return "", fmt.Errorf("unterminated bracket identifier at offset %d", i)
			}
			out.WriteString(src[i : i+end+1])
			i += end + 1

		case c == '$' && rules.dollarQuotes:
			tag := dollarTag(src, i)
			if tag == "" {
				out.WriteByte(c)
				i++
				continue
			}
			closing := strings.Index(src[i+len(tag):], tag)
			if closing < 0 {
				return "", fmt.Errorf("unterminated dollar-quoted literal at offset %d", i)
			}
			end := i + len(tag) + closing + len(tag)
			out.WriteString(src[i:end])
			i = end

		default:
			out.WriteByte(c)
			i++
		}
	}

	return out.String(), nil
}

func blockCommentEnd(src string, start int, nested bool) (int, error) {
	depth := 1
	for i := start + 2; i < len(src)-1; i++ {
		switch {
		case src[i] == '*' && src[i+1] == '/':
			depth--
			i++
			if depth == 0 || !nested {
				return i + 1, nil
			}
		case nested && src[i] == '/' && src[i+1] == '*':
			depth++
			i++
		}
	}
	return 0, fmt.Errorf("unterminated block comment at offset %d", start)
}

func quotedEnd(src string, start int, quote byte, escapes bool) (int, error) {
	for i := start + 1; i < len(src); i++ {
		switch {
		case escapes && src[i] == '\\':
			i++
		case src[i] == quote:
			if i+1 < len(src) && src[i+1] == quote {
				i++
				continue
			}
			return i + 1, nil
		}
	}
	return 0, fmt.Errorf("unterminated quoted text at offset %d", start)
}

func hasEscapePrefix(src string, quote int) bool {
	if quote == 0 || (src[quote-1] != 'E' && src[quote-1] != 'e') {
		return false
	}
	return quote < 2 || !isWordByte(src[quote-2])
}

// dollarTag returns the opening $tag$ at position i, or "" if there is none.
func dollarTag(src string, i int) string {
	if i > 0 && isWordByte(src[i-1]) {
		return ""
	}
	for j := i + 1; j < len(src); j++ {
		c := src[j]
		switch {
		case c == '$':
			return src[i : j+1]
		case c == '_' || isLetter(c):
		case c >= '0' && c <= '9' && j > i+1:
		default:
			return ""
		}
	}
	return ""
}

func isLetter(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isWordByte(c byte) bool {
	return isLetter(c) || (c >= '0' && c <= '9') || c == '_' || c == '$'
}
