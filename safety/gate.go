package safety

import (
	"fmt"
	"regexp"
	"strings"
)

// Verdict is the outcome of evaluating a statement
type Verdict struct {
	Safe   bool
	Reason string
}

// AllowedStarters are the statement keywords that may begin a query
var AllowedStarters = []string{"select", "with"}

// DeniedKeywords change data, structure or transaction state
var DeniedKeywords = []string{
	"insert", "update", "delete", "drop", "create", "alter", "truncate",
	"grant", "revoke", "commit", "rollback", "savepoint", "call",
}

var (
	deniedPattern  = regexp.MustCompile(`(?i)\b(` + strings.Join(DeniedKeywords, "|") + `)\b`)
	firstWordRegex = regexp.MustCompile(`^[A-Za-z_]+`)
)

func accept() Verdict {
	return Verdict{Safe: true, Reason: "statement is read-only"}
}

func reject(format string, args ...any) Verdict {
	return Verdict{Safe: false, Reason: fmt.Sprintf(format, args...)}
}

// Evaluate classifies statement for the given dialect. It never fails; any
// input it cannot reason about is rejected.
func Evaluate(statement, dialect string) Verdict {
	if strings.TrimSpace(statement) == "" {
		return reject("empty statement is not allowed")
	}

	code, err := stripComments(statement, rulesFor(dialect))
	if err != nil {
		return reject("statement could not be analysed: %v", err)
	}

	var statements []string
	for _, part := range strings.Split(code, ";") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			statements = append(statements, trimmed)
		}
	}

	switch {
	case len(statements) == 0:
		return reject("statement contains nothing executable once comments are removed")
	case len(statements) > 1:
		return reject("multiple statements in one request are not allowed")
	}

	body := statements[0]
	first := strings.ToLower(firstWordRegex.FindString(body))
	if !isAllowedStarter(first) {
		starter := first
		if starter == "" {
			starter = strings.Fields(body)[0]
		}
		return reject("only statements starting with SELECT or WITH are allowed, got %q", strings.ToUpper(starter))
	}

	if match := deniedPattern.FindString(body); match != "" {
		return reject("statement contains forbidden keyword %q", strings.ToUpper(match))
	}

	return accept()
}

func isAllowedStarter(word string) bool {
	for _, allowed := range AllowedStarters {
		if word == allowed {
			return true
		}
	}
	return false
}
