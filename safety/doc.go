// Package safety decides whether a relational statement may be executed.
//
// The gate is a static, rule-based classifier: comments are removed with a
// dialect-aware lexer, the remaining text must be a single statement that
// starts with a read-only keyword, and no mutating, DDL or
// transaction-control keyword may appear as a whole word anywhere in it.
//
// Usage:
//
//	verdict := safety.Evaluate("SELECT * FROM users", "postgres")
//	if !verdict.Safe {
//	    return result.Failure(result.KindPermission, verdict.Reason)
//	}
package safety
