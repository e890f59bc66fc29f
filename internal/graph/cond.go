package graph

import (
	"fmt"
	"strings"
)

// EvalCondition evaluates the AND-only edge condition language.
//
// Grammar:
//
//	ConditionExpr ::= Clause ( '&&' Clause )*
//	Clause        ::= Key ( '=' | '!=' ) Literal | Key
//
// Keys are resolved through resolve; missing keys resolve to the empty
// string. Comparisons are exact string comparisons. A bare key clause is
// truthy when its value is non-empty and not "false"/"0"/"no". An empty
// condition is always true.
func EvalCondition(condition string, resolve func(key string) string) (bool, error) {
	condition = strings.TrimSpace(condition)
	if condition == "" {
		return true, nil
	}
	for _, clause := range strings.Split(condition, "&&") {
		clause = strings.TrimSpace(clause)
		if clause == "" {
			continue
		}
		ok, err := evalClause(clause, resolve)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

// ValidateCondition checks clause syntax without evaluating. Used by the
// linter so malformed conditions block run creation instead of failing at
// execution time.
func ValidateCondition(condition string) error {
	condition = strings.TrimSpace(condition)
	if condition == "" {
		return nil
	}
	for _, clause := range strings.Split(condition, "&&") {
		clause = strings.TrimSpace(clause)
		if clause == "" {
			continue
		}
		var key string
		switch {
		case strings.Contains(clause, "!="):
			key = strings.TrimSpace(strings.SplitN(clause, "!=", 2)[0])
		case strings.Contains(clause, "="):
			key = strings.TrimSpace(strings.SplitN(clause, "=", 2)[0])
		default:
			key = clause
		}
		if key == "" {
			return fmt.Errorf("invalid clause: %q", clause)
		}
	}
	return nil
}

func evalClause(clause string, resolve func(string) string) (bool, error) {
	if strings.Contains(clause, "!=") {
		parts := strings.SplitN(clause, "!=", 2)
		k := strings.TrimSpace(parts[0])
		if k == "" {
			return false, fmt.Errorf("invalid clause: %q", clause)
		}
		want := strings.TrimSpace(parts[1])
		return resolve(k) != want, nil
	}
	if strings.Contains(clause, "=") {
		parts := strings.SplitN(clause, "=", 2)
		k := strings.TrimSpace(parts[0])
		if k == "" {
			return false, fmt.Errorf("invalid clause: %q", clause)
		}
		want := strings.TrimSpace(parts[1])
		return resolve(k) == want, nil
	}
	// Bare key: truthy if non-empty and not an obvious false value.
	got := resolve(strings.TrimSpace(clause))
	if got == "" {
		return false, nil
	}
	switch strings.ToLower(got) {
	case "false", "0", "no":
		return false, nil
	}
	return true, nil
}
