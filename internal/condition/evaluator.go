// Package condition evaluates transition guard predicates against an
// instance's data context. Evaluation is pure and requires no locking.
package condition

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/accessworks/adaptflow/model"
)

// Warning is a non-fatal evaluation diagnostic, surfaced when a predicate is
// forced to false because its operands cannot be compared as declared.
type Warning struct {
	Field   string
	Message string
}

// Evaluate walks the linked condition chain left-to-right, combining each
// node's result with the remainder using the node's declared connective.
// Short-circuits: a false node under "and" and a true node under "or" stop
// the walk. A nil condition is vacuously true (an unguarded transition).
func Evaluate(cond *model.Condition, ctx map[string]any) (bool, []Warning) {
	if cond == nil {
		return true, nil
	}

	var warnings []Warning
	result := evalNode(cond, ctx, &warnings)

	for node := cond; node.Next != nil; node = node.Next {
		switch node.Connective {
		case model.ConnectiveOr:
			if !result {
				result = evalNode(node.Next, ctx, &warnings)
			}
		default:
			// "and" is the default connective for chained nodes. The
			// short-circuit skips evaluating the operand only; the fold
			// continues, so a later "or" can still recover the chain.
			if result {
				result = evalNode(node.Next, ctx, &warnings)
			}
		}
	}
	return result, warnings
}

// evalNode computes one (field, operator, value) predicate against the
// context. A missing context field evaluates to false: absent data means
// "not yet applicable", never an error.
func evalNode(node *model.Condition, ctx map[string]any, warnings *[]Warning) bool {
	raw, ok := lookup(ctx, node.Field)
	if !ok {
		return false
	}

	switch node.Operator {
	case model.OpEquals:
		return looseEqual(raw, node.Value)
	case model.OpNotEquals:
		return !looseEqual(raw, node.Value)
	case model.OpGreaterThan, model.OpLessThan:
		left, lok := toNumber(raw)
		right, rok := toNumber(node.Value)
		if !lok || !rok {
			*warnings = append(*warnings, Warning{
				Field:   node.Field,
				Message: fmt.Sprintf("operator %q requires numeric operands, got %T and %T", node.Operator, raw, node.Value),
			})
			return false
		}
		if node.Operator == model.OpGreaterThan {
			return left > right
		}
		return left < right
	case model.OpContains, model.OpNotContains:
		hs, sok := raw.(string)
		if !sok {
			// Non-string values are forced to false for both polarities;
			// negating an un-performable comparison must not make it match.
			*warnings = append(*warnings, Warning{
				Field:   node.Field,
				Message: fmt.Sprintf("operator %q requires a string context value, got %T", node.Operator, raw),
			})
			return false
		}
		found := strings.Contains(hs, stringify(node.Value))
		if node.Operator == model.OpNotContains {
			return !found
		}
		return found
	default:
		*warnings = append(*warnings, Warning{
			Field:   node.Field,
			Message: fmt.Sprintf("unknown operator %q", node.Operator),
		})
		return false
	}
}

// lookup resolves a field in the context, following dots into nested maps.
func lookup(ctx map[string]any, field string) (any, bool) {
	parts := strings.Split(field, ".")
	var current any = ctx
	for _, part := range parts {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

// looseEqual compares two values numerically when both parse as numbers,
// otherwise by their string forms. "5" equals 5 equals 5.0.
func looseEqual(a, b any) bool {
	na, aok := toNumber(a)
	nb, bok := toNumber(b)
	if aok && bok {
		return na == nb
	}
	return stringify(a) == stringify(b)
}

func toNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	}
	return 0, false
}

func stringify(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}
