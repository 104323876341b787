package results

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/scandhq/scand/internal/nessus"
)

type matcher struct {
	spec  nessus.FieldSpec
	match func(any) bool
}

// compileFilters builds one matcher per filter entry, keyed to the field's
// kind: substring for strings, operator comparison for numbers, equality
// for booleans, any-element substring for lists.
func compileFilters(filters map[string]string) ([]matcher, error) {
	if len(filters) == 0 {
		return nil, nil
	}
	names := make([]string, 0, len(filters))
	for name := range filters {
		names = append(names, name)
	}
	sort.Strings(names)

	matchers := make([]matcher, 0, len(names))
	for _, name := range names {
		spec, ok := nessus.FieldByName(name)
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownField, name)
		}
		match, err := compileMatcher(spec, filters[name])
		if err != nil {
			return nil, err
		}
		matchers = append(matchers, matcher{spec: spec, match: match})
	}
	return matchers, nil
}

func compileMatcher(spec nessus.FieldSpec, expr string) (func(any) bool, error) {
	switch spec.Kind {
	case nessus.FieldNumber:
		op, want, err := parseNumericExpr(expr)
		if err != nil {
			return nil, fmt.Errorf("%w: field %q: %v", ErrBadFilter, spec.Name, err)
		}
		return func(v any) bool {
			got, ok := toFloat(v)
			return ok && compareFloat(op, got, want)
		}, nil
	case nessus.FieldBool:
		want, err := strconv.ParseBool(strings.TrimSpace(expr))
		if err != nil {
			return nil, fmt.Errorf("%w: field %q needs true or false", ErrBadFilter, spec.Name)
		}
		return func(v any) bool {
			got, ok := v.(bool)
			return ok && got == want
		}, nil
	case nessus.FieldList:
		needle := strings.ToLower(strings.TrimSpace(expr))
		return func(v any) bool {
			items, ok := v.([]string)
			if !ok {
				return false
			}
			for _, item := range items {
				if strings.Contains(strings.ToLower(item), needle) {
					return true
				}
			}
			return false
		}, nil
	default:
		needle := strings.ToLower(strings.TrimSpace(expr))
		return func(v any) bool {
			got, ok := v.(string)
			return ok && strings.Contains(strings.ToLower(got), needle)
		}, nil
	}
}

// parseNumericExpr splits an optional leading operator from the numeric
// value. A bare number means equality.
func parseNumericExpr(expr string) (string, float64, error) {
	expr = strings.TrimSpace(expr)
	op := "="
	for _, candidate := range []string{">=", "<=", ">", "<", "="} {
		if strings.HasPrefix(expr, candidate) {
			op = candidate
			expr = strings.TrimSpace(expr[len(candidate):])
			break
		}
	}
	value, err := strconv.ParseFloat(expr, 64)
	if err != nil {
		return "", 0, fmt.Errorf("%q is not numeric", expr)
	}
	return op, value, nil
}

func compareFloat(op string, got, want float64) bool {
	switch op {
	case ">":
		return got > want
	case ">=":
		return got >= want
	case "<":
		return got < want
	case "<=":
		return got <= want
	default:
		return got == want
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}

func matchRecord(matchers []matcher, r *nessus.Record) bool {
	for _, m := range matchers {
		if !m.match(m.spec.Get(r)) {
			return false
		}
	}
	return true
}
