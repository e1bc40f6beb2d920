package structs

import (
	"fmt"
	"strconv"
	"strings"
)

// Requirements are a conjunction of key-op-value predicates evaluated
// against a render node's characteristics plus a few built-in keys. A value
// may be:
//
//   - a plain scalar: equality against the characteristic;
//   - a list: membership test;
//   - a string with a leading operator ("<", "<=", ">", ">=", "!=", "="):
//     ordered comparison, numeric when both sides parse as numbers.
//
// Built-in keys resolve from the node itself: "cores", "ram", "speed",
// "host" and "name".

// MatchRequirements reports whether every predicate in reqs holds for rn.
func MatchRequirements(reqs map[string]interface{}, rn *RenderNode) bool {
	for key, want := range reqs {
		have, ok := characteristic(rn, key)
		if !ok {
			return false
		}
		if !matchOne(want, have) {
			return false
		}
	}
	return true
}

func characteristic(rn *RenderNode, key string) (string, bool) {
	switch key {
	case "cores":
		return strconv.Itoa(rn.CoresNumber), true
	case "ram":
		return strconv.Itoa(rn.RamSize), true
	case "speed":
		return strconv.FormatFloat(rn.Speed, 'f', -1, 64), true
	case "host":
		return rn.Host, true
	case "name":
		return rn.Name, true
	}
	v, ok := rn.Characteristics[key]
	return v, ok
}

func matchOne(want interface{}, have string) bool {
	switch w := want.(type) {
	case []interface{}:
		for _, item := range w {
			if scalarString(item) == have {
				return true
			}
		}
		return false
	case []string:
		for _, item := range w {
			if item == have {
				return true
			}
		}
		return false
	case string:
		if op, operand, ok := splitOperator(w); ok {
			return compare(op, have, operand)
		}
		return w == have
	default:
		return scalarString(want) == have
	}
}

func splitOperator(s string) (op, operand string, ok bool) {
	for _, candidate := range []string{"<=", ">=", "!=", "<", ">", "="} {
		if strings.HasPrefix(s, candidate) {
			return candidate, strings.TrimSpace(s[len(candidate):]), true
		}
	}
	return "", "", false
}

func compare(op, have, want string) bool {
	// Numeric comparison when both sides are numbers, lexicographic
	// otherwise.
	lh, lerr := strconv.ParseFloat(have, 64)
	rh, rerr := strconv.ParseFloat(want, 64)
	var cmp int
	if lerr == nil && rerr == nil {
		switch {
		case lh < rh:
			cmp = -1
		case lh > rh:
			cmp = 1
		}
	} else {
		cmp = strings.Compare(have, want)
	}
	switch op {
	case "<":
		return cmp < 0
	case "<=":
		return cmp <= 0
	case ">":
		return cmp > 0
	case ">=":
		return cmp >= 0
	case "!=":
		return cmp != 0
	case "=":
		return cmp == 0
	}
	return false
}

func scalarString(v interface{}) string {
	switch s := v.(type) {
	case string:
		return s
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64)
	case int:
		return strconv.Itoa(s)
	case int64:
		return strconv.FormatInt(s, 10)
	case bool:
		return strconv.FormatBool(s)
	default:
		return fmt.Sprintf("%v", v)
	}
}
