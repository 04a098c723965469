// Package filter implements the JSON filter expressions attached to saved
// queries: canonical hashing, composition, and best-effort local evaluation.
package filter

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
)

// Filter is a query filter in the server's JSON dialect, e.g.
// {"type": "team"} or {"$and": [{"unread_count": {"$gt": 0}}, ...]}.
type Filter map[string]any

// Fields holds the attributes of an entity that filters are evaluated against.
type Fields map[string]any

// Eq builds {field: {"$eq": value}}.
func Eq(field string, value any) Filter {
	return Filter{field: map[string]any{"$eq": value}}
}

// In builds {field: {"$in": values}}.
func In[T any](field string, values ...T) Filter {
	list := make([]any, 0, len(values))
	for _, v := range values {
		list = append(list, v)
	}
	return Filter{field: map[string]any{"$in": list}}
}

// And combines filters with "$and". Empty filters are skipped.
func And(filters ...Filter) Filter {
	clauses := make([]any, 0, len(filters))
	for _, f := range filters {
		if len(f) == 0 {
			continue
		}
		clauses = append(clauses, map[string]any(f))
	}
	return Filter{"$and": clauses}
}

// Parse decodes a filter from its JSON form.
func Parse(data []byte) (Filter, error) {
	var f Filter
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse filter: %w", err)
	}
	if f == nil {
		f = Filter{}
	}
	return f, nil
}

// JSON returns the canonical encoding (object keys sorted).
func (f Filter) JSON() ([]byte, error) {
	if f == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(map[string]any(f))
}

// Hash returns the hex sha256 of the canonical encoding. Two filters with the
// same content always hash equally regardless of how they were built.
func (f Filter) Hash() string {
	data, err := f.JSON()
	if err != nil {
		data = []byte(fmt.Sprint(map[string]any(f)))
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Match evaluates the filter against fields. decidable is false when the
// filter references an operator or field that cannot be evaluated locally;
// matched is meaningful only when decidable is true.
func (f Filter) Match(fields Fields) (matched, decidable bool) {
	obj, ok := normalize(map[string]any(f)).(map[string]any)
	if !ok {
		return false, false
	}
	nf, ok := normalize(map[string]any(fields)).(map[string]any)
	if !ok {
		return false, false
	}
	return evalObject(obj, nf)
}

func normalize(v any) any {
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil
	}
	return out
}

func evalObject(obj map[string]any, fields map[string]any) (bool, bool) {
	decided := true
	for key, cond := range obj {
		var m, d bool
		switch key {
		case "$and":
			m, d = evalList(cond, fields, true)
		case "$or":
			m, d = evalList(cond, fields, false)
		case "$nor":
			m, d = evalList(cond, fields, false)
			m = !m
		default:
			if strings.HasPrefix(key, "$") {
				// Unknown operator: undecidable unless another clause fails.
				decided = false
				continue
			}
			m, d = evalField(key, cond, fields)
		}
		if d && !m {
			return false, true
		}
		if !d {
			decided = false
		}
	}
	if !decided {
		return false, false
	}
	return true, true
}

// evalList evaluates $and (all=true) or $or (all=false) clauses.
func evalList(cond any, fields map[string]any, all bool) (bool, bool) {
	list, ok := cond.([]any)
	if !ok {
		return false, false
	}
	undecided := false
	for _, item := range list {
		obj, ok := item.(map[string]any)
		if !ok {
			return false, false
		}
		m, d := evalObject(obj, fields)
		switch {
		case !d:
			undecided = true
		case all && !m:
			return false, true
		case !all && m:
			return true, true
		}
	}
	if undecided {
		return false, false
	}
	return all, true
}

func evalField(field string, cond any, fields map[string]any) (bool, bool) {
	ops, isOps := cond.(map[string]any)
	if isOps {
		for k := range ops {
			if !strings.HasPrefix(k, "$") {
				isOps = false
				break
			}
		}
	}
	if !isOps {
		ops = map[string]any{"$eq": cond}
	}

	value, present := fields[field]
	decided := true
	for op, arg := range ops {
		m, d := evalOp(op, arg, value, present)
		if d && !m {
			return false, true
		}
		if !d {
			decided = false
		}
	}
	if !decided {
		return false, false
	}
	return true, true
}

func evalOp(op string, arg, value any, present bool) (bool, bool) {
	if op == "$exists" {
		want, ok := arg.(bool)
		if !ok {
			return false, false
		}
		return present == want, true
	}
	if !present {
		return false, false
	}
	switch op {
	case "$eq":
		return equal(value, arg)
	case "$ne":
		m, d := equal(value, arg)
		return !m, d
	case "$gt", "$gte", "$lt", "$lte":
		c, ok := compare(value, arg)
		if !ok {
			return false, false
		}
		switch op {
		case "$gt":
			return c > 0, true
		case "$gte":
			return c >= 0, true
		case "$lt":
			return c < 0, true
		default:
			return c <= 0, true
		}
	case "$in", "$nin":
		list, ok := arg.([]any)
		if !ok {
			return false, false
		}
		found := false
		for _, candidate := range list {
			m, d := equal(value, candidate)
			if !d {
				return false, false
			}
			if m {
				found = true
				break
			}
		}
		if op == "$nin" {
			return !found, true
		}
		return found, true
	case "$contains":
		list, ok := value.([]any)
		if !ok {
			return false, false
		}
		for _, item := range list {
			if reflect.DeepEqual(item, arg) {
				return true, true
			}
		}
		return false, true
	case "$autocomplete":
		s, ok1 := value.(string)
		prefix, ok2 := arg.(string)
		if !ok1 || !ok2 {
			return false, false
		}
		prefix = strings.ToLower(prefix)
		for _, word := range strings.Fields(strings.ToLower(s)) {
			if strings.HasPrefix(word, prefix) {
				return true, true
			}
		}
		return false, true
	}
	return false, false
}

func equal(a, b any) (bool, bool) {
	switch a.(type) {
	case []any, map[string]any:
		return false, false
	}
	switch b.(type) {
	case []any, map[string]any:
		return false, false
	}
	return a == b, true
}

func compare(a, b any) (int, bool) {
	switch av := a.(type) {
	case float64:
		bv, ok := b.(float64)
		if !ok {
			return 0, false
		}
		switch {
		case av < bv:
			return -1, true
		case av > bv:
			return 1, true
		}
		return 0, true
	case string:
		bv, ok := b.(string)
		if !ok {
			return 0, false
		}
		return strings.Compare(av, bv), true
	}
	return 0, false
}
