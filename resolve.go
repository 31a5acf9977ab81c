package pgargs

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"
)

// ambiguousSentinel is used to bubble up an "ambiguous field" condition
// through recordLookup without changing call signatures.
type ambiguousSentinel struct {
	name string
}

var structIndexCache = newFieldCache(cacheSize)

// Resolve turns the query's name lists into the values the caller declared.
// The parameter record (Args) supplies one value per distinct name, in
// ParameterList order, so that args[i-1] is the value behind placeholder $i.
// The fragment record (Sql) supplies the text spliced into the {} holes; the
// splice only runs when every fragment occurrence resolved, to avoid piling a
// second error on top of a missing-fragment one.
//
// Resolution keeps going after individual failures and the returned error
// joins every diagnostic from the pass.
func (q *Query) Resolve(records ...Record) (string, []any, error) {
	var diags []error

	var argsRec, sqlRec any
	var haveArgs, haveSQL bool
	for _, r := range records {
		switch r.name {
		case roleArgs:
			if haveArgs {
				diags = append(diags, fmt.Errorf("%w: %s", ErrDuplicateStruct, r.name))
				continue
			}
			argsRec, haveArgs = r.value, true
		case roleSQL:
			if haveSQL {
				diags = append(diags, fmt.Errorf("%w: %s", ErrDuplicateStruct, r.name))
				continue
			}
			sqlRec, haveSQL = r.value, true
		default:
			diags = append(diags, fmt.Errorf("%w `%s`", ErrUnknownStruct, r.name))
		}
	}

	args := make([]any, 0, len(q.Names))
	if !haveArgs {
		if len(q.Names) > 0 {
			diags = append(diags, ErrArgsStructMissing)
		}
	} else {
		for _, name := range q.Names {
			v, ok := recordLookup(argsRec, name)
			if !ok {
				diags = append(diags, fmt.Errorf("%w: %s", ErrParamMissing, name))
				continue
			}
			if a, ambiguous := v.(ambiguousSentinel); ambiguous {
				diags = append(diags, fmt.Errorf("%w: %q", ErrFieldAmbiguous, a.name))
				continue
			}
			args = append(args, v)
		}
	}

	fragVals := make([]string, 0, len(q.Fragments))
	if !haveSQL {
		if len(q.Fragments) > 0 {
			diags = append(diags, ErrSQLStructMissing)
		}
	} else {
		// No dedup: every occurrence resolves independently, left to right.
		for _, name := range q.Fragments {
			v, ok := recordLookup(sqlRec, name)
			if !ok {
				diags = append(diags, fmt.Errorf("%w: %s", ErrFragmentMissing, name))
				continue
			}
			if a, ambiguous := v.(ambiguousSentinel); ambiguous {
				diags = append(diags, fmt.Errorf("%w: %q", ErrFieldAmbiguous, a.name))
				continue
			}
			text, err := fragmentText(name, v)
			if err != nil {
				diags = append(diags, err)
				continue
			}
			fragVals = append(fragVals, text)
		}
	}

	out := q.SQL
	if len(fragVals) == len(q.Fragments) {
		out = expand(q.SQL, fragVals)
	}

	return out, args, errors.Join(diags...)
}

// fragmentText extracts the splice text from a fragment record value.
// Plain strings are accepted but get the same `$` check a Fragment had at
// construction time.
func fragmentText(name string, v any) (string, error) {
	switch t := v.(type) {
	case Fragment:
		return t.text, nil
	case *Fragment:
		if t == nil {
			return "", nil
		}
		return t.text, nil
	case string:
		if strings.ContainsRune(t, '$') {
			return "", fmt.Errorf("%w: %s = %q", ErrFragmentDollar, name, t)
		}
		return t, nil
	default:
		return "", fmt.Errorf("%w: %s has type %T", ErrFragmentValue, name, v)
	}
}

// recordLookup resolves a declared name against a record value.
// Supports map-like, struct-like (flattened), and pointers/interfaces thereof.
func recordLookup(in any, name string) (any, bool) {
	v := reflect.ValueOf(in)
	if !v.IsValid() {
		return nil, false
	}
	for v.IsValid() && (v.Kind() == reflect.Interface || v.Kind() == reflect.Pointer) {
		if v.IsNil() {
			return nil, false
		}
		v = v.Elem()
	}
	// FAST-PATH: map[string]any
	if m, ok := v.Interface().(map[string]any); ok {
		val, ok := m[name]
		return val, ok
	}
	switch v.Kind() {
	case reflect.Map:
		keyT := v.Type().Key()
		key := reflect.ValueOf(name)
		if key.Type() != keyT {
			if key.Type().ConvertibleTo(keyT) {
				key = key.Convert(keyT)
			} else {
				return nil, false
			}
		}
		mv := v.MapIndex(key)
		if mv.IsValid() {
			return mv.Interface(), true
		}
		return nil, false
	case reflect.Struct:
		m := fieldIndexMap(v.Type())
		if fi, ok := m[name]; ok {
			if fi.ambiguous {
				// bubble sentinel; Resolve will turn this into ErrFieldAmbiguous
				return ambiguousSentinel{name: name}, true
			}
			val, _ := getValueByPathAny(v, fi.index)
			return val, true
		}
	}
	return nil, false
}

// fieldIndexMap returns a mapping from declared name → fieldInfo for the given
// type. It flattens nested structs (excluding time.Time and sql.Scanner
// implementors) and honors `db:"name"` tags. The result is cached in a
// two-tier cache.
func fieldIndexMap(t reflect.Type) map[string]fieldInfo {
	if m, ok := structIndexCache.get(t); ok {
		return m
	}

	// Normalize to struct
	base := t
	for base.Kind() == reflect.Pointer {
		base = base.Elem()
	}
	if base.Kind() != reflect.Struct {
		m := make(map[string]fieldInfo)
		structIndexCache.put(t, m)
		return m
	}

	m := make(map[string]fieldInfo, base.NumField())

	visited := map[reflect.Type]bool{}
	var walk func(rt reflect.Type, path []int)

	walk = func(rt reflect.Type, path []int) {
		for rt.Kind() == reflect.Pointer {
			rt = rt.Elem()
		}
		if rt.Kind() != reflect.Struct {
			return
		}
		if visited[rt] {
			return
		}
		visited[rt] = true
		defer delete(visited, rt)

		for i := 0; i < rt.NumField(); i++ {
			f := rt.Field(i)
			if f.PkgPath != "" { // unexported
				continue
			}
			tag := f.Tag.Get("db")
			if tag == "-" {
				continue
			}
			name := f.Name
			if tag != "" {
				if comma := strings.IndexByte(tag, ','); comma >= 0 {
					tag = tag[:comma]
				}
				if tag != "" {
					name = tag
				}
			}

			ft := f.Type

			if shouldFlatten(ft) {
				nextT := ft
				if nextT.Kind() == reflect.Pointer {
					nextT = nextT.Elem()
				}
				walk(nextT, appendIndex(path, i))
				continue
			}

			// Leaf: handle collisions
			if prev, exists := m[name]; exists {
				if !prev.ambiguous {
					m[name] = fieldInfo{ambiguous: true}
				}
				continue
			}
			m[name] = fieldInfo{index: appendIndex(path, i)}
		}
	}

	walk(base, nil)
	structIndexCache.put(t, m)
	return m
}

// shouldFlatten decides whether to descend into ft (struct or *struct).
func shouldFlatten(ft reflect.Type) bool {
	// If *T implements sql.Scanner → treat as leaf (no flatten)
	if reflect.PointerTo(ft).Implements(scannerIface) || ft.Implements(scannerIface) {
		return false
	}
	tt := ft
	if tt.Kind() == reflect.Pointer {
		tt = tt.Elem()
	}
	if tt.Kind() != reflect.Struct {
		return false
	}
	// Do not flatten time.Time (common leaf struct)
	if tt.PkgPath() == "time" && tt.Name() == "Time" {
		return false
	}
	return true
}

// appendIndex returns a new index path with idx appended.
func appendIndex(path []int, idx int) []int {
	out := make([]int, len(path)+1)
	copy(out, path)
	out[len(path)] = idx
	return out
}

// getValueByPathAny extracts the value at the end of 'path' from 'root'.
// If a pointer along the path is nil, it returns (nil, true) to represent SQL NULL.
// Returns (value, true) on success, or (nil, false) on structural mismatch.
func getValueByPathAny(root reflect.Value, path []int) (any, bool) {
	v := root
	for v.IsValid() && v.Kind() == reflect.Interface {
		if v.IsNil() {
			return nil, true
		}
		v = v.Elem()
	}
	for i, idx := range path {
		for v.IsValid() && v.Kind() == reflect.Pointer {
			if v.IsNil() {
				return nil, true
			}
			v = v.Elem()
		}
		if !v.IsValid() || v.Kind() != reflect.Struct {
			return nil, false
		}
		v = v.Field(idx)
		if i == len(path)-1 {
			for v.IsValid() && v.Kind() == reflect.Interface {
				if v.IsNil() {
					return nil, true
				}
				v = v.Elem()
			}
			if v.Kind() == reflect.Pointer && v.IsNil() {
				return nil, true
			}
			return v.Interface(), true
		}
	}
	return nil, false
}

// --------------------------------
// Cache
// --------------------------------

// fieldInfo describes a leaf field: its full index path and whether multiple
// fields claimed the same name.
type fieldInfo struct {
	index     []int
	ambiguous bool
}

// fieldCache implements a two-tier map with cheap rotation to bound memory.
// 'curr' is the hot set; 'prev' is the previous generation. Lookups promote.
type fieldCache struct {
	mu   sync.RWMutex
	curr map[reflect.Type]map[string]fieldInfo
	prev map[reflect.Type]map[string]fieldInfo
	max  int
}

// newFieldCache creates a new simple two-tier cache with cheap rotation to limit memory usage.
func newFieldCache(max int) *fieldCache {
	if max <= 0 {
		max = cacheSize
	}
	return &fieldCache{
		curr: make(map[reflect.Type]map[string]fieldInfo, max/2),
		prev: make(map[reflect.Type]map[string]fieldInfo),
		max:  max,
	}
}

// get looks up the field index map for type t.
func (c *fieldCache) get(t reflect.Type) (map[string]fieldInfo, bool) {
	c.mu.RLock()
	if m, ok := c.curr[t]; ok {
		c.mu.RUnlock()
		return m, true
	}
	if m, ok := c.prev[t]; ok {
		c.mu.RUnlock()
		c.mu.Lock()
		if len(c.curr) >= c.max {
			c.prev = c.curr
			c.curr = make(map[reflect.Type]map[string]fieldInfo, c.max/2)
		}
		c.curr[t] = m
		c.mu.Unlock()
		return m, true
	}
	c.mu.RUnlock()
	return nil, false
}

// put stores the field index map for type t.
func (c *fieldCache) put(t reflect.Type, idx map[string]fieldInfo) {
	c.mu.Lock()
	if len(c.curr) >= c.max {
		c.prev = c.curr
		c.curr = make(map[reflect.Type]map[string]fieldInfo, c.max/2)
	}
	c.curr[t] = idx
	c.mu.Unlock()
}
