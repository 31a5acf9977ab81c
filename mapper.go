package pgargs

import (
	"database/sql"
	"fmt"
	"reflect"
)

var scannerIface = reflect.TypeOf((*sql.Scanner)(nil)).Elem()

// scanOne scans the current row into dest. It supports:
//   - pointer to Scanner types (with exactly one column)
//   - primitives (with exactly one column)
//   - structs (flattened mapping via `db` tags or field names)
func scanOne(rows *sql.Rows, dest any) error {
	rv := reflect.ValueOf(dest)
	if rv.Kind() != reflect.Pointer || rv.IsNil() {
		return fmt.Errorf("pgargs: dest must be a non-nil pointer")
	}
	rv = rv.Elem()

	cols, err := rows.Columns()
	if err != nil {
		return err
	}

	if reflect.PointerTo(rv.Type()).Implements(scannerIface) {
		if len(cols) != 1 {
			return fmt.Errorf("pgargs: Scan on type %s requires 1 column, got %d", rv.Type(), len(cols))
		}
		return rows.Scan(rv.Addr().Interface())
	}
	if rv.Kind() != reflect.Struct {
		if len(cols) != 1 {
			return fmt.Errorf("pgargs: Scan on non-struct type requires 1 column, got %d", len(cols))
		}
		return rows.Scan(rv.Addr().Interface())
	}

	return scanStruct(rows, cols, rv)
}

// scanStruct scans the current row into dstStruct. Unmapped columns are sunk;
// pointer fields are scanned through their **T address, so NULL becomes nil.
func scanStruct(rows *sql.Rows, cols []string, dstStruct reflect.Value) error {
	fmap := fieldIndexMap(dstStruct.Type())

	targets := make([]any, len(cols))
	for i, col := range cols {
		fi, ok := fmap[col]
		if !ok {
			targets[i] = new(any)
			continue
		}
		if fi.ambiguous {
			return fmt.Errorf("%w: %q", ErrFieldAmbiguous, col)
		}
		fv := fieldByIndexAlloc(dstStruct, fi.index)
		targets[i] = fv.Addr().Interface()
	}
	return rows.Scan(targets...)
}

// scanAll scans all rows into a slice. It supports slices of structs, of
// *struct, and of primitives/Scanner types (with exactly one column).
func scanAll(rows *sql.Rows, dest any) error {
	rv := reflect.ValueOf(dest)
	if rv.Kind() != reflect.Pointer || rv.IsNil() {
		return fmt.Errorf("pgargs: dest must be a non-nil pointer")
	}
	rv = rv.Elem()
	if rv.Kind() != reflect.Slice {
		return fmt.Errorf("pgargs: ScanAll requires a pointer to slice")
	}

	if rv.Len() != 0 {
		rv.Set(rv.Slice(0, 0))
	}

	elemT := rv.Type().Elem()
	cols, err := rows.Columns()
	if err != nil {
		return err
	}

	isPtr := elemT.Kind() == reflect.Pointer
	structT := elemT
	if isPtr {
		structT = elemT.Elem()
	}

	if structT.Kind() == reflect.Struct && !reflect.PointerTo(structT).Implements(scannerIface) {
		for rows.Next() {
			ptr := reflect.New(structT)
			if err := scanStruct(rows, cols, ptr.Elem()); err != nil {
				return err
			}
			if isPtr {
				rv.Set(reflect.Append(rv, ptr))
			} else {
				rv.Set(reflect.Append(rv, ptr.Elem()))
			}
		}
		return rows.Err()
	}

	// Primitive/Scanner → must be 1 column
	if len(cols) != 1 {
		return fmt.Errorf("pgargs: ScanAll on slice of non-struct requires 1 column, got %d", len(cols))
	}
	for rows.Next() {
		item := reflect.New(elemT).Elem()
		if err := rows.Scan(item.Addr().Interface()); err != nil {
			return err
		}
		rv.Set(reflect.Append(rv, item))
	}
	return rows.Err()
}

// fieldByIndexAlloc walks a struct by index path, allocating intermediate
// pointer nodes on the way (but NOT allocating the leaf pointer itself).
func fieldByIndexAlloc(root reflect.Value, path []int) reflect.Value {
	v := root
	for i, idx := range path {
		f := v.Field(idx)
		if i == len(path)-1 {
			return f
		}
		if f.Kind() == reflect.Pointer {
			if f.IsNil() {
				f.Set(reflect.New(f.Type().Elem()))
			}
			v = f.Elem()
		} else {
			v = f
		}
	}
	return v
}
