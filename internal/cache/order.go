package cache

import (
	"github.com/rendis/reentry/pkg/schema"
)

// parented is a record that may reference a parent record of the same kind.
type parented interface {
	RecordID() string
	ParentRef() string
}

// parentFirst orders records so that every record whose parent is also in
// items comes after that parent. Records keep their relative input order
// otherwise. A parent cycle is an assertion failure.
func parentFirst[T parented](items []T) ([]T, error) {
	index := make(map[string]int, len(items))
	for i, it := range items {
		index[it.RecordID()] = i
	}

	const (
		unvisited = iota
		visiting
		done
	)
	marks := make([]int, len(items))
	out := make([]T, 0, len(items))

	var visit func(i int) error
	visit = func(i int) error {
		switch marks[i] {
		case done:
			return nil
		case visiting:
			return schema.Assertf("parent cycle through record %q", items[i].RecordID())
		}
		marks[i] = visiting
		if p, ok := index[items[i].ParentRef()]; ok && items[i].ParentRef() != "" {
			if err := visit(p); err != nil {
				return err
			}
		}
		marks[i] = done
		out = append(out, items[i])
		return nil
	}

	for i := range items {
		if err := visit(i); err != nil {
			return nil, err
		}
	}
	return out, nil
}
