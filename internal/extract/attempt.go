// Package extract projects a converted document into the response schema.
//
// Every extractor is a pure function of its input. Item-level failures are
// reduced to a placeholder for that item; they never abort sibling items or
// the extraction as a whole.
package extract

import "fmt"

// attempt runs one item-level operation and reports its outcome as a value,
// turning a panic inside converter code into an ordinary error.
func attempt[T any](op func() (T, error)) (v T, err error) {
	defer func() {
		if r := recover(); r != nil {
			var zero T
			v, err = zero, fmt.Errorf("recovered: %v", r)
		}
	}()
	return op()
}
