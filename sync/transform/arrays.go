package transform

import (
	"encoding/json"
	"errors"

	"github.com/jackc/pgtype"
)

var errNotArray = errors.New("not an array literal")

// arrayLiteralToJSON converts a Postgres array literal such as {a,b} or {{1,2},{3,4}} into a JSON array of strings
// with the same nesting.
func arrayLiteralToJSON(src string) (json.RawMessage, error) {
	if len(src) < 2 || src[0] != '{' {
		return nil, errNotArray
	}
	arr, err := pgtype.ParseUntypedTextArray(src)
	if err != nil {
		return nil, err
	}
	if len(arr.Elements) == 0 || len(arr.Dimensions) == 0 {
		return json.RawMessage("[]"), nil
	}

	elems := make([]any, len(arr.Elements))
	for idx, e := range arr.Elements {
		elems[idx] = e
	}
	nested, _ := nest(elems, arr.Dimensions)
	return json.Marshal(nested)
}

// nest reshapes a flat element list into len(dims) levels of slices, consuming elements from the front.
func nest(elems []any, dims []pgtype.ArrayDimension) (any, []any) {
	if len(dims) == 0 {
		return elems[0], elems[1:]
	}
	out := make([]any, int(dims[0].Length))
	for idx := range out {
		out[idx], elems = nest(elems, dims[1:])
	}
	return out, elems
}
