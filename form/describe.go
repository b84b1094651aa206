package form

import (
	"sort"
	"strconv"
)

// Kind classifies a Field value.
type Kind string

const (
	KindNull   Kind = "null"
	KindString Kind = "string"
	KindNumber Kind = "number"
	KindBool   Kind = "bool"
	KindObject Kind = "object" // empty object
	KindArray  Kind = "array"  // empty array
	KindOther  Kind = "other"
)

// Field is one leaf of a record.
type Field struct {
	Path  string
	Kind  Kind
	Value any
}

// Describe flattens a decoded JSON record into leaf fields with dotted paths
// ("owner.name", "tags.0"), sorted by path. Nested maps and slices are
// walked; nil values become KindNull fields. A nil record yields no fields.
func Describe(record map[string]any) []Field {
	if record == nil {
		return nil
	}
	var out []Field
	walk("", record, &out)
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

func walk(path string, v any, out *[]Field) {
	switch t := v.(type) {
	case map[string]any:
		if len(t) == 0 && path != "" {
			*out = append(*out, Field{Path: path, Kind: KindObject})
			return
		}
		for k, child := range t {
			walk(join(path, k), child, out)
		}
	case []any:
		if len(t) == 0 {
			*out = append(*out, Field{Path: path, Kind: KindArray})
			return
		}
		for i, child := range t {
			walk(join(path, strconv.Itoa(i)), child, out)
		}
	default:
		*out = append(*out, Field{Path: path, Kind: kindOf(v), Value: v})
	}
}

func kindOf(v any) Kind {
	switch v.(type) {
	case nil:
		return KindNull
	case string:
		return KindString
	case bool:
		return KindBool
	case float64, float32, int, int64, int32, uint, uint64, uint32:
		return KindNumber
	default:
		return KindOther
	}
}

func join(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return prefix + "." + key
}
