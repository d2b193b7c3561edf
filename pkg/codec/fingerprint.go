package codec

import (
	"bytes"
	"encoding/binary"
	"reflect"
	"sort"

	"github.com/parxlib/parx/pkg/utils"
)

// Compute the deterministic fingerprint of a call, used as cache key.
// Only call identity is hashed: the callable payload, the ordered argument
// list and the keyword arguments in sorted key order. Resource placement is
// deliberately excluded so that identical calls share a key regardless of
// where they run.
func Fingerprint(call Payload, args []any, kwargs map[string]any) (utils.Digest, error) {
	chunks := [][]byte{{byte(call.Kind)}, call.Data}

	argBytes, err := canonicalValue(args)
	if err != nil {
		return utils.Digest{}, err
	}
	chunks = append(chunks, argBytes)

	keys := make([]string, 0, len(kwargs))
	for key := range kwargs {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	for _, key := range keys {
		valueBytes, err := canonicalValue(kwargs[key])
		if err != nil {
			return utils.Digest{}, err
		}
		chunks = append(chunks, lengthPrefixed([]byte(key)), lengthPrefixed(valueBytes))
	}

	return utils.Sha256Bytes(chunks...), nil
}

// The byte form of a value fed into the fingerprint. gob serializes maps in
// random iteration order, so maps are rewritten as entry lists sorted by
// their canonical key bytes, and slices are walked element by element so
// that nested maps are reached. Scalars keep their gob encoding, which is
// stable.
func canonicalValue(value any) ([]byte, error) {
	v := reflect.ValueOf(value)

	switch v.Kind() {
	case reflect.Map:
		type entry struct {
			key   []byte
			value []byte
		}
		entries := make([]entry, 0, v.Len())
		iter := v.MapRange()
		for iter.Next() {
			keyBytes, err := canonicalValue(iter.Key().Interface())
			if err != nil {
				return nil, err
			}
			valueBytes, err := canonicalValue(iter.Value().Interface())
			if err != nil {
				return nil, err
			}
			entries = append(entries, entry{key: keyBytes, value: valueBytes})
		}
		sort.Slice(entries, func(i, j int) bool {
			return bytes.Compare(entries[i].key, entries[j].key) < 0
		})

		var buf bytes.Buffer
		buf.WriteByte('m')
		buf.Write(lengthPrefixed([]byte(v.Type().String())))
		for _, e := range entries {
			buf.Write(lengthPrefixed(e.key))
			buf.Write(lengthPrefixed(e.value))
		}
		return buf.Bytes(), nil

	case reflect.Slice, reflect.Array:
		if v.Kind() == reflect.Slice && v.Type().Elem().Kind() == reflect.Uint8 {
			break
		}

		var buf bytes.Buffer
		buf.WriteByte('l')
		buf.Write(lengthPrefixed([]byte(v.Type().String())))
		for i := 0; i < v.Len(); i++ {
			elemBytes, err := canonicalValue(v.Index(i).Interface())
			if err != nil {
				return nil, err
			}
			buf.Write(lengthPrefixed(elemBytes))
		}
		return buf.Bytes(), nil
	}

	return EncodeValue(value)
}

func lengthPrefixed(data []byte) []byte {
	out := make([]byte, 4+len(data))
	binary.BigEndian.PutUint32(out, uint32(len(data)))
	copy(out[4:], data)
	return out
}
