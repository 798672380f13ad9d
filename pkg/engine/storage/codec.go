package storage

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
)

func encodeGob(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeGob(b []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(b)).Decode(v)
}

func slotKey(idx uint16) []byte {
	key := make([]byte, len(prefixSlot)+2)
	copy(key, prefixSlot)
	binary.BigEndian.PutUint16(key[len(prefixSlot):], idx)
	return key
}

func keyUpperBound(prefix []byte) []byte {
	bound := make([]byte, len(prefix))
	copy(bound, prefix)
	bound[len(bound)-1]++
	return bound
}
