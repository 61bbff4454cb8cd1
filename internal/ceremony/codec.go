package ceremony

import (
	json "github.com/nikkolasg/hexjson"
)

// Encode serializes a record for storage. Byte slices such as hashes are
// written as hex strings.
func Encode(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

// Decode is the inverse of Encode.
func Decode(b []byte, v interface{}) error {
	return json.Unmarshal(b, v)
}
