package reader

import "encoding/json"

// Entity values are stored as JSON. The codec is selected at compile time
// per entity type; there are no runtime type tokens. Decode(Encode(x)) == x
// for every entity field.

// Encode serializes an entity for storage.
func Encode[E any](item E) ([]byte, error) {
	return json.Marshal(item)
}

// Decode deserializes a stored value.
func Decode[E any](data []byte) (E, error) {
	var item E
	err := json.Unmarshal(data, &item)
	return item, err
}
