package queue

import "encoding/json"

// Codec converts caller-defined payload values to and from the opaque bytes
// stored in the jobs table. The store never interprets the payload; type
// awareness lives entirely at this boundary.
type Codec interface {
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

// JSONCodec is the default Codec.
type JSONCodec struct{}

func (JSONCodec) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (JSONCodec) Unmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}
