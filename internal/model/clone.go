package model

import "encoding/json"

// deepCopy round-trips v through JSON. Every persisted model type is
// JSON-clean, so the copy shares no memory with the original.
func deepCopy[T any](v *T) *T {
	data, err := json.Marshal(v)
	if err != nil {
		panic("model: deep copy marshal: " + err.Error())
	}
	out := new(T)
	if err := json.Unmarshal(data, out); err != nil {
		panic("model: deep copy unmarshal: " + err.Error())
	}
	return out
}
