package models

import (
	"encoding/json"
	"fmt"
)

// EncodeEnvelope serializes an envelope to the opaque byte payload stored in
// the body column. The indexed metadata columns (id, status, owner,
// execution time, attempts, destination) are stored separately and reapplied
// on load, so stale values inside the payload never win over the columns.
func EncodeEnvelope(env *Envelope) ([]byte, error) {
	if env == nil {
		return nil, fmt.Errorf("cannot encode nil envelope")
	}
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode envelope %s failed: %w", env.ID, err)
	}
	return data, nil
}

// DecodeEnvelope rehydrates an envelope from a stored payload.
func DecodeEnvelope(data []byte) (*Envelope, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("cannot decode empty envelope payload")
	}
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode envelope failed: %w", err)
	}
	return &env, nil
}
