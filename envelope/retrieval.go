package envelope

import (
	"encoding/json"
)

// Retrieval is the envelope published to the retrieval topic when a bot
// issues a RAG_CALL. The retrieval service replies with a Flow callback.
type Retrieval struct {
	Source         string `json:"source"`
	TurnID         string `json:"turn_id"`
	CollectionName string `json:"collection_name"`
	Query          string `json:"query"`
	TopChunkK      int    `json:"top_chunk_k_value"`
}

// Validate checks the envelope.
func (r *Retrieval) Validate() error {
	if r.TurnID == "" {
		return NewValidationError("turn_id", "turn_id is required")
	}
	if r.Query == "" {
		return NewValidationError("query", "query is required")
	}
	return nil
}

// UnmarshalJSON decodes and validates in one step.
func (r *Retrieval) UnmarshalJSON(data []byte) error {
	type alias Retrieval
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	*r = Retrieval(a)
	return r.Validate()
}
