package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Submission is one stored POST to an endpoint. The ingestion pipeline has
// already sorted the raw payload: Data holds fields matched against the
// endpoint definition, Extras holds unmatched fields, Raw is the payload as
// received and Metadata carries capture info (source IP, user agent).
type Submission struct {
	ID         uuid.UUID
	EndpointID uuid.UUID
	Data       json.RawMessage
	Extras     json.RawMessage
	Raw        json.RawMessage
	Metadata   json.RawMessage
	CreatedAt  time.Time
}
