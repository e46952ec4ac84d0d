package api

// Header and value constants for the submission wire contract.
const (
	// HeaderLocationIntent qualifies the Location header on accepted
	// submissions so generic clients do not mistake it for a redirect.
	HeaderLocationIntent = "X-Location-Intent"
	// LocationIntentHold marks the Location target as an acknowledgment URI.
	LocationIntentHold = "hold"
	// HealthBody is the literal body served by the health-check endpoint.
	HealthBody = "OK"
)

// SubmitResponse is returned when a payload is accepted and held for
// acknowledgment.
type SubmitResponse struct {
	// ID is the correlation id assigned to the hold.
	ID string `json:"id"`
	// Location is the acknowledgment URI for the hold, also carried in the
	// Location response header.
	Location string `json:"location"`
	// Handles is the number of payload items staged under the hold.
	Handles int `json:"handles"`
	// EntryTimeUnixMilli is the ingestion timestamp in Unix milliseconds.
	EntryTimeUnixMilli int64 `json:"entry_time_unix_milli"`
}

// AckResponse confirms a hold was acknowledged and its payload committed.
type AckResponse struct {
	// ID is the correlation id of the acknowledged hold.
	ID string `json:"id"`
	// Handles is the number of payload items committed downstream.
	Handles int `json:"handles"`
}

// ErrorResponse is the canonical error envelope for API errors.
type ErrorResponse struct {
	// ErrorCode is the stable ingestd error identifier.
	ErrorCode string `json:"error"`
	// Detail provides human-readable diagnostic context for the error.
	Detail string `json:"detail,omitempty"`
	// RetryAfterSeconds is the server-provided retry hint in seconds.
	RetryAfterSeconds int64 `json:"retry_after_seconds,omitempty"`
}
