package handler

// HandshakeResponse is the HTTP response body for POST /push/handshake.
type HandshakeResponse struct {
	ClientID string `json:"client_id"`
}

// PollResponse is the HTTP response body for GET /push/poll. Tokens is
// always present, empty on timeout.
type PollResponse struct {
	Tokens []string `json:"tokens"`
}
