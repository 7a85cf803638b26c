package models

// HandshakeResponse proves a relay's identity: Signature covers the
// caller's challenge and Timestamp.
type HandshakeResponse struct {
	PubKey    string `json:"pubKey"`
	Name      string `json:"name,omitempty"`
	Timestamp int64  `json:"timestamp"`
	Signature string `json:"signature"`
}

// SealedBundle carries a store request encrypted to the requesting key.
type SealedBundle struct {
	Recipient string `json:"recipient"`
	Sealed    string `json:"sealed"`
	Nodes     int    `json:"nodes"`
}

// StoreResponse acknowledges a store request.
type StoreResponse struct {
	Status string `json:"status"`
	Nodes  int    `json:"nodes"`
}
