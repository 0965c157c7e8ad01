package api

// GenerateRequest stores a new secret message. The server encrypts text
// under a key derived from password; neither is persisted in cleartext.
type GenerateRequest struct {
	Text     string `json:"text"`
	Password string `json:"password"`

	// LifeTime and TimeMeasure must be supplied together or omitted
	// together; omitted together means the configured default lifetime.
	LifeTime    *int64  `json:"life_time,omitempty"`
	TimeMeasure *string `json:"time_measure,omitempty"`
}

// GenerateResponse carries the opaque retrieval key for a stored secret.
type GenerateResponse struct {
	SecretKey string `json:"secret_key"`
}

// RetrieveRequest presents the password for a one-time retrieval. The
// secret key rides in the URL path.
type RetrieveRequest struct {
	Password string `json:"password"`
}

type RetrieveResponse struct {
	Text string `json:"text"`
}
