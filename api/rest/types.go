package rest

import (
	"time"

	"blockswap/network/bitswap"
	"blockswap/network/libp2p"
)

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Uptime    string    `json:"uptime"`
}

// UploadResponse describes a stored block or file.
type UploadResponse struct {
	CID      string   `json:"cid"`
	Size     int64    `json:"size"`
	Filename string   `json:"filename,omitempty"`
	Chunks   []string `json:"chunks,omitempty"`
	// Parity is the number of parity chunks per stripe.
	Parity int `json:"parity,omitempty"`
}

type StatsResponse struct {
	Exchange  bitswap.Stat         `json:"exchange"`
	Network   *libp2p.NetworkStats `json:"network,omitempty"`
	Timestamp time.Time            `json:"timestamp"`
}

// WantResponse describes one pending request.
type WantResponse struct {
	CID           string    `json:"cid"`
	Priority      string    `json:"priority"`
	Retries       uint32    `json:"retries"`
	TriedPeers    []string  `json:"tried_peers"`
	CreatedAt     time.Time `json:"created_at"`
	LastAttemptAt time.Time `json:"last_attempt_at"`
}
