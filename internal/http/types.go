package http

import (
	"time"

	"github.com/drand/ceremony/internal/ceremony"
)

// Request and response bodies. Byte slices are hex encoded.

type EligibilityResponse struct {
	Eligible bool `json:"eligible"`
}

type DeclareRequest struct {
	Hash            []byte        `json:"hash"`
	ComputationTime time.Duration `json:"computationTime"`
}

type StepRequest struct {
	Step ceremony.Step `json:"step"`
}

type OpenUploadRequest struct {
	Size      int64 `json:"size"`
	ChunkSize int64 `json:"chunkSize,omitempty"`
}

type AuthorizePartsRequest struct {
	From  int `json:"from"`
	Limit int `json:"limit,omitempty"`
}

type PartRequest struct {
	Tag string `json:"tag"`
}

type SubmitRequest struct {
	// Hash overrides the hash declared earlier, if set.
	Hash []byte `json:"hash,omitempty"`
}

// HealthResponse is served on /health.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
}
