package api

import (
	"time"

	"github.com/pandega/wicara/internal/ingest"
)

// TokenRequest represents the request payload for minting a join token
type TokenRequest struct {
	Identity string `json:"identity" validate:"required"`
	Role     string `json:"role" validate:"required"`
}

// TokenResponse represents the response payload for a minted join token
type TokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
	Identity  string    `json:"identity"`
	Role      string    `json:"role"`
}

// DocumentListResponse wraps the ingested document metadata list
type DocumentListResponse struct {
	Documents []ingest.Document `json:"documents"`
}

// PersonaResponse carries the current persona text
type PersonaResponse struct {
	Prompt string `json:"prompt"`
}

// PersonaUpdateRequest carries a replacement persona text
type PersonaUpdateRequest struct {
	Prompt string `json:"prompt"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}
