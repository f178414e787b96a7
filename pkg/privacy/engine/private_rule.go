package engine

import (
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/TheEntropyCollective/noiseguard/pkg/privacy/sensitivity"
)

// PrivateRule is a learned rule after noise injection. The diagnostic
// fields (OriginalConfidence, NoiseAdded, OriginalID) exist for local
// calibration and debugging only; UploadData is the sole projection
// allowed to cross the trust boundary and omits them.
type PrivateRule struct {
	OriginalID         string            `json:"original_id"`
	Type               string            `json:"type"`
	PatternHash        string            `json:"pattern_hash"`
	Category           string            `json:"category"`
	NoisyConfidence    float64           `json:"noisy_confidence"`
	OriginalConfidence float64           `json:"original_confidence"`
	NoiseAdded         float64           `json:"noise_added"`
	Epsilon            float64           `json:"epsilon"`
	Level              sensitivity.Level `json:"level"`
	ProtectedAt        time.Time         `json:"protected_at"`
}

// UploadData is the upload-safe projection of a PrivateRule: pattern hash,
// type, category, and the noisy confidence. Nothing else.
type UploadData struct {
	PatternHash string  `json:"pattern_hash"`
	Type        string  `json:"type"`
	Category    string  `json:"category"`
	Confidence  float64 `json:"confidence"`
}

// ToUploadData projects the rule into its exportable form.
func (r *PrivateRule) ToUploadData() UploadData {
	return UploadData{
		PatternHash: r.PatternHash,
		Type:        r.Type,
		Category:    r.Category,
		Confidence:  r.NoisyConfidence,
	}
}

// HashPattern maps a raw rule pattern to its stable SHA-256 hex digest.
// Patterns never leave the trust boundary in the clear.
func HashPattern(pattern string) string {
	h := sha256.Sum256([]byte(pattern))
	return hex.EncodeToString(h[:])
}
