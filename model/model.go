package model

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/texttheater/golang-levenshtein/levenshtein"
)

// GenerateUUIDWithSuffix generates a UUID with a given module name as a prefix.
// This is useful for creating unique identifiers with context-specific prefixes.
func GenerateUUIDWithSuffix(module string) string {
	id := uuid.New()
	return fmt.Sprintf("%s_%s", module, id.String())
}

// Kind is the type of content a generation job produces.
type Kind string

const (
	KindImage   Kind = "image"
	KindVideo   Kind = "video"
	KindAudio   Kind = "audio"
	KindMusic   Kind = "music"
	KindUpscale Kind = "upscale"
)

// Kinds lists every supported kind in a stable order.
var Kinds = []Kind{KindImage, KindVideo, KindAudio, KindMusic, KindUpscale}

func (k Kind) IsValid() bool {
	for _, known := range Kinds {
		if k == known {
			return true
		}
	}
	return false
}

// ParseKind normalizes s into a Kind. Unknown values produce an error that
// suggests the closest supported kind.
func ParseKind(s string) (Kind, error) {
	kind := Kind(strings.ToLower(strings.TrimSpace(s)))
	if kind.IsValid() {
		return kind, nil
	}

	best, bestDistance := Kind(""), -1
	for _, known := range Kinds {
		distance := levenshtein.DistanceForStrings([]rune(string(kind)), []rune(string(known)), levenshtein.DefaultOptions)
		if bestDistance < 0 || distance < bestDistance {
			best, bestDistance = known, distance
		}
	}

	if bestDistance >= 0 && bestDistance <= 3 {
		return "", fmt.Errorf("unsupported kind %q, did you mean %q?", s, best)
	}
	return "", fmt.Errorf("unsupported kind %q", s)
}

// DeriveIdempotencyKey hashes the owner, kind and payload of a submission.
// encoding/json sorts map keys, so equal payloads always hash the same.
func DeriveIdempotencyKey(ownerID string, kind Kind, payload map[string]interface{}) (string, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	hash := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%s", ownerID, kind, body)))
	return hex.EncodeToString(hash[:]), nil
}
