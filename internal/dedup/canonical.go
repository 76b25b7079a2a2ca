// Package dedup canonicalizes raw requests into stable keys and admits them
// against the record store, guaranteeing at most one scheduled unit of work
// per logical target.
package dedup

import (
	"encoding/json"
	"fmt"

	"github.com/seedspider/seedspider/internal/orchestrator"
)

// CanonicalVersion tags the canonicalization rule baked into stored keys.
// Changing how keys are derived invalidates every stored key, so any change
// to normalization or digest input MUST bump this version.
const CanonicalVersion = "v1"

// Canonicalizer derives the canonical key for a request: the input is
// JSON-normalized (decoded and re-encoded, which sorts object keys), then
// digested together with the version tag and action type name.
type Canonicalizer struct {
	hasher orchestrator.Hasher
}

// NewCanonicalizer builds a Canonicalizer over the given digest.
func NewCanonicalizer(hasher orchestrator.Hasher) *Canonicalizer {
	return &Canonicalizer{hasher: hasher}
}

// Canonicalize returns the stable key for (actionType, rawInput). Equal
// inputs that differ only in JSON key order or whitespace map to one key.
func (c *Canonicalizer) Canonicalize(actionType string, rawInput json.RawMessage) (string, error) {
	if actionType == "" {
		return "", fmt.Errorf("action type is required")
	}
	normalized, err := normalizeJSON(rawInput)
	if err != nil {
		return "", fmt.Errorf("normalize input: %w", err)
	}
	key, err := c.hasher.Hash([]byte(CanonicalVersion + "|" + actionType + "|" + normalized))
	if err != nil {
		return "", fmt.Errorf("hash canonical form: %w", err)
	}
	return key, nil
}

// Marshal converts an arbitrary input value into its raw JSON form.
func Marshal(input any) (json.RawMessage, error) {
	if raw, ok := input.(json.RawMessage); ok {
		return raw, nil
	}
	data, err := json.Marshal(input)
	if err != nil {
		return nil, fmt.Errorf("marshal request input: %w", err)
	}
	return data, nil
}

func normalizeJSON(raw json.RawMessage) (string, error) {
	if len(raw) == 0 {
		return "null", nil
	}
	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return "", err
	}
	// encoding/json emits map keys sorted, which is the normalization.
	out, err := json.Marshal(decoded)
	if err != nil {
		return "", err
	}
	return string(out), nil
}
