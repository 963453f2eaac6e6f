// Package cache implements the response cache of the script runtime.
//
// A provider request is identified by a fingerprint: a SHA-256 over the
// canonical JSON encoding of the model, the message sequence, sampling
// parameters, the offered tools and an optional namespace. Canonical means
// object keys are sorted at every level, including inside tool-call
// arguments, so semantically equal requests hash the same regardless of the
// key order a model or caller produced.
//
// Two tiers exist. The ephemeral tier lives for one run and serves repeated
// prefixes inside a conversation. The persistent tier is shared across runs
// through a contracts.CacheStore backend (memory, file, redis, mysql or
// postgres). Entries are never overwritten once written.
package cache

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/agentoven/scriptrun/pkg/models"
)

// fingerprintVersion changes whenever the canonical form changes.
const fingerprintVersion = "v1"

// FingerprintInput is everything that determines a provider response.
type FingerprintInput struct {
	Model     models.ModelSpec
	Messages  []models.ChatMessage
	Sampling  models.SamplingParams
	Tools     []models.ToolSpec
	Namespace string
}

type canonicalModel struct {
	Provider string `json:"provider"`
	Model    string `json:"model"`
}

type canonicalTool struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description,omitempty"`
	Parameters  map[string]interface{} `json:"parameters,omitempty"`
}

// Fingerprint returns the hex-encoded cache key for in.
func Fingerprint(in FingerprintInput) (string, error) {
	// The alias is dropped: two aliases resolving to the same model share
	// entries. Tool kind and server are irrelevant to the provider.
	tools := make([]canonicalTool, len(in.Tools))
	for i, t := range in.Tools {
		tools[i] = canonicalTool{Name: t.Name, Description: t.Description, Parameters: t.Parameters}
	}
	doc := map[string]interface{}{
		"version":   fingerprintVersion,
		"model":     canonicalModel{Provider: in.Model.Provider, Model: in.Model.ModelID()},
		"messages":  sanitizeMessages(in.Messages),
		"sampling":  in.Sampling,
		"tools":     tools,
		"namespace": in.Namespace,
	}

	b, err := canonicalJSON(doc)
	if err != nil {
		return "", fmt.Errorf("fingerprint: %w", err)
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// sanitizeMessages replaces tool-call arguments that are not valid JSON
// (models do emit those) with their string form so encoding cannot fail.
func sanitizeMessages(msgs []models.ChatMessage) []models.ChatMessage {
	out := make([]models.ChatMessage, len(msgs))
	for i, m := range msgs {
		out[i] = m
		if len(m.ToolCalls) == 0 {
			continue
		}
		calls := make([]models.ToolCall, len(m.ToolCalls))
		for j, c := range m.ToolCalls {
			calls[j] = c
			if len(c.Arguments) > 0 && !json.Valid(c.Arguments) {
				quoted, _ := json.Marshal(string(c.Arguments))
				calls[j].Arguments = quoted
			}
		}
		out[i].ToolCalls = calls
	}
	return out
}

// canonicalJSON encodes v, decodes it into generic values and encodes it
// again. encoding/json writes map keys sorted, and RawMessage payloads such
// as tool-call arguments are decoded too, so the result is key-order
// independent all the way down. Numbers keep their literal form.
func canonicalJSON(v interface{}) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var generic interface{}
	if err := dec.Decode(&generic); err != nil {
		return nil, err
	}
	return json.Marshal(generic)
}
