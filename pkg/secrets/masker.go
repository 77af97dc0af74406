// Package secrets provides utilities for masking values that originated
// from secret sources before they reach any log output.
package secrets

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// MaskToken is the fixed token substituted for secret values.
const MaskToken = "***"

// Masker replaces known secret values in strings and data structures.
// It is safe for concurrent use: the run driver registers secrets while
// handlers and the logging handler read them.
type Masker struct {
	mu      sync.RWMutex
	secrets map[string]bool
}

// NewMasker creates an empty masker.
func NewMasker() *Masker {
	return &Masker{secrets: make(map[string]bool)}
}

// Add registers a value to be masked. Empty values are ignored.
func (m *Masker) Add(value string) {
	if value == "" {
		return
	}
	m.mu.Lock()
	m.secrets[value] = true
	m.mu.Unlock()
}

// AddAll registers every value in the slice.
func (m *Masker) AddAll(values []string) {
	for _, v := range values {
		m.Add(v)
	}
}

// Len returns the number of registered secret values.
func (m *Masker) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.secrets)
}

// Mask replaces every registered secret substring in s. Longer secrets are
// replaced first so a secret contained inside another is not left behind as
// a fragment. Secrets longer than four characters keep their first
// character ahead of the token; shorter ones mask to the bare token.
func (m *Masker) Mask(s string) string {
	m.mu.RLock()
	ordered := make([]string, 0, len(m.secrets))
	for secret := range m.secrets {
		ordered = append(ordered, secret)
	}
	m.mu.RUnlock()

	sort.Slice(ordered, func(i, j int) bool {
		if len(ordered[i]) != len(ordered[j]) {
			return len(ordered[i]) > len(ordered[j])
		}
		return ordered[i] < ordered[j]
	})

	result := s
	for _, secret := range ordered {
		if strings.Contains(result, secret) {
			result = strings.ReplaceAll(result, secret, maskedForm(secret))
		}
	}
	return result
}

// maskedForm returns the replacement text for a single secret value.
func maskedForm(secret string) string {
	if len(secret) > 4 {
		return secret[:1] + MaskToken
	}
	return MaskToken
}

// MaskValue recursively masks secrets in any JSON-shaped value.
// Returns a new value; the input is not modified.
func (m *Masker) MaskValue(v interface{}) interface{} {
	switch val := v.(type) {
	case string:
		return m.Mask(val)
	case map[string]interface{}:
		result := make(map[string]interface{}, len(val))
		for k, item := range val {
			result[k] = m.MaskValue(item)
		}
		return result
	case []interface{}:
		result := make([]interface{}, len(val))
		for i, item := range val {
			result[i] = m.MaskValue(item)
		}
		return result
	case json.Number, bool, nil, float64, int, int64:
		return val
	default:
		return m.Mask(fmt.Sprintf("%v", val))
	}
}

// MaskJSON masks secrets in a JSON string. Returns the masked JSON, or the
// string-masked input if it does not parse.
func (m *Masker) MaskJSON(jsonStr string) string {
	var data interface{}
	if err := json.Unmarshal([]byte(jsonStr), &data); err != nil {
		return m.Mask(jsonStr)
	}

	masked := m.MaskValue(data)
	result, err := json.Marshal(masked)
	if err != nil {
		return m.Mask(jsonStr)
	}
	return string(result)
}
