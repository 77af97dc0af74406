package secrets

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMask(t *testing.T) {
	tests := []struct {
		name    string
		secrets []string
		input   string
		want    string
	}{
		{
			name:    "long secret keeps first char",
			secrets: []string{"s3cr3t"},
			input:   "curl -u admin:s3cr3t https://example.org",
			want:    "curl -u admin:s*** https://example.org",
		},
		{
			name:    "short secret masks fully",
			secrets: []string{"pw1"},
			input:   "password=pw1",
			want:    "password=***",
		},
		{
			name:    "four char boundary masks fully",
			secrets: []string{"abcd"},
			input:   "key abcd here",
			want:    "key *** here",
		},
		{
			name:    "longest secret replaced first",
			secrets: []string{"token", "token-extended"},
			input:   "use token-extended not token",
			want:    "use t*** not t***",
		},
		{
			name:    "no secrets registered",
			secrets: nil,
			input:   "nothing to hide",
			want:    "nothing to hide",
		},
		{
			name:    "repeated occurrences",
			secrets: []string{"hunter2"},
			input:   "hunter2 and hunter2",
			want:    "h*** and h***",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewMasker()
			m.AddAll(tt.secrets)
			assert.Equal(t, tt.want, m.Mask(tt.input))
		})
	}
}

func TestAddIgnoresEmpty(t *testing.T) {
	m := NewMasker()
	m.Add("")
	assert.Equal(t, 0, m.Len())
}

func TestMaskValue(t *testing.T) {
	m := NewMasker()
	m.Add("supersecret")

	input := map[string]interface{}{
		"command": "echo supersecret",
		"nested": map[string]interface{}{
			"values": []interface{}{"supersecret", 42.0, true, nil},
		},
	}

	masked := m.MaskValue(input).(map[string]interface{})
	assert.Equal(t, "echo s***", masked["command"])

	nested := masked["nested"].(map[string]interface{})
	values := nested["values"].([]interface{})
	assert.Equal(t, "s***", values[0])
	assert.Equal(t, 42.0, values[1])
	assert.Equal(t, true, values[2])
	assert.Nil(t, values[3])

	// Input left untouched.
	assert.Equal(t, "echo supersecret", input["command"])
}

func TestMaskJSON(t *testing.T) {
	m := NewMasker()
	m.Add("tok_abcdef")

	masked := m.MaskJSON(`{"auth":"tok_abcdef","n":1}`)
	assert.Contains(t, masked, "t***")
	assert.NotContains(t, masked, "tok_abcdef")

	// Invalid JSON falls back to plain string masking.
	assert.Equal(t, "t*** raw", m.MaskJSON("tok_abcdef raw"))
}
