package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"gopkg.in/yaml.v3"
)

func TestExpandEnv(t *testing.T) {
	tests := []struct {
		name  string
		input string
		env   map[string]string
		want  string
	}{
		{
			name:  "simple substitution with {{.VAR}}",
			input: "listen_addr: {{.LISTEN_ADDR}}",
			env:   map[string]string{"LISTEN_ADDR": ":9090"},
			want:  "listen_addr: :9090",
		},
		{
			name:  "literal ${VAR} is NOT expanded (no collision)",
			input: "pattern: ${THREAD_ID}",
			env:   map[string]string{"THREAD_ID": "123"},
			want:  "pattern: ${THREAD_ID}",
		},
		{
			name:  "literal $ in regex preserved",
			input: "regex: ^run:.*$",
			env:   map[string]string{},
			want:  "regex: ^run:.*$",
		},
		{
			name:  "multiple substitutions in one line",
			input: "dsn: {{.DB_HOST}}:{{.DB_PORT}}",
			env: map[string]string{
				"DB_HOST": "localhost",
				"DB_PORT": "5432",
			},
			want: "dsn: localhost:5432",
		},
		{
			name:  "missing variable expands to empty",
			input: "endpoint: {{.MISSING_VAR}}",
			env:   map[string]string{},
			want:  "endpoint: ",
		},
		{
			name:  "no substitution when no variables",
			input: "static: value",
			env:   map[string]string{"UNUSED": "value"},
			want:  "static: value",
		},
		{
			name: "nested YAML structure",
			input: `server:
  listen_addr: {{.LISTEN_ADDR}}
stream:
  max_buffer_size: {{.BUFFER}}`,
			env: map[string]string{
				"LISTEN_ADDR": ":8080",
				"BUFFER":      "2048",
			},
			want: `server:
  listen_addr: :8080
stream:
  max_buffer_size: 2048`,
		},
		{
			name:  "special characters in expanded value",
			input: "password: {{.DB_PASSWORD}}",
			env:   map[string]string{"DB_PASSWORD": "p@ssw0rd!#$%"},
			want:  "password: p@ssw0rd!#$%",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			result := ExpandEnv([]byte(tt.input))
			assert.Equal(t, tt.want, string(result))
		})
	}
}

// Malformed template syntax passes through unchanged so the YAML parser can
// either handle it as a literal or fail with a clearer error.
func TestExpandEnvMalformedTemplates(t *testing.T) {
	inputs := []string{
		"listen_addr: {{.LISTEN_ADDR",
		"listen_addr: {{",
		"listen_addr: }}LISTEN_ADDR{{",
		"listen_addr: {{.LISTEN ADDR}}",
	}
	for _, input := range inputs {
		t.Run(input, func(t *testing.T) {
			t.Setenv("LISTEN_ADDR", "should-not-appear")
			result := ExpandEnv([]byte(input))
			assert.Equal(t, input, string(result))
			assert.NotContains(t, string(result), "should-not-appear")
		})
	}
}

func TestExpandEnvPassThroughToYAMLParser(t *testing.T) {
	// Malformed template inside quotes is still valid YAML after passthrough.
	input := `
server:
  listen_addr: "{{.LISTEN_ADDR"
`
	expanded := ExpandEnv([]byte(input))
	var result map[string]any
	assert.NoError(t, yaml.Unmarshal(expanded, &result))
	assert.NotNil(t, result)
}
