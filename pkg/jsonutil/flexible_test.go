package jsonutil

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFlexibleStringValue(t *testing.T) {
	tests := []struct {
		name  string
		input json.RawMessage
		want  string
	}{
		{"string", json.RawMessage(`"hello"`), "hello"},
		{"empty string", json.RawMessage(`""`), ""},
		{"integer", json.RawMessage(`42`), "42"},
		{"negative integer", json.RawMessage(`-7`), "-7"},
		{"zero", json.RawMessage(`0`), "0"},
		{"float", json.RawMessage(`3.14`), "3.14"},
		{"large integer keeps precision", json.RawMessage(`9007199254740993`), "9007199254740993"},
		{"boolean true", json.RawMessage(`true`), "true"},
		{"boolean false", json.RawMessage(`false`), "false"},
		{"null", json.RawMessage(`null`), ""},
		{"empty raw message", json.RawMessage{}, ""},
		{"nil raw message", nil, ""},
		{"object falls back to raw text", json.RawMessage(`{"key":"value"}`), `{"key":"value"}`},
		{"array falls back to raw text", json.RawMessage(`[1,2,3]`), `[1,2,3]`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, FlexibleStringValue(tt.input))
		})
	}
}
