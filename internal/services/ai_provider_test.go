package services

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGeminiModelName(t *testing.T) {
	tests := []struct {
		name  string
		model string
		want  string
	}{
		{"bare_name", "gemini-1.5-pro", "gemini-1.5-pro"},
		{"vendor_prefixed", "google/gemini-flash-1.5", "gemini-flash-1.5"},
		{"nested_prefix", "models/google/gemini-1.5-flash", "gemini-1.5-flash"},
		{"empty_defaults", "", defaultGeminiModel},
		{"trailing_slash_defaults", "google/", defaultGeminiModel},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, geminiModelName(tt.model))
		})
	}
}
