package handlers

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBuildInitials(t *testing.T) {
	tests := []struct {
		name string
		want string
	}{
		{"", "?"},
		{"Jane", "J"},
		{"Jane Doe", "JD"},
		{"jane doe", "JD"},
		{"Jane Ann Doe", "JA"},
		{"Ülkü Öztürk", "ÜÖ"},
		{"李 明", "李明"},
		{"  spaced   out  ", "SO"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, buildInitials(tt.name), "name %q", tt.name)
	}
}
