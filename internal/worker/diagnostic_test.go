package worker

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCleanDiagnostic(t *testing.T) {
	tests := []struct {
		name  string
		chunk string
		want  string
	}{
		{"plain", "model loaded\n", "model loaded"},
		{"colour", "\x1b[31mERROR\x1b[0m: camera offline\n", "ERROR: camera offline"},
		{"title", "\x1b]0;worker\x07starting", "starting"},
		{"blank", " \n\t\n", ""},
		{"only escapes", "\x1b[2K\x1b[1G", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CleanDiagnostic([]byte(tt.chunk)))
		})
	}
}
