package sha256

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHashTextDeterministic(t *testing.T) {
	t.Parallel()

	h := New()
	got := h.HashText("hello world")
	assert.Equal(t, "b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9", got)
	assert.Equal(t, got, h.HashText("hello world"))
}

func TestHashTextFoldsWhitespace(t *testing.T) {
	t.Parallel()

	h := New()
	assert.Equal(t, h.HashText("hello world"), h.HashText("  hello\n\n\tworld "))
	assert.NotEqual(t, h.HashText("hello world"), h.HashText("hello  worlds"))
}
