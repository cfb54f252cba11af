package clipboard

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

type fakeWriter struct {
	ok     bool
	copied []string
}

func (f *fakeWriter) Copy(text string) bool {
	f.copied = append(f.copied, text)
	return f.ok
}

func TestCopyOutput(t *testing.T) {
	t.Parallel()

	w := &fakeWriter{ok: true}
	assert.Empty(t, CopyOutput(w, "  \n"))
	assert.Empty(t, w.copied)

	assert.Equal(t, "Copied", CopyOutput(w, "hello"))
	assert.Equal(t, []string{"hello"}, w.copied)

	w.ok = false
	assert.Equal(t, "Copy failed", CopyOutput(w, "hello"))
}
