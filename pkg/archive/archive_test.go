package archive

import (
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestObjectKey(t *testing.T) {
	assert.Equal(t, "snapshots/notes/00000000000000000042.automerge", ObjectKey("notes", 42))
	assert.Equal(t, "snapshots/a%2Fb/00000000000000000001.automerge", ObjectKey("a/b", 1))
}

func TestConfigEnabled(t *testing.T) {
	assert.Equal(t, false, Config{}.Enabled())
	assert.Equal(t, false, Config{Endpoint: "localhost:9000"}.Enabled())
	assert.Equal(t, true, Config{Endpoint: "localhost:9000", Bucket: "relay"}.Enabled())
}
