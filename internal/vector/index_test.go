package vector

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIndexName(t *testing.T) {
	assert.Equal(t, "kbdoc_tenant1", IndexName("kbdoc_", "tenant1"))
	assert.Equal(t, "kbdoc_a_b_c", IndexName("kbdoc_", "a-b.c"))
	assert.Equal(t, IndexName("p_", "t"), IndexName("p_", "t"), "deterministic")
	assert.NotEqual(t, IndexName("p_", "t1"), IndexName("p_", "t2"))
}

func TestChunkPatchIsEmpty(t *testing.T) {
	assert.True(t, ChunkPatch{}.IsEmpty())
	on := true
	assert.False(t, ChunkPatch{Available: &on}.IsEmpty())
}
