package contextpacks

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentgateway/gateway/internal/backend"
)

func TestRunIDPattern(t *testing.T) {
	assert.True(t, RunIDPattern.MatchString("20260730_101112_deadbeef"))
	assert.False(t, RunIDPattern.MatchString("not-a-run-id"))
	assert.False(t, RunIDPattern.MatchString("20260730_101112_deadbee")) // 7 hex chars
}

func TestPutGet_MemoryOnly(t *testing.T) {
	s := NewStore("")
	msgs := []backend.Message{{Role: backend.RoleUser, Content: "hi"}}
	require.NoError(t, s.Put("20260730_101112_deadbeef", "thread-1", msgs))

	pack, ok := s.Get("20260730_101112_deadbeef")
	require.True(t, ok)
	assert.Equal(t, "thread-1", pack.ParentThreadID)
	assert.Len(t, pack.Messages, 1)
}

func TestGet_MissingReturnsFalse(t *testing.T) {
	s := NewStore("")
	_, ok := s.Get("20260730_101112_deadbeef")
	assert.False(t, ok)
}

func TestPutGet_DiskPersistsAcrossInstances(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "contextpacks")
	s1 := NewStore(dir)
	msgs := []backend.Message{{Role: backend.RoleAssistant, Content: "delegating"}}
	require.NoError(t, s1.Put("20260730_101112_deadbeef", "thread-9", msgs))

	s2 := NewStore(dir)
	pack, ok := s2.Get("20260730_101112_deadbeef")
	require.True(t, ok)
	assert.Equal(t, "thread-9", pack.ParentThreadID)
}

func TestDelete_RemovesFromMemoryAndDisk(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "contextpacks")
	s := NewStore(dir)
	require.NoError(t, s.Put("20260730_101112_deadbeef", "thread-1", nil))
	s.Delete("20260730_101112_deadbeef")

	_, ok := s.Get("20260730_101112_deadbeef")
	assert.False(t, ok)
}
