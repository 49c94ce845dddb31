package util

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParent(t *testing.T) {
	tests := []struct {
		address string
		want    string
	}{
		{"/", ""},
		{"/ka1", "/"},
		{"/ka1/sensors", "/ka1"},
		{"/ka1/sensors/temp", "/ka1/sensors"},
		{"a/b", "a"},
		{"a", ""},
	}

	for _, tt := range tests {
		t.Run(tt.address, func(t *testing.T) {
			assert.Equal(t, tt.want, Parent(tt.address))
		})
	}
}

func TestIsAncestor(t *testing.T) {
	assert.True(t, IsAncestor("/", "/ka1"))
	assert.True(t, IsAncestor("/ka1", "/ka1/a/b"))
	assert.True(t, IsAncestor("a", "a/b"))
	assert.False(t, IsAncestor("/ka1", "/ka1"))
	assert.False(t, IsAncestor("/ka1", "/ka10"))
	assert.False(t, IsAncestor("/ka1/a", "/ka1"))
	assert.False(t, IsAncestor("/", "/"))
}

func TestOverlapsAndSubtree(t *testing.T) {
	assert.True(t, Overlaps("/ka1", "/ka1/a"))
	assert.True(t, Overlaps("/ka1/a", "/ka1"))
	assert.True(t, Overlaps("/ka1/a", "/ka1/a"))
	assert.False(t, Overlaps("/ka1/a", "/ka1/b"))
	assert.True(t, InSubtree("/ka1/a", "/ka1"))
	assert.False(t, InSubtree("/ka2/a", "/ka1"))
}

func TestJoinDepthAncestors(t *testing.T) {
	assert.Equal(t, "/ka1", Join("/", "ka1"))
	assert.Equal(t, "/ka1/a", Join("/ka1", "a"))
	assert.Equal(t, 0, Depth("/"))
	assert.Equal(t, 3, Depth("/ka1/a/b"))
	assert.Equal(t, []string{"/ka1/a", "/ka1", "/"}, Ancestors("/ka1/a/b"))
	assert.True(t, IsDirectChild("/ka1/a", "/ka1"))
	assert.False(t, IsDirectChild("/ka1/a/b", "/ka1"))
	assert.Equal(t, "/ka1", AgentRoot("ka1"))
}
