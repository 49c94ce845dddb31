package model

import "time"

// CachedNode is the meta-cache bookkeeping for one cached address
type CachedNode struct {
	Address               string
	Size                  int64
	InitialCacheTimestamp time.Time
	LastAccessed          time.Time
	AccessCount           int64
	ExpiresAt             time.Time // zero means no expiry
	Sequence              uint64    // insertion order, used to break ties
}

// NewCachedNode creates an entry first cached at now
func NewCachedNode(address string, size int64, now time.Time, seq uint64) *CachedNode {
	return &CachedNode{
		Address:               address,
		Size:                  size,
		InitialCacheTimestamp: now,
		LastAccessed:          now,
		Sequence:              seq,
	}
}

// Touch records one cache hit
func (c *CachedNode) Touch(now time.Time) {
	c.LastAccessed = now
	c.AccessCount++
}

// IsValid reports whether now falls inside [InitialCacheTimestamp, ExpiresAt]
func (c *CachedNode) IsValid(now time.Time) bool {
	if now.Before(c.InitialCacheTimestamp) {
		return false
	}
	return c.ExpiresAt.IsZero() || !now.After(c.ExpiresAt)
}

// EmptyHash is the baseline of a full (non incremental) update
const EmptyHash = ""

// IncrementalUpdate describes the structural changes between two repository hashes of one agent
type IncrementalUpdate struct {
	AgentID    string
	FromHash   string
	ToHash     string
	Changed    []string
	FullResync bool
	Payload    []byte
}

// IsIncremental reports whether the update is relative to a previous state
func (u *IncrementalUpdate) IsIncremental() bool {
	return u.FromHash != EmptyHash && !u.FullResync
}

// CachedUpdate is an incremental update parked until its baseline matches
type CachedUpdate struct {
	Update     *IncrementalUpdate
	ReceivedAt time.Time
}
