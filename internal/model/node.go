package model

import "time"

// Capability is a bit set describing what an address supports
type Capability uint8

const (
	CapabilityReadable Capability = 1 << iota
	CapabilityWritable
	CapabilityVirtual
)

// DefaultCapabilities applies to nodes created by plain value writes
const DefaultCapabilities = CapabilityReadable | CapabilityWritable

// Has reports whether every bit of other is set
func (c Capability) Has(other Capability) bool {
	return c&other == other
}

// CacheHint carries the owner's caching instructions for a node
type CacheHint struct {
	NoCache bool          `json:"no_cache,omitempty"`
	TTL     time.Duration `json:"ttl,omitempty"`
}

// Node is one entry of the address tree
type Node struct {
	Address      string     `json:"address"`
	Value        string     `json:"value"`
	Version      int64      `json:"version"`
	Timestamp    time.Time  `json:"timestamp"`
	Types        []string   `json:"types,omitempty"`
	Readers      []string   `json:"readers,omitempty"`
	Writers      []string   `json:"writers,omitempty"`
	Restriction  string     `json:"restriction,omitempty"`
	CacheHint    CacheHint  `json:"cache_hint"`
	Capabilities Capability `json:"capabilities"`
}

// Clone returns a deep copy of the node
func (n *Node) Clone() *Node {
	if n == nil {
		return nil
	}
	c := *n
	c.Types = append([]string(nil), n.Types...)
	c.Readers = append([]string(nil), n.Readers...)
	c.Writers = append([]string(nil), n.Writers...)
	return &c
}

// Size estimates the memory footprint of the node for cache accounting
func (n *Node) Size() int64 {
	size := int64(len(n.Address) + len(n.Value) + len(n.Restriction) + 64)
	for _, s := range n.Types {
		size += int64(len(s))
	}
	for _, s := range n.Readers {
		size += int64(len(s))
	}
	for _, s := range n.Writers {
		size += int64(len(s))
	}
	return size
}

// NodeTree is a subtree read result keyed by address
type NodeTree map[string]*Node

// Clone returns a deep copy of the tree
func (t NodeTree) Clone() NodeTree {
	out := make(NodeTree, len(t))
	for addr, n := range t {
		out[addr] = n.Clone()
	}
	return out
}

// ValueWrite is one staged or committed value change
type ValueWrite struct {
	Address string
	Value   string
}
