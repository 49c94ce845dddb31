// Package storage defines the backing store the repository core reads and
// writes through. Implementations live in the memdb and badgerdb packages.
package storage

import (
	"context"
	"time"

	"github.com/surething-project/SmartSpace-sub004/internal/model"
	"github.com/surething-project/SmartSpace-sub004/internal/util"
)

// Database is the node store of one agent
type Database interface {
	// Get returns the node at address or a NodeNotFound error
	Get(ctx context.Context, address string) (*model.Node, error)
	// GetSubtree returns the node at address and all of its descendants
	GetSubtree(ctx context.Context, address string) (model.NodeTree, error)
	// Children lists the direct child addresses of address
	Children(ctx context.Context, address string) ([]string, error)
	// PutNode stores a node with all of its metadata as given
	PutNode(ctx context.Context, node *model.Node) error
	// SetValueTree applies ordered value writes atomically
	SetValueTree(ctx context.Context, writes []model.ValueWrite) error
	Close() error
}

// LoadFunc reads a node for ApplyWrites; ok is false when the node does not exist
type LoadFunc func(address string) (node *model.Node, ok bool, err error)

// ApplyWrites computes every node touched by an ordered list of value writes.
// Each write sets the value of its address and bumps that node's version by
// one. Every existing ancestor's version is bumped as well, so a node's
// version changes whenever anything in its subtree changes. Nodes that do not
// exist yet are created writable and readable.
func ApplyWrites(load LoadFunc, writes []model.ValueWrite, now time.Time) (map[string]*model.Node, error) {
	touched := make(map[string]*model.Node)

	lookup := func(address string) (*model.Node, error) {
		if n, ok := touched[address]; ok {
			return n, nil
		}
		n, ok, err := load(address)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, nil
		}
		n = n.Clone()
		touched[address] = n
		return n, nil
	}

	for _, w := range writes {
		node, err := lookup(w.Address)
		if err != nil {
			return nil, err
		}
		if node == nil {
			node = &model.Node{
				Address:      w.Address,
				Capabilities: model.DefaultCapabilities,
			}
			touched[w.Address] = node
		}
		node.Value = w.Value
		node.Version++
		node.Timestamp = now

		for _, ancestor := range util.Ancestors(w.Address) {
			parent, err := lookup(ancestor)
			if err != nil {
				return nil, err
			}
			if parent != nil {
				parent.Version++
			}
		}
	}

	return touched, nil
}
