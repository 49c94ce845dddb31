// Package memdb is an in-memory Database backed by an ordered skip list.
package memdb

import (
	"context"
	"strings"
	"sync"

	"github.com/benbjohnson/clock"

	"github.com/surething-project/SmartSpace-sub004/internal/errors"
	"github.com/surething-project/SmartSpace-sub004/internal/model"
	"github.com/surething-project/SmartSpace-sub004/internal/storage"
	"github.com/surething-project/SmartSpace-sub004/internal/util"
)

// Store keeps every node in memory
type Store struct {
	mu     sync.RWMutex
	nodes  *skipList
	clock  clock.Clock
	closed bool
}

var _ storage.Database = (*Store)(nil)

// New creates an empty store
func New(clk clock.Clock) *Store {
	if clk == nil {
		clk = clock.New()
	}
	return &Store{
		nodes: newSkipList(),
		clock: clk,
	}
}

// Get returns a copy of the node at address
func (s *Store) Get(ctx context.Context, address string) (*model.Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, errors.Unavailable("database is closed", nil)
	}
	n, ok := s.nodes.search(address)
	if !ok {
		return nil, errors.NodeNotFound(address)
	}
	return n.Clone(), nil
}

// GetSubtree returns copies of the node at address and all descendants
func (s *Store) GetSubtree(ctx context.Context, address string) (model.NodeTree, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, errors.Unavailable("database is closed", nil)
	}
	tree := make(model.NodeTree)
	s.scan(address, func(n *model.Node) {
		tree[n.Address] = n.Clone()
	})
	if len(tree) == 0 {
		return nil, errors.NodeNotFound(address)
	}
	return tree, nil
}

// Children lists the direct children of address in address order
func (s *Store) Children(ctx context.Context, address string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, errors.Unavailable("database is closed", nil)
	}
	var children []string
	s.scan(address, func(n *model.Node) {
		if util.IsDirectChild(n.Address, address) {
			children = append(children, n.Address)
		}
	})
	return children, nil
}

// scan visits address and every descendant; callers hold s.mu
func (s *Store) scan(address string, visit func(*model.Node)) {
	if n, ok := s.nodes.search(address); ok {
		visit(n)
	}
	prefix := address + util.Separator
	if address == util.RootAddress {
		prefix = util.RootAddress
	}
	it := s.nodes.seek(prefix)
	for it.next() {
		if !strings.HasPrefix(it.key(), prefix) {
			break
		}
		if it.key() == address {
			continue
		}
		visit(it.value())
	}
}

// PutNode stores node as given
func (s *Store) PutNode(ctx context.Context, node *model.Node) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return errors.Unavailable("database is closed", nil)
	}
	s.nodes.insert(node.Address, node.Clone())
	return nil
}

// SetValueTree applies writes in order under one write lock
func (s *Store) SetValueTree(ctx context.Context, writes []model.ValueWrite) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return errors.Unavailable("database is closed", nil)
	}
	touched, err := storage.ApplyWrites(func(address string) (*model.Node, bool, error) {
		n, ok := s.nodes.search(address)
		return n, ok, nil
	}, writes, s.clock.Now())
	if err != nil {
		return errors.DatabaseFailed("failed to apply value tree", err)
	}
	for addr, n := range touched {
		s.nodes.insert(addr, n)
	}
	return nil
}

// Delete removes a single node; used by tests and maintenance
func (s *Store) Delete(ctx context.Context, address string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nodes.delete(address)
}

// Len returns the number of stored nodes
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.nodes.len()
}

// Close marks the store closed
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
