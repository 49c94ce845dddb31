// Package badgerdb is the durable Database of an agent, backed by BadgerDB.
//
// Nodes are stored as JSON records sealed with a CRC32 trailer under the key
// "node:<address>". Value-tree writes run in a single read-write transaction,
// so a commit is either fully visible or not at all.
package badgerdb

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/benbjohnson/clock"
	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"

	"github.com/surething-project/SmartSpace-sub004/internal/errors"
	"github.com/surething-project/SmartSpace-sub004/internal/model"
	"github.com/surething-project/SmartSpace-sub004/internal/storage"
	"github.com/surething-project/SmartSpace-sub004/internal/util"
)

const keyPrefix = "node:"

// Config holds configuration for a BadgerDB-backed store
type Config struct {
	// Path is the directory for BadgerDB files; ignored when InMemory is set
	Path       string
	InMemory   bool
	SyncWrites bool
}

// Store implements storage.Database on BadgerDB
type Store struct {
	db     *badger.DB
	clock  clock.Clock
	logger *zap.Logger
}

var _ storage.Database = (*Store)(nil)

// badgerLogger adapts zap to BadgerDB's Logger interface
type badgerLogger struct {
	sugar *zap.SugaredLogger
}

func (l *badgerLogger) Errorf(format string, args ...interface{})   { l.sugar.Errorf(format, args...) }
func (l *badgerLogger) Warningf(format string, args ...interface{}) { l.sugar.Warnf(format, args...) }
func (l *badgerLogger) Infof(format string, args ...interface{})    { l.sugar.Debugf(format, args...) }
func (l *badgerLogger) Debugf(format string, args ...interface{})   { l.sugar.Debugf(format, args...) }

// Open opens the store described by cfg
func Open(cfg Config, clk clock.Clock, logger *zap.Logger) (*Store, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, fmt.Errorf("path is required for persistent database")
	}
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0750); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).
		WithNumVersionsToKeep(1).
		WithLogger(&badgerLogger{sugar: logger.Named("badger").Sugar()})

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger database: %w", err)
	}

	logger.Info("Opened node database",
		zap.String("path", cfg.Path),
		zap.Bool("in_memory", cfg.InMemory))

	return &Store{db: db, clock: clk, logger: logger}, nil
}

func nodeKey(address string) []byte {
	return []byte(keyPrefix + address)
}

func encodeNode(n *model.Node) ([]byte, error) {
	data, err := json.Marshal(n)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal node: %w", err)
	}
	return util.SealRecord(data), nil
}

func decodeNode(address string, raw []byte) (*model.Node, error) {
	data, ok := util.OpenRecord(raw)
	if !ok {
		return nil, errors.CorruptedData(fmt.Sprintf("checksum mismatch for %s", address), nil).
			WithDetail("address", address)
	}
	var n model.Node
	if err := json.Unmarshal(data, &n); err != nil {
		return nil, errors.CorruptedData(fmt.Sprintf("failed to decode node %s", address), err)
	}
	return &n, nil
}

func readNode(txn *badger.Txn, address string) (*model.Node, bool, error) {
	item, err := txn.Get(nodeKey(address))
	if err == badger.ErrKeyNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	raw, err := item.ValueCopy(nil)
	if err != nil {
		return nil, false, err
	}
	n, err := decodeNode(address, raw)
	if err != nil {
		return nil, false, err
	}
	return n, true, nil
}

// Get returns the node at address
func (s *Store) Get(ctx context.Context, address string) (*model.Node, error) {
	var node *model.Node
	err := s.db.View(func(txn *badger.Txn) error {
		n, ok, err := readNode(txn, address)
		if err != nil {
			return err
		}
		if !ok {
			return errors.NodeNotFound(address)
		}
		node = n
		return nil
	})
	if err != nil {
		return nil, wrapErr("failed to read node", err)
	}
	return node, nil
}

// scan visits address and every descendant inside txn
func scan(txn *badger.Txn, address string, visit func(*model.Node) error) error {
	n, ok, err := readNode(txn, address)
	if err != nil {
		return err
	}
	if ok {
		if err := visit(n); err != nil {
			return err
		}
	}

	prefix := nodeKey(address + util.Separator)
	if address == util.RootAddress {
		prefix = nodeKey(util.RootAddress)
	}
	it := txn.NewIterator(badger.DefaultIteratorOptions)
	defer it.Close()

	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		item := it.Item()
		addr := string(item.Key()[len(keyPrefix):])
		if addr == address {
			continue
		}
		raw, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		child, err := decodeNode(addr, raw)
		if err != nil {
			return err
		}
		if err := visit(child); err != nil {
			return err
		}
	}
	return nil
}

// GetSubtree returns the node at address and all descendants
func (s *Store) GetSubtree(ctx context.Context, address string) (model.NodeTree, error) {
	tree := make(model.NodeTree)
	err := s.db.View(func(txn *badger.Txn) error {
		return scan(txn, address, func(n *model.Node) error {
			tree[n.Address] = n
			return nil
		})
	})
	if err != nil {
		return nil, wrapErr("failed to read subtree", err)
	}
	if len(tree) == 0 {
		return nil, errors.NodeNotFound(address)
	}
	return tree, nil
}

// Children lists the direct children of address in key order
func (s *Store) Children(ctx context.Context, address string) ([]string, error) {
	var children []string
	err := s.db.View(func(txn *badger.Txn) error {
		return scan(txn, address, func(n *model.Node) error {
			if util.IsDirectChild(n.Address, address) {
				children = append(children, n.Address)
			}
			return nil
		})
	})
	if err != nil {
		return nil, wrapErr("failed to list children", err)
	}
	return children, nil
}

// PutNode stores node as given
func (s *Store) PutNode(ctx context.Context, node *model.Node) error {
	raw, err := encodeNode(node)
	if err != nil {
		return errors.InternalError("failed to encode node", err)
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(nodeKey(node.Address), raw)
	})
	if err != nil {
		return wrapErr("failed to store node", err)
	}
	return nil
}

// SetValueTree applies writes in order inside one transaction
func (s *Store) SetValueTree(ctx context.Context, writes []model.ValueWrite) error {
	now := s.clock.Now()
	err := s.db.Update(func(txn *badger.Txn) error {
		touched, err := storage.ApplyWrites(func(address string) (*model.Node, bool, error) {
			return readNode(txn, address)
		}, writes, now)
		if err != nil {
			return err
		}
		for addr, n := range touched {
			raw, err := encodeNode(n)
			if err != nil {
				return err
			}
			if err := txn.Set(nodeKey(addr), raw); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return wrapErr("failed to apply value tree", err)
	}
	return nil
}

// Close closes the underlying database
func (s *Store) Close() error {
	return s.db.Close()
}

// wrapErr keeps repository errors as they are and wraps badger failures
func wrapErr(message string, err error) error {
	if errors.IsKORError(err) {
		return err
	}
	return errors.DatabaseFailed(message, err)
}
