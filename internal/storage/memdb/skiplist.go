package memdb

import (
	"math/rand"

	"github.com/surething-project/SmartSpace-sub004/internal/model"
)

const (
	maxLevel    = 16
	probability = 0.5
)

type skipListNode struct {
	key     string
	value   *model.Node
	forward []*skipListNode
}

// skipList keeps nodes ordered by address so subtrees are contiguous ranges
type skipList struct {
	head  *skipListNode
	level int
	size  int
}

func newSkipList() *skipList {
	return &skipList{
		head: &skipListNode{forward: make([]*skipListNode, maxLevel)},
	}
}

func (sl *skipList) randomLevel() int {
	level := 0
	for rand.Float64() < probability && level < maxLevel-1 {
		level++
	}
	return level
}

// findPredecessors fills update with the last node before key on every level
func (sl *skipList) findPredecessors(key string, update []*skipListNode) *skipListNode {
	current := sl.head
	for i := sl.level; i >= 0; i-- {
		for current.forward[i] != nil && current.forward[i].key < key {
			current = current.forward[i]
		}
		if update != nil {
			update[i] = current
		}
	}
	return current
}

// insert adds or replaces the node stored under key
func (sl *skipList) insert(key string, value *model.Node) {
	update := make([]*skipListNode, maxLevel)
	current := sl.findPredecessors(key, update).forward[0]

	if current != nil && current.key == key {
		current.value = value
		return
	}

	newLevel := sl.randomLevel()
	if newLevel > sl.level {
		for i := sl.level + 1; i <= newLevel; i++ {
			update[i] = sl.head
		}
		sl.level = newLevel
	}

	n := &skipListNode{
		key:     key,
		value:   value,
		forward: make([]*skipListNode, newLevel+1),
	}
	for i := 0; i <= newLevel; i++ {
		n.forward[i] = update[i].forward[i]
		update[i].forward[i] = n
	}
	sl.size++
}

func (sl *skipList) search(key string) (*model.Node, bool) {
	current := sl.findPredecessors(key, nil).forward[0]
	if current != nil && current.key == key {
		return current.value, true
	}
	return nil, false
}

func (sl *skipList) delete(key string) bool {
	update := make([]*skipListNode, maxLevel)
	current := sl.findPredecessors(key, update).forward[0]
	if current == nil || current.key != key {
		return false
	}

	for i := 0; i <= sl.level; i++ {
		if update[i].forward[i] != current {
			break
		}
		update[i].forward[i] = current.forward[i]
	}
	for sl.level > 0 && sl.head.forward[sl.level] == nil {
		sl.level--
	}
	sl.size--
	return true
}

func (sl *skipList) len() int {
	return sl.size
}

// seek returns an iterator positioned before the first key >= key
func (sl *skipList) seek(key string) *skipListIterator {
	return &skipListIterator{current: sl.findPredecessors(key, nil)}
}

type skipListIterator struct {
	current *skipListNode
}

func (it *skipListIterator) next() bool {
	if it.current == nil {
		return false
	}
	it.current = it.current.forward[0]
	return it.current != nil
}

func (it *skipListIterator) key() string {
	return it.current.key
}

func (it *skipListIterator) value() *model.Node {
	return it.current.value
}
