// Package policy holds the cache replacement policies used by the node cache
// cleaner. Every policy is a pure function of the meta-cache snapshot.
package policy

import (
	"fmt"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/surething-project/SmartSpace-sub004/internal/model"
)

// Policy selects cached addresses to evict
type Policy interface {
	Name() string
	// SelectVictims returns addresses whose combined size is at least
	// minBytesToFree, or every address if the cache is smaller than that.
	SelectVictims(cached []*model.CachedNode, minBytesToFree int64) []string
}

const (
	NameFIFO   = "fifo"
	NameLFU    = "lfu"
	NameLRU    = "lru"
	NameRandom = "rr"
)

// ByName resolves a configured policy name
func ByName(name string) (Policy, error) {
	switch strings.ToLower(name) {
	case NameFIFO:
		return FIFO(), nil
	case NameLFU:
		return LFU(), nil
	case NameLRU, "":
		return LRU(), nil
	case NameRandom, "random":
		return Random(rand.New(rand.NewSource(time.Now().UnixNano()))), nil
	default:
		return nil, fmt.Errorf("unknown replacement policy %q", name)
	}
}

// orderedPolicy evicts in the order given by less, ties broken by insertion sequence
type orderedPolicy struct {
	name string
	less func(a, b *model.CachedNode) bool
}

func (p *orderedPolicy) Name() string { return p.name }

func (p *orderedPolicy) SelectVictims(cached []*model.CachedNode, minBytesToFree int64) []string {
	ordered := byInsertion(cached)
	sort.SliceStable(ordered, func(i, j int) bool {
		return p.less(ordered[i], ordered[j])
	})
	return take(ordered, minBytesToFree)
}

// FIFO evicts the entries cached first
func FIFO() Policy {
	return &orderedPolicy{
		name: NameFIFO,
		less: func(a, b *model.CachedNode) bool {
			return a.InitialCacheTimestamp.Before(b.InitialCacheTimestamp)
		},
	}
}

// LFU evicts the least frequently accessed entries
func LFU() Policy {
	return &orderedPolicy{
		name: NameLFU,
		less: func(a, b *model.CachedNode) bool {
			return a.AccessCount < b.AccessCount
		},
	}
}

// LRU evicts the least recently accessed entries
func LRU() Policy {
	return &orderedPolicy{
		name: NameLRU,
		less: func(a, b *model.CachedNode) bool {
			return a.LastAccessed.Before(b.LastAccessed)
		},
	}
}

type randomPolicy struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// Random evicts a uniformly shuffled selection
func Random(rng *rand.Rand) Policy {
	return &randomPolicy{rng: rng}
}

func (p *randomPolicy) Name() string { return NameRandom }

func (p *randomPolicy) SelectVictims(cached []*model.CachedNode, minBytesToFree int64) []string {
	shuffled := byInsertion(cached)
	p.mu.Lock()
	p.rng.Shuffle(len(shuffled), func(i, j int) {
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	})
	p.mu.Unlock()
	return take(shuffled, minBytesToFree)
}

func byInsertion(cached []*model.CachedNode) []*model.CachedNode {
	out := make([]*model.CachedNode, len(cached))
	copy(out, cached)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Sequence < out[j].Sequence
	})
	return out
}

func take(ordered []*model.CachedNode, minBytesToFree int64) []string {
	if minBytesToFree <= 0 {
		return nil
	}
	var freed int64
	victims := make([]string, 0)
	for _, entry := range ordered {
		if freed >= minBytesToFree {
			break
		}
		victims = append(victims, entry.Address)
		freed += entry.Size
	}
	return victims
}
