// Package book implements the BookRegistry: a per-(venue,symbol) store
// of the latest order book snapshot, push-updated by venue adapters and
// read consistently by DetectionService without blocking writers on other
// symbols.
package book

import (
	"sync"
	"time"

	"github.com/s2ungeda/arbit/arbit/errs"
	"github.com/s2ungeda/arbit/arbit/types"
)

// DefaultStalenessMS is the default age, in milliseconds, beyond which a
// book is treated as absent.
const DefaultStalenessMS = 2000

type key struct {
	venue, symbol string
}

// shard holds one key's book behind its own lock, so a write to
// (venueA,BTCUSDT) never blocks a read of (venueB,ETHUSDT): per-key
// writer, per-symbol consistent read.
type shard struct {
	mu   sync.RWMutex
	book *types.OrderBook
}

// Registry is the concrete BookRegistry. Updates publish the touched symbol
// onto the bounded MarketUpdateStream with drop-oldest overflow behavior.
type Registry struct {
	staleness time.Duration

	mu     sync.RWMutex // protects the shards map itself, not its contents
	shards map[key]*shard

	updates chan string

	crossedRejections int64
	rejMu             sync.Mutex
}

// New builds a Registry. updateBuffer sizes the MarketUpdateStream; once
// full, the oldest pending update is dropped to admit the newest.
func New(stalenessMS int, updateBuffer int) *Registry {
	if stalenessMS <= 0 {
		stalenessMS = DefaultStalenessMS
	}
	if updateBuffer <= 0 {
		updateBuffer = 256
	}
	return &Registry{
		staleness: time.Duration(stalenessMS) * time.Millisecond,
		shards:    make(map[key]*shard),
		updates:   make(chan string, updateBuffer),
	}
}

// MarketUpdateStream returns the channel DetectionService consumes. Each
// value is a symbol that changed on at least one venue since it was last
// read.
func (r *Registry) MarketUpdateStream() <-chan string {
	return r.updates
}

func (r *Registry) shardFor(venue, symbol string) *shard {
	k := key{venue, symbol}
	r.mu.RLock()
	s, ok := r.shards[k]
	r.mu.RUnlock()
	if ok {
		return s
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok = r.shards[k]; ok {
		return s
	}
	s = &shard{}
	r.shards[k] = s
	return s
}

// Update stores ob as the latest book for (ob.Venue, ob.Symbol) and
// publishes ob.Symbol onto the update stream. A crossed book is rejected:
// it is not stored, a rejection counter increments, and ErrCrossedBook is
// returned — never a panic, never a stored inconsistency.
func (r *Registry) Update(ob *types.OrderBook) error {
	if ob.Crossed() {
		r.rejMu.Lock()
		r.crossedRejections++
		r.rejMu.Unlock()
		return errs.ErrCrossedBook
	}

	s := r.shardFor(ob.Venue, ob.Symbol)
	s.mu.Lock()
	s.book = ob
	s.mu.Unlock()

	select {
	case r.updates <- ob.Symbol:
	default:
		// Drop-oldest: make room for the newest update, then retry once.
		select {
		case <-r.updates:
		default:
		}
		select {
		case r.updates <- ob.Symbol:
		default:
		}
	}
	return nil
}

// Get returns the latest book for (venue, symbol) if present and not stale
// as of now. A stale book is indistinguishable from an absent one: both
// return ok=false.
func (r *Registry) Get(venue, symbol string, now time.Time) (*types.OrderBook, bool) {
	s := r.shardFor(venue, symbol)
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.book == nil {
		return nil, false
	}
	if now.Sub(s.book.LastUpdate) > r.staleness {
		return nil, false
	}
	return s.book, true
}

// AllFresh returns every venue's current, non-stale book for symbol across
// the given venue set.
func (r *Registry) AllFresh(symbol string, venues []string, now time.Time) map[string]*types.OrderBook {
	out := make(map[string]*types.OrderBook, len(venues))
	for _, v := range venues {
		if ob, ok := r.Get(v, symbol, now); ok {
			out[v] = ob
		}
	}
	return out
}

// CrossedRejections returns the running count of rejected crossed books.
func (r *Registry) CrossedRejections() int64 {
	r.rejMu.Lock()
	defer r.rejMu.Unlock()
	return r.crossedRejections
}
