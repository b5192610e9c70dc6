// Package channels implements the ChannelHub: the bounded, typed internal
// streams connecting DetectionService, TradeDispatcher, Executor,
// InventoryController and SafetyMonitor, plus an optional external mirror
// over NATS JetStream for observers outside the process.
package channels

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/s2ungeda/arbit/arbit/types"
)

// Overflow policies differ per stream:
//   - trade signals and passive-rebalance signals: lossy, coalescing by
//     symbol (a newer signal for the same symbol replaces the pending one
//     rather than queuing behind it)
//   - execution results, safety events and rebalance proposals: never
//     dropped; a full channel blocks the publisher rather than lose one
const signalBuffer = 64
const passiveBuffer = 64
const resultBuffer = 256
const safetyBuffer = 64
const proposalBuffer = 64
const strategyBuffer = 64

// Hub owns the internal streams and an optional NATS mirror.
type Hub struct {
	signals   chan types.Opportunity
	passive   chan types.Opportunity
	results   chan types.Transaction
	safety    chan SafetyEvent
	proposals chan types.RebalanceProposal
	strategy  chan StrategyUpdate

	mu                sync.Mutex
	pending           map[string]types.Opportunity // symbol -> latest coalesced signal awaiting delivery
	pendingSet        map[string]bool
	pendingPassive    map[string]types.Opportunity // symbol -> latest coalesced passive candidate awaiting delivery
	pendingPassiveSet map[string]bool

	resultSubsMu sync.Mutex
	resultSubs   []chan types.Transaction

	nc     *nats.Conn
	js     nats.JetStreamContext
	logger *logrus.Entry
}

// SafetyEvent is published whenever SafetyMonitor trips or resets the
// kill-switch.
type SafetyEvent struct {
	Tripped   bool
	Reason    string
	Timestamp time.Time
}

// StrategyUpdate is published whenever SmartStrategy changes the global
// minimum profit threshold, carrying the new value and why it moved.
type StrategyUpdate struct {
	ThresholdPct decimal.Decimal
	Reason       string
	Timestamp    time.Time
}

// New builds an in-process-only Hub (no NATS mirror).
func New(logger *logrus.Entry) *Hub {
	if logger == nil {
		logger = logrus.WithField("component", "channel-hub")
	}
	return &Hub{
		signals:           make(chan types.Opportunity, signalBuffer),
		passive:           make(chan types.Opportunity, passiveBuffer),
		results:           make(chan types.Transaction, resultBuffer),
		safety:            make(chan SafetyEvent, safetyBuffer),
		proposals:         make(chan types.RebalanceProposal, proposalBuffer),
		strategy:          make(chan StrategyUpdate, strategyBuffer),
		pending:           make(map[string]types.Opportunity),
		pendingSet:        make(map[string]bool),
		pendingPassive:    make(map[string]types.Opportunity),
		pendingPassiveSet: make(map[string]bool),
		logger:            logger,
	}
}

// NATSConfig configures the optional external mirror.
type NATSConfig struct {
	URL       string
	ClientID  string
	StreamTTL time.Duration
}

// AttachNATS connects to a NATS server and mirrors every published message
// onto JetStream subjects, for operators watching the system from outside
// the process. Mirroring is best-effort: a publish failure is logged and
// never blocks or fails the internal delivery that triggered it.
func (h *Hub) AttachNATS(cfg NATSConfig) error {
	opts := []nats.Option{
		nats.Name(cfg.ClientID),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			h.logger.WithError(err).Warn("nats disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			h.logger.Info("nats reconnected")
		}),
	}
	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return fmt.Errorf("channels: nats connect: %w", err)
	}
	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return fmt.Errorf("channels: jetstream context: %w", err)
	}

	ttl := cfg.StreamTTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	streamCfg := &nats.StreamConfig{
		Name:      "ARBIT",
		Subjects:  []string{"arbit.>"},
		Retention: nats.LimitsPolicy,
		MaxAge:    ttl,
		Storage:   nats.FileStorage,
		Replicas:  1,
	}
	if _, err := js.StreamInfo(streamCfg.Name); err != nil {
		if _, err := js.AddStream(streamCfg); err != nil {
			conn.Close()
			return fmt.Errorf("channels: add stream: %w", err)
		}
	}

	h.nc = conn
	h.js = js
	return nil
}

// Close releases the NATS connection, if any.
func (h *Hub) Close() {
	if h.nc != nil {
		h.nc.Close()
	}
}

func (h *Hub) mirror(subject string, v interface{}) {
	if h.js == nil {
		return
	}
	data, err := json.Marshal(v)
	if err != nil {
		h.logger.WithError(err).Warn("mirror marshal failed")
		return
	}
	if _, err := h.js.Publish(subject, data); err != nil {
		h.logger.WithError(err).WithField("subject", subject).Warn("mirror publish failed")
	}
}

// PublishSignal delivers an opportunity to TradeDispatcher, coalescing by
// symbol: if a signal for the same symbol is already pending delivery, it is
// replaced in place rather than queued.
func (h *Hub) PublishSignal(op types.Opportunity) {
	h.mu.Lock()
	if h.pendingSet[op.Symbol] {
		h.pending[op.Symbol] = op
		h.mu.Unlock()
		return
	}
	h.pendingSet[op.Symbol] = true
	h.pending[op.Symbol] = op
	h.mu.Unlock()

	go h.deliverSignal(op.Symbol)
	h.mirror("arbit.signals."+op.Symbol, op)
}

func (h *Hub) deliverSignal(symbol string) {
	for {
		h.mu.Lock()
		op := h.pending[symbol]
		h.mu.Unlock()

		select {
		case h.signals <- op:
		default:
			// Channel full: drop the oldest queued signal, whatever its
			// symbol, to make room rather than blocking the detection loop
			// indefinitely.
			select {
			case <-h.signals:
			default:
			}
			select {
			case h.signals <- op:
			default:
			}
		}

		// A replacement published during delivery wins; go around again so
		// the newest signal is what consumers ultimately see.
		h.mu.Lock()
		if h.pending[symbol].ID == op.ID {
			delete(h.pendingSet, symbol)
			delete(h.pending, symbol)
			h.mu.Unlock()
			return
		}
		h.mu.Unlock()
	}
}

// Signals returns the stream TradeDispatcher consumes.
func (h *Hub) Signals() <-chan types.Opportunity { return h.signals }

// PublishPassiveSignal delivers DetectionService's lower-bar candidate —
// the best opportunity that clears only the absolute floor, not the
// configured profit threshold — to InventoryController, coalescing by
// symbol exactly like PublishSignal.
func (h *Hub) PublishPassiveSignal(op types.Opportunity) {
	h.mu.Lock()
	if h.pendingPassiveSet[op.Symbol] {
		h.pendingPassive[op.Symbol] = op
		h.mu.Unlock()
		return
	}
	h.pendingPassiveSet[op.Symbol] = true
	h.pendingPassive[op.Symbol] = op
	h.mu.Unlock()

	go h.deliverPassiveSignal(op.Symbol)
	h.mirror("arbit.passive."+op.Symbol, op)
}

func (h *Hub) deliverPassiveSignal(symbol string) {
	for {
		h.mu.Lock()
		op := h.pendingPassive[symbol]
		h.mu.Unlock()

		select {
		case h.passive <- op:
		default:
			select {
			case <-h.passive:
			default:
			}
			select {
			case h.passive <- op:
			default:
			}
		}

		h.mu.Lock()
		if h.pendingPassive[symbol].ID == op.ID {
			delete(h.pendingPassiveSet, symbol)
			delete(h.pendingPassive, symbol)
			h.mu.Unlock()
			return
		}
		h.mu.Unlock()
	}
}

// PassiveSignals returns the stream InventoryController consumes.
func (h *Hub) PassiveSignals() <-chan types.Opportunity { return h.passive }

// PublishResult delivers a completed transaction to the primary results
// stream and to every SubscribeResults consumer. This stream never drops: a
// full channel blocks the caller.
func (h *Hub) PublishResult(ctx context.Context, tx types.Transaction) error {
	select {
	case h.results <- tx:
	case <-ctx.Done():
		return ctx.Err()
	}

	h.resultSubsMu.Lock()
	subs := append([]chan types.Transaction(nil), h.resultSubs...)
	h.resultSubsMu.Unlock()
	for _, ch := range subs {
		select {
		case ch <- tx:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	h.mirror("arbit.results."+tx.Opportunity.Symbol, tx)
	return nil
}

// Results returns the primary results stream. There is exactly one primary
// consumer; additional consumers register via SubscribeResults so every
// transaction reaches all of them instead of being competed over.
func (h *Hub) Results() <-chan types.Transaction { return h.results }

// SubscribeResults registers an additional never-drop consumer of completed
// transactions. Each subscriber gets its own copy of every transaction
// published after the subscription.
func (h *Hub) SubscribeResults() <-chan types.Transaction {
	ch := make(chan types.Transaction, resultBuffer)
	h.resultSubsMu.Lock()
	h.resultSubs = append(h.resultSubs, ch)
	h.resultSubsMu.Unlock()
	return ch
}

// PublishSafetyEvent delivers a kill-switch trip/reset notification. Like
// Results, this stream never drops.
func (h *Hub) PublishSafetyEvent(ctx context.Context, ev SafetyEvent) error {
	select {
	case h.safety <- ev:
		h.mirror("arbit.safety", ev)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SafetyEvents returns the stream of kill-switch state changes.
func (h *Hub) SafetyEvents() <-chan SafetyEvent { return h.safety }

// PublishRebalanceProposal delivers an InventoryController recommendation.
// Like Results and SafetyEvents, this stream never drops.
func (h *Hub) PublishRebalanceProposal(ctx context.Context, p types.RebalanceProposal) error {
	select {
	case h.proposals <- p:
		h.mirror("arbit.rebalance."+p.Asset, p)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RebalanceProposals returns the stream of recommended inter-venue transfers.
func (h *Hub) RebalanceProposals() <-chan types.RebalanceProposal { return h.proposals }

// PublishStrategyUpdate delivers a threshold change notification. Like the
// other control streams, it never drops.
func (h *Hub) PublishStrategyUpdate(ctx context.Context, u StrategyUpdate) error {
	select {
	case h.strategy <- u:
		h.mirror("arbit.strategy", u)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// StrategyUpdates returns the stream of threshold change notifications.
func (h *Hub) StrategyUpdates() <-chan StrategyUpdate { return h.strategy }
