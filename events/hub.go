// Package events implements the event hub: a stateful consumer of a peer's
// block deliver stream with reconnection, replay and gap detection.
package events

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/arner/fabric-client/comm"
	"github.com/arner/fabric-client/fabrictx"
	"github.com/arner/fabric-client/ferrors"

	"github.com/hyperledger/fabric-lib-go/common/flogging"
	"github.com/hyperledger/fabric-protos-go-apiv2/common"
	"github.com/hyperledger/fabric-protos-go-apiv2/peer"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var logger = flogging.MustGetLogger("eventhub")

// Status of the hub's connection state machine.
type Status int32

const (
	Disconnected Status = iota
	Connecting
	Connected
	Shutdown
)

func (s Status) String() string {
	switch s {
	case Disconnected:
		return "DISCONNECTED"
	case Connecting:
		return "CONNECTING"
	case Connected:
		return "CONNECTED"
	case Shutdown:
		return "SHUTDOWN"
	default:
		return "UNKNOWN"
	}
}

// BlockEvent is delivered to subscribers for every committed block, in
// strictly increasing block-number order per subscriber.
type BlockEvent struct {
	BlockNumber  uint64
	Transactions []fabrictx.BlockTx
	Raw          *common.Block
}

// GapEvent signals that the stream skipped ahead: blocks in
// (LastSeen, Received) were never delivered on this connection.
type GapEvent struct {
	LastSeen uint64
	Received uint64
}

// Listener receives dispatched events. Dispatch to one listener is
// sequential; dispatch across listeners is unordered.
type Listener interface {
	OnBlock(BlockEvent)
	OnGap(GapEvent)
}

// Cursor persists the replay position so a restarted hub resumes where it
// stopped. Implemented by storage.DB.
type Cursor interface {
	LastProcessedBlock(channel string) (uint64, error)
	MarkProcessed(channel string, block uint64) error
}

// DeliverPeer is the event-source surface the hub needs. Implemented by
// comm.Peer.
type DeliverPeer interface {
	Deliver(ctx context.Context, seek *common.Envelope) (peer.Deliver_DeliverClient, error)
	URL() string
	HasRole(comm.Role) bool
	TLSCertHash() []byte
}

// Options bound the hub's timing behavior; zero values fall back to the
// configuration defaults.
type Options struct {
	RegistrationWaitTime    time.Duration
	RetryWaitTime           time.Duration
	ReconnectionWarningRate int
}

// Hub consumes the deliver stream of one event-source peer for one channel.
type Hub struct {
	peer    DeliverPeer
	channel string
	signer  fabrictx.Signer
	hasher  fabrictx.Hasher
	opts    Options
	cursor  Cursor

	status         atomic.Int32
	reconnectCount atomic.Int64
	lastBlock      atomic.Uint64
	seenBlock      atomic.Bool

	mu        sync.Mutex
	listeners []Listener
	cancel    context.CancelFunc
	done      chan struct{}
}

// New creates a hub over an event-source peer. cursor may be nil, in which
// case replay starts at NEWEST on first connect.
func New(p DeliverPeer, channel string, signer fabrictx.Signer, hasher fabrictx.Hasher, opts Options, cursor Cursor) (*Hub, error) {
	if p == nil {
		return nil, ferrors.New(ferrors.Argument, "peer is nil")
	}
	if !p.HasRole(comm.RoleEventSource) {
		return nil, ferrors.New(ferrors.Argument, "peer is not an event source").WithEndpoint(p.URL())
	}
	if channel == "" {
		return nil, ferrors.New(ferrors.Argument, "channel is blank")
	}
	if opts.RegistrationWaitTime <= 0 {
		opts.RegistrationWaitTime = 5 * time.Second
	}
	if opts.RetryWaitTime <= 0 {
		opts.RetryWaitTime = 500 * time.Millisecond
	}
	if opts.ReconnectionWarningRate <= 0 {
		opts.ReconnectionWarningRate = 50
	}
	h := &Hub{
		peer:    p,
		channel: channel,
		signer:  signer,
		hasher:  hasher,
		opts:    opts,
		cursor:  cursor,
	}
	if cursor != nil {
		if last, err := cursor.LastProcessedBlock(channel); err == nil && last > 0 {
			h.lastBlock.Store(last)
			h.seenBlock.Store(true)
		}
	}
	return h, nil
}

// Status returns the current connection state.
func (h *Hub) Status() Status { return Status(h.status.Load()) }

// LastBlock returns the number of the last block dispatched.
func (h *Hub) LastBlock() uint64 { return h.lastBlock.Load() }

// ReconnectCount returns how many reconnection attempts have been made.
func (h *Hub) ReconnectCount() int64 { return h.reconnectCount.Load() }

// URL identifies the hub's peer.
func (h *Hub) URL() string { return h.peer.URL() }

// Subscribe registers a listener. Must be called before Connect for
// delivery without loss.
func (h *Hub) Subscribe(l Listener) {
	h.mu.Lock()
	h.listeners = append(h.listeners, l)
	h.mu.Unlock()
}

// Connect starts the hub's consume loop. Idempotent while running.
func (h *Hub) Connect(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if Status(h.status.Load()) == Shutdown {
		return ferrors.New(ferrors.ShuttingDown, "event hub is shut down").WithEndpoint(h.peer.URL())
	}
	if h.cancel != nil {
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	h.cancel = cancel
	h.done = make(chan struct{})
	go h.run(runCtx)
	return nil
}

// Disconnect stops the loop and moves the hub to SHUTDOWN.
func (h *Hub) Disconnect() {
	h.mu.Lock()
	cancel, done := h.cancel, h.done
	h.cancel = nil
	h.mu.Unlock()
	h.status.Store(int32(Shutdown))
	if cancel != nil {
		cancel()
		<-done
	}
}

// run is the reconnection loop: register, consume, back off, repeat.
// Replay resumes from lastBlock+1, or NEWEST if no block was ever seen.
func (h *Hub) run(ctx context.Context) {
	defer close(h.done)
	failures := 0
	for {
		select {
		case <-ctx.Done():
			h.status.CompareAndSwap(int32(Connected), int32(Disconnected))
			return
		default:
		}

		err := h.consume(ctx)
		if ctx.Err() != nil {
			h.status.CompareAndSwap(int32(Connected), int32(Disconnected))
			return
		}
		wasConnected := Status(h.status.Load()) == Connected
		h.status.Store(int32(Disconnected))
		if err != nil && ferrors.HasKind(err, ferrors.EventHub) && !ferrors.Retryable(err) {
			// malformed block: fatal for the hub
			logger.Errorf("event hub %s: fatal: %s", h.peer.URL(), err)
			h.status.Store(int32(Shutdown))
			return
		}

		if wasConnected {
			// the last attempt registered, so the failure streak starts over
			failures = 0
		}
		failures++
		h.reconnectCount.Add(1)
		if failures%h.opts.ReconnectionWarningRate == 0 {
			logger.Warnf("event hub %s: %d consecutive reconnect failures (last: %v)", h.peer.URL(), failures, err)
		} else {
			logger.Debugf("event hub %s: stream ended (%v), reconnecting in %s", h.peer.URL(), err, h.opts.RetryWaitTime)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(h.opts.RetryWaitTime):
		}
	}
}

// consume opens one stream, registers, and dispatches blocks until the
// stream breaks. The registration deadline bounds stream-open + seek-send.
func (h *Hub) consume(ctx context.Context) error {
	h.status.Store(int32(Connecting))

	start := fabrictx.SeekNewest()
	if h.seenBlock.Load() {
		start = fabrictx.SeekSpecified(h.lastBlock.Load() + 1)
	}
	seek, err := fabrictx.NewSeekInfoEnvelope(h.signer, h.hasher, h.channel, start, fabrictx.SeekMax(), h.peer.TLSCertHash())
	if err != nil {
		return err
	}

	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	regCtx, regCancel := context.WithTimeout(streamCtx, h.opts.RegistrationWaitTime)
	stream, err := h.register(regCtx, streamCtx, seek)
	regCancel()
	if err != nil {
		return err
	}
	h.status.Store(int32(Connected))
	logger.Infof("event hub %s: connected to channel %s from %s", h.peer.URL(), h.channel, seekString(start))

	for {
		msg, err := stream.Recv()
		if err != nil {
			if st, ok := status.FromError(err); ok && st.Code() == codes.Canceled {
				return nil
			}
			return ferrors.Wrap(ferrors.EventHub, err, "deliver recv").WithEndpoint(h.peer.URL()).WithRetry()
		}
		switch t := msg.Type.(type) {
		case *peer.DeliverResponse_Block:
			if err := h.dispatch(t.Block); err != nil {
				return err
			}
		case *peer.DeliverResponse_Status:
			return ferrors.Errorf(ferrors.EventHub, "deliver stream ended: %s", t.Status).WithEndpoint(h.peer.URL()).WithRetry()
		}
	}
}

// register opens the stream and sends the seek envelope within the
// registration deadline. The apiv2 deliver service has no explicit ack; a
// deadline hit here is the registration timeout.
func (h *Hub) register(regCtx, streamCtx context.Context, seek *common.Envelope) (peer.Deliver_DeliverClient, error) {
	type result struct {
		stream peer.Deliver_DeliverClient
		err    error
	}
	ch := make(chan result, 1)
	go func() {
		s, err := h.peer.Deliver(streamCtx, seek)
		ch <- result{s, err}
	}()
	select {
	case <-regCtx.Done():
		return nil, ferrors.New(ferrors.EventHub, "event registration timed out").WithEndpoint(h.peer.URL()).WithRetry()
	case r := <-ch:
		return r.stream, r.err
	}
}

// dispatch decodes a block and hands it to every listener sequentially.
// Duplicates (replays at or below the cursor) are dropped, gaps are
// surfaced, malformed blocks are returned as fatal errors.
func (h *Hub) dispatch(block *common.Block) error {
	txs, err := fabrictx.BlockTransactions(block)
	if err != nil {
		// not retryable: the run loop treats this as fatal
		return err
	}
	num := block.Header.Number

	if h.seenBlock.Load() {
		last := h.lastBlock.Load()
		if num <= last {
			logger.Debugf("event hub %s: dropping duplicate block %d (last %d)", h.peer.URL(), num, last)
			return nil
		}
		if num > last+1 {
			gap := GapEvent{LastSeen: last, Received: num}
			logger.Warnf("event hub %s: block gap: last seen %d, received %d", h.peer.URL(), last, num)
			h.mu.Lock()
			listeners := append([]Listener(nil), h.listeners...)
			h.mu.Unlock()
			for _, l := range listeners {
				l.OnGap(gap)
			}
		}
	}

	ev := BlockEvent{BlockNumber: num, Transactions: txs, Raw: block}
	h.mu.Lock()
	listeners := append([]Listener(nil), h.listeners...)
	h.mu.Unlock()
	for _, l := range listeners {
		l.OnBlock(ev)
	}

	h.lastBlock.Store(num)
	h.seenBlock.Store(true)
	if h.cursor != nil {
		if err := h.cursor.MarkProcessed(h.channel, num); err != nil {
			logger.Warnf("event hub %s: persist cursor at block %d: %s", h.peer.URL(), num, err)
		}
	}
	return nil
}

func seekString(pos interface{ String() string }) string {
	if pos == nil {
		return "NEWEST"
	}
	return pos.String()
}
