// Package channel implements the transaction orchestration engine: channel
// lifecycle, endorsement fan-out with consistency validation, transaction
// submission with commit tracking, and the service discovery cadence.
package channel

import (
	"context"
	"sync"

	"github.com/arner/fabric-client/comm"
	"github.com/arner/fabric-client/config"
	"github.com/arner/fabric-client/events"
	"github.com/arner/fabric-client/fabrictx"
	"github.com/arner/fabric-client/ferrors"

	"github.com/hyperledger/fabric-lib-go/common/flogging"
	"github.com/hyperledger/fabric-protos-go-apiv2/common"
	"github.com/hyperledger/fabric-protos-go-apiv2/peer"
)

var logger = flogging.MustGetLogger("channel")

// State of the channel lifecycle.
type State int32

const (
	Created State = iota
	Initialized
	ShutDown
)

func (s State) String() string {
	switch s {
	case Created:
		return "CREATED"
	case Initialized:
		return "INITIALIZED"
	case ShutDown:
		return "SHUTDOWN"
	default:
		return "UNKNOWN"
	}
}

// Endorser is the peer surface the channel needs. Implemented by comm.Peer.
type Endorser interface {
	SendProposal(ctx context.Context, sp *peer.SignedProposal) (*peer.ProposalResponse, error)
	URL() string
	Roles() comm.Role
	HasRole(comm.Role) bool
	TLSCertHash() []byte
	Close() error
}

// Orderer is the ordering-service surface the channel needs. Implemented by
// comm.Orderer.
type Orderer interface {
	Broadcast(ctx context.Context, env *common.Envelope) error
	FetchConfigBlock(ctx context.Context, signer fabrictx.Signer, hasher fabrictx.Hasher, channel string) (*common.Block, error)
	URL() string
	Close() error
}

// EventHub is the block-stream surface the channel needs. Implemented by
// events.Hub.
type EventHub interface {
	Connect(ctx context.Context) error
	Subscribe(events.Listener)
	Disconnect()
	URL() string
}

// CommitEvent resolves a commit listener: the transaction appeared in a
// block with the given validation code.
type CommitEvent struct {
	TxID        string
	Code        peer.TxValidationCode
	BlockNumber uint64
}

// Channel is the client-side state machine for one ledger. Reads are
// concurrent; writes are serialized behind the mutex.
type Channel struct {
	name   string
	signer fabrictx.Signer
	hasher fabrictx.Hasher
	cfg    *config.Config

	mu            sync.RWMutex
	state         State
	peers         []Endorser
	orderers      []Orderer
	hubs          []EventHub
	lastBlockSeen uint64
	configBlock   *common.Block
	stopDiscovery context.CancelFunc
	membership    map[string]int

	listenerMu sync.Mutex
	listeners  map[string]chan CommitEvent
}

// New creates a channel in CREATED state.
func New(name string, signer fabrictx.Signer, hasher fabrictx.Hasher, cfg *config.Config) (*Channel, error) {
	if name == "" {
		return nil, ferrors.New(ferrors.Argument, "channel name is blank")
	}
	if signer == nil || hasher == nil {
		return nil, ferrors.New(ferrors.Argument, "signer and hasher are required")
	}
	if cfg == nil {
		cfg = config.Default()
	}
	return &Channel{
		name:      name,
		signer:    signer,
		hasher:    hasher,
		cfg:       cfg,
		listeners: map[string]chan CommitEvent{},
	}, nil
}

// Name returns the channel name.
func (c *Channel) Name() string { return c.name }

// State returns the lifecycle state.
func (c *Channel) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// LastBlockSeen is the highest block number any event hub delivered.
func (c *Channel) LastBlockSeen() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastBlockSeen
}

// AddPeer registers a peer. Only valid before shutdown.
func (c *Channel) AddPeer(p Endorser) error {
	if p == nil {
		return ferrors.New(ferrors.Argument, "peer is nil")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == ShutDown {
		return ferrors.New(ferrors.ShuttingDown, "channel is shut down")
	}
	c.peers = append(c.peers, p)
	return nil
}

// AddOrderer registers an orderer.
func (c *Channel) AddOrderer(o Orderer) error {
	if o == nil {
		return ferrors.New(ferrors.Argument, "orderer is nil")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == ShutDown {
		return ferrors.New(ferrors.ShuttingDown, "channel is shut down")
	}
	c.orderers = append(c.orderers, o)
	return nil
}

// AddEventHub registers an event hub.
func (c *Channel) AddEventHub(h EventHub) error {
	if h == nil {
		return ferrors.New(ferrors.Argument, "event hub is nil")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == ShutDown {
		return ferrors.New(ferrors.ShuttingDown, "channel is shut down")
	}
	c.hubs = append(c.hubs, h)
	return nil
}

// PeersWithRole returns the registered peers carrying the role.
func (c *Channel) PeersWithRole(r comm.Role) []Endorser {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []Endorser
	for _, p := range c.peers {
		if p.HasRole(r) {
			out = append(out, p)
		}
	}
	return out
}

// Peers returns all registered peers.
func (c *Channel) Peers() []Endorser {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]Endorser(nil), c.peers...)
}

// Orderers returns all registered orderers.
func (c *Channel) Orderers() []Orderer {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]Orderer(nil), c.orderers...)
}

// EventHubs returns all registered hubs.
func (c *Channel) EventHubs() []EventHub {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]EventHub(nil), c.hubs...)
}

// Initialize moves the channel to INITIALIZED: it verifies topology,
// fetches the current config block from an orderer, connects the event
// hubs, and starts the discovery cadence.
func (c *Channel) Initialize(ctx context.Context) error {
	c.mu.Lock()
	if c.state == ShutDown {
		c.mu.Unlock()
		return ferrors.New(ferrors.ShuttingDown, "channel is shut down")
	}
	if c.state == Initialized {
		c.mu.Unlock()
		return nil
	}
	if len(c.peers) == 0 || len(c.orderers) == 0 {
		c.mu.Unlock()
		return ferrors.Errorf(ferrors.Argument, "channel %s needs at least one peer and one orderer", c.name)
	}
	orderers := append([]Orderer(nil), c.orderers...)
	hubs := append([]EventHub(nil), c.hubs...)
	c.mu.Unlock()

	cfgCtx, cancel := context.WithTimeout(ctx, c.cfg.ChannelConfigWaitTime)
	defer cancel()
	var block *common.Block
	var lastErr error
	for _, o := range orderers {
		block, lastErr = o.FetchConfigBlock(cfgCtx, c.signer, c.hasher, c.name)
		if lastErr == nil {
			break
		}
		logger.Warnf("channel %s: config block fetch from %s failed: %s", c.name, o.URL(), lastErr)
	}
	if block == nil {
		return ferrors.Wrapf(ferrors.Transaction, lastErr, "channel %s: no orderer returned the config block", c.name)
	}

	for _, h := range hubs {
		h.Subscribe(c)
		if err := h.Connect(ctx); err != nil {
			return err
		}
	}

	c.mu.Lock()
	c.configBlock = block
	c.state = Initialized
	c.mu.Unlock()

	c.startDiscovery(ctx)
	logger.Infof("channel %s initialized (config block %d)", c.name, block.Header.GetNumber())
	return nil
}

// ConfigBlock returns the config block fetched during initialization.
func (c *Channel) ConfigBlock() *common.Block {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.configBlock
}

// OnBlock implements events.Listener: it resolves commit listeners for
// every endorser transaction of the block.
func (c *Channel) OnBlock(ev events.BlockEvent) {
	c.mu.Lock()
	if ev.BlockNumber > c.lastBlockSeen {
		c.lastBlockSeen = ev.BlockNumber
	}
	c.mu.Unlock()

	for _, tx := range ev.Transactions {
		if tx.Type != common.HeaderType_ENDORSER_TRANSACTION || tx.TxID == "" {
			continue
		}
		c.notifyCommit(CommitEvent{TxID: tx.TxID, Code: tx.ValidationCode, BlockNumber: ev.BlockNumber})
	}
}

// OnGap implements events.Listener.
func (c *Channel) OnGap(gap events.GapEvent) {
	logger.Warnf("channel %s: block replay gap (%d..%d missing)", c.name, gap.LastSeen+1, gap.Received-1)
}

// registerCommitListener must be called strictly before the envelope is
// handed to the orderer.
func (c *Channel) registerCommitListener(txID string) (<-chan CommitEvent, error) {
	c.listenerMu.Lock()
	defer c.listenerMu.Unlock()
	if c.listeners == nil {
		return nil, ferrors.New(ferrors.ShuttingDown, "channel is shut down").WithTxID(txID)
	}
	if _, exists := c.listeners[txID]; exists {
		return nil, ferrors.Errorf(ferrors.Argument, "commit listener for %s already registered", txID)
	}
	ch := make(chan CommitEvent, 1)
	c.listeners[txID] = ch
	return ch, nil
}

// removeCommitListener is idempotent.
func (c *Channel) removeCommitListener(txID string) {
	c.listenerMu.Lock()
	delete(c.listeners, txID)
	c.listenerMu.Unlock()
}

// notifyCommit fires a listener exactly once and removes it.
func (c *Channel) notifyCommit(ev CommitEvent) {
	c.listenerMu.Lock()
	ch, ok := c.listeners[ev.TxID]
	if ok {
		delete(c.listeners, ev.TxID)
	}
	c.listenerMu.Unlock()
	if ok {
		ch <- ev
		close(ch)
	}
}

// Shutdown drains outstanding commit listeners, then closes peers,
// orderers and event hubs in parallel.
func (c *Channel) Shutdown() {
	c.mu.Lock()
	if c.state == ShutDown {
		c.mu.Unlock()
		return
	}
	c.state = ShutDown
	if c.stopDiscovery != nil {
		c.stopDiscovery()
		c.stopDiscovery = nil
	}
	peers := c.peers
	orderers := c.orderers
	hubs := c.hubs
	c.mu.Unlock()

	// waiting submitters observe the closed channel as ShuttingDown
	c.listenerMu.Lock()
	for txID, ch := range c.listeners {
		logger.Debugf("channel %s: dropping commit listener %s on shutdown", c.name, txID)
		close(ch)
	}
	c.listeners = nil
	c.listenerMu.Unlock()

	var wg sync.WaitGroup
	for _, h := range hubs {
		wg.Add(1)
		go func(h EventHub) {
			defer wg.Done()
			h.Disconnect()
		}(h)
	}
	for _, p := range peers {
		wg.Add(1)
		go func(p Endorser) {
			defer wg.Done()
			if err := p.Close(); err != nil {
				logger.Warnf("channel %s: close peer %s: %s", c.name, p.URL(), err)
			}
		}(p)
	}
	for _, o := range orderers {
		wg.Add(1)
		go func(o Orderer) {
			defer wg.Done()
			if err := o.Close(); err != nil {
				logger.Warnf("channel %s: close orderer %s: %s", c.name, o.URL(), err)
			}
		}(o)
	}
	wg.Wait()
	logger.Infof("channel %s shut down", c.name)
}
