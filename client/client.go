// Package client is the facade: it owns the crypto suite, the user
// context and the channel registry, and acts as the factory for peers,
// orderers and event hubs.
package client

import (
	"database/sql"
	"sync"

	"github.com/arner/fabric-client/channel"
	"github.com/arner/fabric-client/comm"
	"github.com/arner/fabric-client/config"
	"github.com/arner/fabric-client/cryptosuite"
	"github.com/arner/fabric-client/endpoint"
	"github.com/arner/fabric-client/events"
	"github.com/arner/fabric-client/ferrors"
	"github.com/arner/fabric-client/identity"
	"github.com/arner/fabric-client/storage"

	"github.com/hyperledger/fabric-lib-go/common/flogging"
	_ "modernc.org/sqlite"
)

var logger = flogging.MustGetLogger("client")

// Client is the HFClient facade. One Client carries one explicit context:
// its configuration, crypto suite, trust store and user identity.
type Client struct {
	cfg   *config.Config
	suite *cryptosuite.Suite
	trust *cryptosuite.TrustStore

	mu       sync.Mutex
	userCtx  *identity.SigningIdentity
	channels map[string]*channel.Channel
	store    *storage.DB
	db       *sql.DB
}

// New builds a client whose crypto suite follows the configuration.
func New(cfg *config.Config) (*Client, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	suite, err := cryptosuite.New(cryptosuite.Options{
		SecurityLevel:      cfg.SecurityLevel,
		HashAlgorithm:      cfg.HashAlgorithm,
		AsymmetricKeyType:  "EC",
		CertificateFormat:  "X.509",
		SignatureAlgorithm: cfg.SignatureAlgorithm,
	})
	if err != nil {
		return nil, err
	}
	return &Client{
		cfg:      cfg,
		suite:    suite,
		trust:    cryptosuite.NewTrustStore(),
		channels: map[string]*channel.Channel{},
	}, nil
}

// CryptoSuite returns the process-wide suite of this client.
func (c *Client) CryptoSuite() *cryptosuite.Suite { return c.suite }

// TrustStore returns the client's trust store.
func (c *Client) TrustStore() *cryptosuite.TrustStore { return c.trust }

// Config returns the resolved configuration.
func (c *Client) Config() *config.Config { return c.cfg }

// SetUserContext binds the user to the suite. The enrollment certificate
// must chain to the trust store when it holds any anchors.
func (c *Client) SetUserContext(user *identity.User) error {
	trust := c.trust
	if trust.Size() == 0 {
		trust = nil
	}
	signer, err := identity.NewSigningIdentity(user, c.suite, trust)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.userCtx = signer
	c.mu.Unlock()
	logger.Infof("user context set to %s", signer)
	return nil
}

// UserContext returns the bound signing identity.
func (c *Client) UserContext() (*identity.SigningIdentity, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.userCtx == nil {
		return nil, ferrors.New(ferrors.Argument, "no user context set")
	}
	return c.userCtx, nil
}

// NewPeer builds a peer client for the endpoint URL.
func (c *Client) NewPeer(url string, props endpoint.Properties, roles comm.Role) (*comm.Peer, error) {
	ep, err := endpoint.New(url, props)
	if err != nil {
		return nil, err
	}
	return comm.NewPeer(ep, roles)
}

// NewOrderer builds an orderer client for the endpoint URL.
func (c *Client) NewOrderer(url string, props endpoint.Properties) (*comm.Orderer, error) {
	ep, err := endpoint.New(url, props)
	if err != nil {
		return nil, err
	}
	return comm.NewOrderer(ep)
}

// NewEventHub builds an event hub on an event-source peer for a channel.
// When a store is open, the hub resumes from the persisted cursor.
func (c *Client) NewEventHub(p *comm.Peer, channelName string) (*events.Hub, error) {
	signer, err := c.UserContext()
	if err != nil {
		return nil, err
	}
	var cursor events.Cursor
	c.mu.Lock()
	if c.store != nil {
		cursor = c.store
	}
	c.mu.Unlock()
	return events.New(p, channelName, signer, c.suite, events.Options{
		RegistrationWaitTime:    c.cfg.EventRegistrationWaitTime,
		RetryWaitTime:           c.cfg.PeerRetryWaitTime,
		ReconnectionWarningRate: c.cfg.ReconnectionWarningRate,
	}, cursor)
}

// NewChannel creates and registers a channel.
func (c *Client) NewChannel(name string) (*channel.Channel, error) {
	signer, err := c.UserContext()
	if err != nil {
		return nil, err
	}
	ch, err := channel.New(name, signer, c.suite, c.cfg)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.channels[name]; exists {
		return nil, ferrors.Errorf(ferrors.Argument, "channel %s already exists", name)
	}
	c.channels[name] = ch
	return ch, nil
}

// Channel returns a registered channel, or nil.
func (c *Client) Channel(name string) *channel.Channel {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.channels[name]
}

// RemoveChannel unregisters and shuts down a channel.
func (c *Client) RemoveChannel(name string) {
	c.mu.Lock()
	ch := c.channels[name]
	delete(c.channels, name)
	c.mu.Unlock()
	if ch != nil {
		ch.Shutdown()
	}
}

// OpenStore opens (or creates) the sqlite-backed state store.
func (c *Client) OpenStore(dsn string) error {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return ferrors.Wrap(ferrors.Argument, err, "open store")
	}
	store := storage.New(db)
	if err := store.Init(); err != nil {
		db.Close()
		return ferrors.Wrap(ferrors.Argument, err, "init store")
	}
	c.mu.Lock()
	c.store = store
	c.db = db
	c.mu.Unlock()
	return nil
}

// Store returns the state store, or nil when none is open.
func (c *Client) Store() *storage.DB {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.store
}

// SaveChannel serializes a channel's topology into the store.
func (c *Client) SaveChannel(ch *channel.Channel) error {
	store := c.Store()
	if store == nil {
		return ferrors.New(ferrors.Argument, "no store open")
	}
	blob, err := ch.Serialize()
	if err != nil {
		return err
	}
	return store.SaveChannel(ch.Name(), blob)
}

// EndpointProvider supplies the credentials for an endpoint URL when a
// channel is restored; credentials are never part of the serialized blob.
type EndpointProvider func(url string) endpoint.Properties

// RestoreChannel rebuilds a channel from its stored topology. The restored
// channel is registered but not initialized.
func (c *Client) RestoreChannel(name string, provide EndpointProvider) (*channel.Channel, error) {
	store := c.Store()
	if store == nil {
		return nil, ferrors.New(ferrors.Argument, "no store open")
	}
	blob, err := store.LoadChannel(name)
	if err != nil {
		return nil, ferrors.Wrap(ferrors.Argument, err, "load channel")
	}
	if blob == nil {
		return nil, ferrors.Errorf(ferrors.Argument, "channel %s not found in store", name)
	}
	rec, err := channel.Deserialize(blob)
	if err != nil {
		return nil, err
	}

	ch, err := c.NewChannel(rec.Name)
	if err != nil {
		return nil, err
	}
	for _, pr := range rec.Peers {
		p, err := c.NewPeer(pr.URL, provide(pr.URL), pr.Roles)
		if err != nil {
			return nil, err
		}
		if err := ch.AddPeer(p); err != nil {
			return nil, err
		}
	}
	for _, url := range rec.Orderers {
		o, err := c.NewOrderer(url, provide(url))
		if err != nil {
			return nil, err
		}
		if err := ch.AddOrderer(o); err != nil {
			return nil, err
		}
	}
	for _, url := range rec.EventHubs {
		p, err := c.NewPeer(url, provide(url), comm.RoleEventSource)
		if err != nil {
			return nil, err
		}
		hub, err := c.NewEventHub(p, rec.Name)
		if err != nil {
			return nil, err
		}
		if err := ch.AddEventHub(hub); err != nil {
			return nil, err
		}
	}
	return ch, nil
}

// Shutdown closes every channel in parallel, then the store.
func (c *Client) Shutdown() {
	c.mu.Lock()
	channels := make([]*channel.Channel, 0, len(c.channels))
	for _, ch := range c.channels {
		channels = append(channels, ch)
	}
	c.channels = map[string]*channel.Channel{}
	db := c.db
	c.db = nil
	c.store = nil
	c.mu.Unlock()

	var wg sync.WaitGroup
	for _, ch := range channels {
		wg.Add(1)
		go func(ch *channel.Channel) {
			defer wg.Done()
			ch.Shutdown()
		}(ch)
	}
	wg.Wait()
	if db != nil {
		if err := db.Close(); err != nil {
			logger.Warnf("close store: %s", err)
		}
	}
}
