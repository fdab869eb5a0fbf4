package channel

import (
	"context"
	"time"

	"github.com/arner/fabric-client/comm"
	"github.com/arner/fabric-client/ferrors"

	"github.com/hyperledger/fabric-protos-go-apiv2/discovery"
	"google.golang.org/protobuf/proto"
)

// Discoverer is the optional discovery surface of a peer. comm.Peer
// implements it; test fakes may not.
type Discoverer interface {
	SendDiscovery(ctx context.Context, req *discovery.SignedRequest) (*discovery.Response, error)
}

// startDiscovery schedules the periodic membership refresh when the
// cadence is enabled and a discovery-capable peer is registered.
func (c *Channel) startDiscovery(ctx context.Context) {
	if c.cfg.ServiceDiscoveryFrequency <= 0 {
		return
	}
	if len(c.discoveryTargets()) == 0 {
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.stopDiscovery = cancel
	c.mu.Unlock()

	go func() {
		ticker := time.NewTicker(c.cfg.ServiceDiscoveryFrequency)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				if err := c.RefreshMembership(runCtx); err != nil {
					logger.Warnf("channel %s: service discovery: %s", c.name, err)
				}
			}
		}
	}()
}

// RefreshMembership runs one discovery round and records the channel
// membership by organization.
func (c *Channel) RefreshMembership(ctx context.Context) error {
	targets := c.discoveryTargets()
	if len(targets) == 0 {
		return ferrors.Errorf(ferrors.Argument, "channel %s has no discovery peers", c.name)
	}

	creator, err := c.signer.Serialize()
	if err != nil {
		return err
	}
	req := &discovery.Request{
		Authentication: &discovery.AuthInfo{
			ClientIdentity:    creator,
			ClientTlsCertHash: c.tlsCertHash(c.Peers()),
		},
		Queries: []*discovery.Query{
			{
				Channel: c.name,
				Query:   &discovery.Query_PeerQuery{PeerQuery: &discovery.PeerMembershipQuery{}},
			},
		},
	}
	payload, err := proto.Marshal(req)
	if err != nil {
		return ferrors.Wrap(ferrors.Transaction, err, "marshal discovery request")
	}
	sig, err := c.signer.Sign(payload)
	if err != nil {
		return err
	}
	signed := &discovery.SignedRequest{Payload: payload, Signature: sig}

	var lastErr error
	for _, t := range targets {
		d, ok := t.(Discoverer)
		if !ok {
			continue
		}
		resp, err := d.SendDiscovery(ctx, signed)
		if err != nil {
			lastErr = err
			continue
		}
		return c.recordMembership(resp)
	}
	if lastErr == nil {
		lastErr = ferrors.Errorf(ferrors.Argument, "no discovery-capable peer on channel %s", c.name)
	}
	return lastErr
}

func (c *Channel) recordMembership(resp *discovery.Response) error {
	if len(resp.Results) == 0 {
		return ferrors.New(ferrors.Proposal, "empty discovery response")
	}
	members := resp.Results[0].GetMembers()
	if members == nil {
		if e := resp.Results[0].GetError(); e != nil {
			return ferrors.Errorf(ferrors.Proposal, "discovery refused: %s", e.Content)
		}
		return ferrors.New(ferrors.Proposal, "discovery response carries no membership")
	}

	byOrg := map[string]int{}
	total := 0
	for org, peers := range members.PeersByOrg {
		byOrg[org] = len(peers.Peers)
		total += len(peers.Peers)
	}
	c.mu.Lock()
	c.membership = byOrg
	c.mu.Unlock()
	logger.Infof("channel %s: discovered %d peers across %d orgs", c.name, total, len(byOrg))
	return nil
}

// Membership returns the peer count per organization from the last
// discovery round.
func (c *Channel) Membership() map[string]int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]int, len(c.membership))
	for k, v := range c.membership {
		out[k] = v
	}
	return out
}

func (c *Channel) discoveryTargets() []Endorser {
	return c.PeersWithRole(comm.RoleServiceDiscovery)
}
