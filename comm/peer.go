// Package comm wraps the gRPC clients for the three classes of remote
// services: endorsing peers, the ordering service, and peer deliver
// (event) streams.
package comm

import (
	"context"

	"github.com/arner/fabric-client/endpoint"
	"github.com/arner/fabric-client/ferrors"

	"github.com/hyperledger/fabric-lib-go/common/flogging"
	"github.com/hyperledger/fabric-protos-go-apiv2/common"
	"github.com/hyperledger/fabric-protos-go-apiv2/discovery"
	"github.com/hyperledger/fabric-protos-go-apiv2/peer"
	"google.golang.org/grpc"
)

var logger = flogging.MustGetLogger("comm")

// Role flags classify what a peer is used for.
type Role uint8

const (
	RoleEndorsing Role = 1 << iota
	RoleChaincodeQuery
	RoleLedgerQuery
	RoleEventSource
	RoleServiceDiscovery

	// RoleAll is the default for peers added without explicit roles.
	RoleAll = RoleEndorsing | RoleChaincodeQuery | RoleLedgerQuery | RoleEventSource | RoleServiceDiscovery
)

// Peer is a client for one endorsing peer. It owns its endpoint and gRPC
// channel exclusively.
type Peer struct {
	ep        *endpoint.Endpoint
	roles     Role
	conn      *grpc.ClientConn
	endorser  peer.EndorserClient
	discovery discovery.DiscoveryClient
}

// NewPeer dials the peer's endpoint.
func NewPeer(ep *endpoint.Endpoint, roles Role) (*Peer, error) {
	if ep == nil {
		return nil, ferrors.New(ferrors.Argument, "endpoint is nil")
	}
	if roles == 0 {
		roles = RoleAll
	}
	conn, err := ep.Dial()
	if err != nil {
		return nil, err
	}
	return &Peer{
		ep:        ep,
		roles:     roles,
		conn:      conn,
		endorser:  peer.NewEndorserClient(conn),
		discovery: discovery.NewDiscoveryClient(conn),
	}, nil
}

// URL identifies the peer in errors and logs.
func (p *Peer) URL() string { return p.ep.URL }

// Endpoint returns the peer's endpoint.
func (p *Peer) Endpoint() *endpoint.Endpoint { return p.ep }

// Roles returns the peer's role flags.
func (p *Peer) Roles() Role { return p.roles }

// TLSCertHash is the digest binding proposals to this connection's client
// certificate; nil without mutual TLS.
func (p *Peer) TLSCertHash() []byte { return p.ep.TLSCertHash() }

// HasRole reports whether the peer carries the given role.
func (p *Peer) HasRole(r Role) bool { return p.roles&r != 0 }

// SendProposal sends a signed proposal for endorsement. The caller bounds
// the call with the context deadline. A transport failure or a peer-side
// status outside [200,400) returns a Proposal error; the response (when one
// was received) is returned alongside for per-endorser details.
func (p *Peer) SendProposal(ctx context.Context, sp *peer.SignedProposal) (*peer.ProposalResponse, error) {
	resp, err := p.endorser.ProcessProposal(ctx, sp)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, ferrors.Wrap(ferrors.Proposal, err, "endorsement timed out").WithEndpoint(p.ep.URL).WithRetry()
		}
		return nil, ferrors.Wrap(ferrors.Proposal, err, "process proposal").WithEndpoint(p.ep.URL)
	}
	if resp.Response == nil {
		return resp, ferrors.New(ferrors.Proposal, "peer returned empty response").WithEndpoint(p.ep.URL)
	}
	if resp.Response.Status < 200 || resp.Response.Status >= 400 {
		return resp, ferrors.Errorf(ferrors.Proposal, "endorsement failed with status %d: %s",
			resp.Response.Status, resp.Response.Message).WithEndpoint(p.ep.URL)
	}
	return resp, nil
}

// SendDiscovery sends a signed service discovery request.
func (p *Peer) SendDiscovery(ctx context.Context, req *discovery.SignedRequest) (*discovery.Response, error) {
	if !p.HasRole(RoleServiceDiscovery) {
		return nil, ferrors.New(ferrors.Argument, "peer does not serve discovery").WithEndpoint(p.ep.URL)
	}
	resp, err := p.discovery.Discover(ctx, req)
	if err != nil {
		return nil, ferrors.Wrap(ferrors.Proposal, err, "discover").WithEndpoint(p.ep.URL).WithRetry()
	}
	return resp, nil
}

// Deliver opens a block deliver stream and sends the seek envelope. The
// returned stream is owned by the caller; cancel ctx to tear it down.
func (p *Peer) Deliver(ctx context.Context, seek *common.Envelope) (peer.Deliver_DeliverClient, error) {
	client, err := peer.NewDeliverClient(p.conn).Deliver(ctx)
	if err != nil {
		return nil, ferrors.Wrap(ferrors.EventHub, err, "open deliver stream").WithEndpoint(p.ep.URL).WithRetry()
	}
	if err := client.Send(seek); err != nil {
		return nil, ferrors.Wrap(ferrors.EventHub, err, "send seek envelope").WithEndpoint(p.ep.URL).WithRetry()
	}
	return client, nil
}

// Close releases the gRPC channel.
func (p *Peer) Close() error {
	logger.Debugf("closing peer %s", p.ep.URL)
	return p.conn.Close()
}
