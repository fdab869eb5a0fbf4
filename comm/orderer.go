package comm

import (
	"context"
	"io"

	"github.com/arner/fabric-client/endpoint"
	"github.com/arner/fabric-client/fabrictx"
	"github.com/arner/fabric-client/ferrors"

	"github.com/hyperledger/fabric-protos-go-apiv2/common"
	"github.com/hyperledger/fabric-protos-go-apiv2/orderer"
	"google.golang.org/grpc"
)

// Orderer is a client for one ordering service node. Broadcast opens a
// short-lived stream per call so deadlines and retries stay per-attempt.
type Orderer struct {
	ep     *endpoint.Endpoint
	conn   *grpc.ClientConn
	client orderer.AtomicBroadcastClient
}

// NewOrderer dials the orderer's endpoint.
func NewOrderer(ep *endpoint.Endpoint) (*Orderer, error) {
	if ep == nil {
		return nil, ferrors.New(ferrors.Argument, "endpoint is nil")
	}
	conn, err := ep.Dial()
	if err != nil {
		return nil, err
	}
	return &Orderer{
		ep:     ep,
		conn:   conn,
		client: orderer.NewAtomicBroadcastClient(conn),
	}, nil
}

// URL identifies the orderer in errors and logs.
func (o *Orderer) URL() string { return o.ep.URL }

// Endpoint returns the orderer's endpoint.
func (o *Orderer) Endpoint() *endpoint.Endpoint { return o.ep }

// Broadcast sends a signed envelope for ordering and waits for the ack.
// A non-SUCCESS status is a Transaction error with a retry hint.
func (o *Orderer) Broadcast(ctx context.Context, env *common.Envelope) error {
	stream, err := o.client.Broadcast(ctx)
	if err != nil {
		return ferrors.Wrap(ferrors.Transaction, err, "open broadcast stream").WithEndpoint(o.ep.URL).WithRetry()
	}
	if err := stream.Send(env); err != nil {
		return ferrors.Wrap(ferrors.Transaction, err, "broadcast send").WithEndpoint(o.ep.URL).WithRetry()
	}
	if err := stream.CloseSend(); err != nil {
		return ferrors.Wrap(ferrors.Transaction, err, "broadcast close").WithEndpoint(o.ep.URL).WithRetry()
	}
	resp, err := stream.Recv()
	if err != nil {
		return ferrors.Wrap(ferrors.Transaction, err, "broadcast ack").WithEndpoint(o.ep.URL).WithRetry()
	}
	if resp.Status != common.Status_SUCCESS {
		return ferrors.Errorf(ferrors.Transaction, "orderer rejected: %s %s", resp.Status, resp.Info).WithEndpoint(o.ep.URL).WithRetry()
	}
	return nil
}

// FetchBlock retrieves the single block addressed by the seek envelope.
func (o *Orderer) FetchBlock(ctx context.Context, seek *common.Envelope) (*common.Block, error) {
	stream, err := o.client.Deliver(ctx)
	if err != nil {
		return nil, ferrors.Wrap(ferrors.Transaction, err, "open deliver stream").WithEndpoint(o.ep.URL).WithRetry()
	}
	if err := stream.Send(seek); err != nil {
		return nil, ferrors.Wrap(ferrors.Transaction, err, "send seek envelope").WithEndpoint(o.ep.URL).WithRetry()
	}
	if err := stream.CloseSend(); err != nil {
		return nil, ferrors.Wrap(ferrors.Transaction, err, "close deliver send").WithEndpoint(o.ep.URL)
	}

	var block *common.Block
	for {
		msg, err := stream.Recv()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, ferrors.Wrap(ferrors.Transaction, err, "deliver recv").WithEndpoint(o.ep.URL).WithRetry()
		}
		switch t := msg.Type.(type) {
		case *orderer.DeliverResponse_Block:
			block = t.Block
		case *orderer.DeliverResponse_Status:
			if t.Status != common.Status_SUCCESS {
				return nil, ferrors.Errorf(ferrors.Transaction, "deliver ended: %s", t.Status).WithEndpoint(o.ep.URL)
			}
			if block == nil {
				return nil, ferrors.New(ferrors.Transaction, "deliver returned no block").WithEndpoint(o.ep.URL)
			}
			return block, nil
		}
	}
	if block == nil {
		return nil, ferrors.New(ferrors.Transaction, "deliver stream closed without block").WithEndpoint(o.ep.URL)
	}
	return block, nil
}

// FetchConfigBlock resolves the channel's current config block: it reads
// the newest block, follows its last-config pointer, and fetches that
// block.
func (o *Orderer) FetchConfigBlock(ctx context.Context, signer fabrictx.Signer, hasher fabrictx.Hasher, channel string) (*common.Block, error) {
	tlsCertHash := o.ep.TLSCertHash()
	newestSeek, err := fabrictx.NewSeekInfoEnvelope(signer, hasher, channel, fabrictx.SeekNewest(), fabrictx.SeekNewest(), tlsCertHash)
	if err != nil {
		return nil, err
	}
	newest, err := o.FetchBlock(ctx, newestSeek)
	if err != nil {
		return nil, err
	}
	idx, err := fabrictx.LastConfigIndex(newest)
	if err != nil {
		return nil, err
	}
	if newest.Header != nil && newest.Header.Number == idx {
		return newest, nil
	}
	cfgSeek, err := fabrictx.NewSeekInfoEnvelope(signer, hasher, channel, fabrictx.SeekSpecified(idx), fabrictx.SeekSpecified(idx), tlsCertHash)
	if err != nil {
		return nil, err
	}
	return o.FetchBlock(ctx, cfgSeek)
}

// FetchGenesisBlock retrieves block 0 of the channel.
func (o *Orderer) FetchGenesisBlock(ctx context.Context, signer fabrictx.Signer, hasher fabrictx.Hasher, channel string) (*common.Block, error) {
	seek, err := fabrictx.NewSeekInfoEnvelope(signer, hasher, channel, fabrictx.SeekSpecified(0), fabrictx.SeekSpecified(0), o.ep.TLSCertHash())
	if err != nil {
		return nil, err
	}
	return o.FetchBlock(ctx, seek)
}

// Close releases the gRPC channel.
func (o *Orderer) Close() error {
	logger.Debugf("closing orderer %s", o.ep.URL)
	return o.conn.Close()
}
