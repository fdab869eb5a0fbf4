package channel

import (
	"context"
	"strconv"

	"github.com/arner/fabric-client/comm"
	"github.com/arner/fabric-client/fabrictx"
	"github.com/arner/fabric-client/ferrors"

	"github.com/hyperledger/fabric-protos-go-apiv2/common"
	"github.com/hyperledger/fabric-protos-go-apiv2/peer"
	"google.golang.org/protobuf/proto"
)

// query system chaincode
const qsccName = "qscc"

// InvokeChaincode endorses and submits in one step; the common path for
// application transactions.
func (c *Channel) InvokeChaincode(ctx context.Context, req fabrictx.Request, opts SubmitOptions) (*TxResult, error) {
	req.Kind = fabrictx.KindInvoke
	prop, responses, err := c.Endorse(ctx, EndorseRequest{Proposal: req})
	if err != nil {
		return nil, err
	}
	return c.Submit(ctx, prop, responses, opts)
}

// QueryChaincode evaluates a proposal without submitting it. Query-capable
// peers are consulted one at a time, short-circuiting on the first success.
func (c *Channel) QueryChaincode(ctx context.Context, req fabrictx.Request) ([]byte, error) {
	req.Kind = fabrictx.KindQuery
	return c.queryFirst(ctx, req, comm.RoleChaincodeQuery)
}

// queryFirst sends the proposal to peers with the role until one succeeds.
func (c *Channel) queryFirst(ctx context.Context, req fabrictx.Request, role comm.Role) ([]byte, error) {
	if err := c.requireInitialized(); err != nil {
		return nil, err
	}
	targets := c.PeersWithRole(role)
	if len(targets) == 0 {
		return nil, ferrors.Errorf(ferrors.Argument, "channel %s has no peers for role %d", c.name, role)
	}

	prop, err := fabrictx.NewSignedProposal(c.signer, c.hasher, c.channelIDFor(req), req, c.tlsCertHash(targets))
	if err != nil {
		return nil, err
	}

	var lastErr error
	for _, target := range targets {
		callCtx, cancel := context.WithTimeout(ctx, c.cfg.ProposalWaitTime)
		resp, err := target.SendProposal(callCtx, prop.Signed)
		cancel()
		if err != nil {
			lastErr = err
			logger.Debugf("channel %s: query on %s failed: %s", c.name, target.URL(), err)
			continue
		}
		return resp.Response.Payload, nil
	}
	if fe, ok := lastErr.(*ferrors.Error); ok {
		return nil, fe.WithTxID(prop.TxID)
	}
	return nil, ferrors.Wrap(ferrors.Proposal, lastErr, "query failed on all peers").WithTxID(prop.TxID)
}

// QueryBlockchainInfo reads the chain height and hashes via QSCC.
func (c *Channel) QueryBlockchainInfo(ctx context.Context) (*common.BlockchainInfo, error) {
	payload, err := c.queryFirst(ctx, fabrictx.Request{
		Kind:      fabrictx.KindQuery,
		Chaincode: qsccName,
		Args:      [][]byte{[]byte("GetChainInfo"), []byte(c.name)},
	}, comm.RoleLedgerQuery)
	if err != nil {
		return nil, err
	}
	info := &common.BlockchainInfo{}
	if err := proto.Unmarshal(payload, info); err != nil {
		return nil, ferrors.Wrap(ferrors.Proposal, err, "unmarshal blockchain info")
	}
	return info, nil
}

// QueryBlock fetches a committed block by number via QSCC.
func (c *Channel) QueryBlock(ctx context.Context, number uint64) (*common.Block, error) {
	payload, err := c.queryFirst(ctx, fabrictx.Request{
		Kind:      fabrictx.KindQuery,
		Chaincode: qsccName,
		Args:      [][]byte{[]byte("GetBlockByNumber"), []byte(c.name), []byte(strconv.FormatUint(number, 10))},
	}, comm.RoleLedgerQuery)
	if err != nil {
		return nil, err
	}
	block := &common.Block{}
	if err := proto.Unmarshal(payload, block); err != nil {
		return nil, ferrors.Wrap(ferrors.Proposal, err, "unmarshal block")
	}
	return block, nil
}

// QueryTransaction fetches a committed transaction by id via QSCC.
func (c *Channel) QueryTransaction(ctx context.Context, txID string) (*peer.ProcessedTransaction, error) {
	if txID == "" {
		return nil, ferrors.New(ferrors.Argument, "transaction id is blank")
	}
	payload, err := c.queryFirst(ctx, fabrictx.Request{
		Kind:      fabrictx.KindQuery,
		Chaincode: qsccName,
		Args:      [][]byte{[]byte("GetTransactionByID"), []byte(c.name), []byte(txID)},
	}, comm.RoleLedgerQuery)
	if err != nil {
		return nil, err
	}
	ptx := &peer.ProcessedTransaction{}
	if err := proto.Unmarshal(payload, ptx); err != nil {
		return nil, ferrors.Wrap(ferrors.Proposal, err, "unmarshal processed transaction")
	}
	return ptx, nil
}
