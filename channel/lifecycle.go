package channel

import (
	"context"

	"github.com/arner/fabric-client/fabrictx"
	"github.com/arner/fabric-client/ferrors"

	"github.com/hyperledger/fabric-protos-go-apiv2/common"
	"google.golang.org/protobuf/proto"
)

// configuration system chaincode
const csccName = "cscc"

// Create submits the channel-creation transaction: the caller supplies the
// config update (extracted from a configtx envelope) and the signatures of
// the config admins. Valid in CREATED state; the channel still needs
// Initialize afterwards.
func (c *Channel) Create(ctx context.Context, configUpdate []byte, signatures []*common.ConfigSignature) error {
	c.mu.RLock()
	state := c.state
	orderers := append([]Orderer(nil), c.orderers...)
	c.mu.RUnlock()
	if state == ShutDown {
		return ferrors.Errorf(ferrors.ShuttingDown, "channel %s is shut down", c.name)
	}
	if len(orderers) == 0 {
		return ferrors.Errorf(ferrors.Argument, "channel %s has no orderers", c.name)
	}

	env, err := fabrictx.NewConfigUpdateEnvelope(c.signer, c.hasher, c.name, configUpdate, signatures, nil)
	if err != nil {
		return err
	}
	if err := c.broadcast(ctx, env, orderers, defaultBroadcastAttempts, ""); err != nil {
		return err
	}
	logger.Infof("channel %s: creation transaction broadcast", c.name)
	return nil
}

// JoinPeer asks a peer to join the channel by handing it the genesis block
// through the CSCC system chaincode.
func (c *Channel) JoinPeer(ctx context.Context, target Endorser, genesis *common.Block) error {
	if target == nil {
		return ferrors.New(ferrors.Argument, "peer is nil")
	}
	if genesis == nil {
		return ferrors.New(ferrors.Argument, "genesis block is nil")
	}
	blockBytes, err := proto.Marshal(genesis)
	if err != nil {
		return ferrors.Wrap(ferrors.Transaction, err, "marshal genesis block")
	}

	// JoinChain proposals are not channel-scoped
	prop, err := fabrictx.NewSignedProposal(c.signer, c.hasher, "", fabrictx.Request{
		Kind:      fabrictx.KindInvoke,
		Chaincode: csccName,
		Fcn:       "JoinChain",
		Args:      [][]byte{blockBytes},
	}, target.TLSCertHash())
	if err != nil {
		return err
	}

	callCtx, cancel := context.WithTimeout(ctx, c.cfg.ProposalWaitTime)
	defer cancel()
	if _, err := target.SendProposal(callCtx, prop.Signed); err != nil {
		return err
	}
	logger.Infof("channel %s: peer %s joined", c.name, target.URL())
	return nil
}

// FetchGenesisBlock retrieves block 0 from an orderer, for handing to
// joining peers.
func (c *Channel) FetchGenesisBlock(ctx context.Context) (*common.Block, error) {
	type genesisFetcher interface {
		FetchGenesisBlock(ctx context.Context, signer fabrictx.Signer, hasher fabrictx.Hasher, channel string) (*common.Block, error)
	}
	fetchCtx, cancel := context.WithTimeout(ctx, c.cfg.GenesisBlockWaitTime)
	defer cancel()

	var lastErr error
	for _, o := range c.Orderers() {
		f, ok := o.(genesisFetcher)
		if !ok {
			continue
		}
		block, err := f.FetchGenesisBlock(fetchCtx, c.signer, c.hasher, c.name)
		if err == nil {
			return block, nil
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = ferrors.Errorf(ferrors.Argument, "channel %s has no orderer able to deliver the genesis block", c.name)
	}
	return nil, lastErr
}
