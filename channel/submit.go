package channel

import (
	"context"
	"time"

	"github.com/arner/fabric-client/fabrictx"
	"github.com/arner/fabric-client/ferrors"

	"github.com/hyperledger/fabric-protos-go-apiv2/common"
	"github.com/hyperledger/fabric-protos-go-apiv2/peer"
)

// SubmitOptions tunes one submission. Zero values use the defaults.
type SubmitOptions struct {
	// BroadcastAttempts bounds the retries against the ordering service.
	BroadcastAttempts int
	// CommitTimeout overrides transaction_cleanup_timeout.
	CommitTimeout time.Duration
}

const defaultBroadcastAttempts = 3

// TxResult is the outcome of a committed transaction.
type TxResult struct {
	TxID           string
	ValidationCode peer.TxValidationCode
	BlockNumber    uint64
	Payload        []byte
}

// Submit assembles the endorsed transaction, registers a commit listener,
// broadcasts the envelope and awaits the commit. The commit listener is
// registered strictly before the envelope is handed to the orderer.
func (c *Channel) Submit(ctx context.Context, prop *fabrictx.Proposal, responses []EndorserResponse, opts SubmitOptions) (*TxResult, error) {
	if err := c.requireInitialized(); err != nil {
		return nil, err
	}
	if prop == nil {
		return nil, ferrors.New(ferrors.Argument, "proposal is nil")
	}

	var endorsed []*peer.ProposalResponse
	for _, r := range responses {
		if r.Err == nil && r.Response != nil {
			endorsed = append(endorsed, r.Response)
		}
	}
	env, err := fabrictx.NewTransactionEnvelope(c.signer, prop, endorsed)
	if err != nil {
		return nil, err
	}

	orderers := c.Orderers()
	if len(orderers) == 0 {
		return nil, ferrors.Errorf(ferrors.Transaction, "channel %s has no orderers", c.name).WithTxID(prop.TxID)
	}

	commit, err := c.registerCommitListener(prop.TxID)
	if err != nil {
		return nil, err
	}
	defer c.removeCommitListener(prop.TxID)

	attempts := opts.BroadcastAttempts
	if attempts <= 0 {
		attempts = defaultBroadcastAttempts
	}
	if err := c.broadcast(ctx, env, orderers, attempts, prop.TxID); err != nil {
		return nil, err
	}

	timeout := opts.CommitTimeout
	if timeout <= 0 {
		timeout = c.cfg.TransactionCleanupTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case ev, ok := <-commit:
		if !ok {
			return nil, ferrors.Errorf(ferrors.ShuttingDown, "channel %s shut down while awaiting commit", c.name).WithTxID(prop.TxID)
		}
		res := &TxResult{
			TxID:           ev.TxID,
			ValidationCode: ev.Code,
			BlockNumber:    ev.BlockNumber,
		}
		if len(endorsed) > 0 && endorsed[0].Response != nil {
			res.Payload = endorsed[0].Response.Payload
		}
		if ev.Code != peer.TxValidationCode_VALID {
			return res, ferrors.Errorf(ferrors.Transaction, "transaction invalidated: %s",
				peer.TxValidationCode_name[int32(ev.Code)]).WithTxID(prop.TxID)
		}
		logger.Infof("channel %s: transaction %s committed in block %d", c.name, ev.TxID, ev.BlockNumber)
		return res, nil
	case <-timer.C:
		return nil, ferrors.Errorf(ferrors.TransactionTimeout, "commit of %s not observed within %s", prop.TxID, timeout).WithTxID(prop.TxID)
	case <-ctx.Done():
		return nil, ferrors.Wrap(ferrors.Transaction, ctx.Err(), "submission canceled").WithTxID(prop.TxID)
	}
}

// broadcast tries the orderers round-robin with the per-attempt deadline,
// backing off between attempts. Non-retryable rejections surface
// immediately.
func (c *Channel) broadcast(ctx context.Context, env *common.Envelope, orderers []Orderer, attempts int, txID string) error {
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ferrors.Wrap(ferrors.Transaction, ctx.Err(), "broadcast canceled").WithTxID(txID)
			case <-time.After(c.cfg.OrdererRetryWaitTime):
			}
		}
		o := orderers[attempt%len(orderers)]
		callCtx, cancel := context.WithTimeout(ctx, c.cfg.OrdererWaitTime)
		lastErr = o.Broadcast(callCtx, env)
		cancel()
		if lastErr == nil {
			return nil
		}
		if !ferrors.Retryable(lastErr) {
			break
		}
		logger.Warnf("channel %s: broadcast attempt %d of %s failed: %s", c.name, attempt+1, txID, lastErr)
	}
	if fe, ok := lastErr.(*ferrors.Error); ok {
		return fe.WithTxID(txID)
	}
	return ferrors.Wrap(ferrors.Transaction, lastErr, "broadcast failed").WithTxID(txID)
}
