package channel

import (
	"context"

	"github.com/arner/fabric-client/fabrictx"
	"github.com/arner/fabric-client/ferrors"

	"github.com/hyperledger/fabric-protos-go-apiv2/peer"
)

// DecodeTransaction fetches a committed transaction via QSCC and decodes
// its envelope into inspectable form: invocation input, endorsements,
// response and read/write sets. When the channel's hash provider can also
// verify signatures, every endorsement is checked against its endorser
// certificate.
func (c *Channel) DecodeTransaction(ctx context.Context, txID string) (*fabrictx.ParsedTransaction, peer.TxValidationCode, error) {
	ptx, err := c.QueryTransaction(ctx, txID)
	if err != nil {
		return nil, peer.TxValidationCode_INVALID_OTHER_REASON, err
	}
	code := peer.TxValidationCode(ptx.ValidationCode)
	if ptx.TransactionEnvelope == nil {
		return nil, code, ferrors.Errorf(ferrors.Proposal, "transaction %s has no envelope", txID).WithTxID(txID)
	}

	parsed, err := fabrictx.ParseEndorserTx(ptx.TransactionEnvelope)
	if err != nil {
		return nil, code, err
	}

	if verifier, ok := c.hasher.(fabrictx.Verifier); ok {
		for _, act := range parsed.Actions {
			for _, e := range act.Endorsements {
				if err := e.Verify(verifier, act.ProposalResponsePayloadB); err != nil {
					if fe, ok := err.(*ferrors.Error); ok {
						return &parsed, code, fe.WithTxID(txID)
					}
					return &parsed, code, err
				}
			}
		}
	}
	return &parsed, code, nil
}

// TransactionReadWriteSets returns the read/write sets of a committed
// transaction, tagged with its TxID.
func (c *Channel) TransactionReadWriteSets(ctx context.Context, txID string) ([]fabrictx.NsRwset, error) {
	ptx, err := c.QueryTransaction(ctx, txID)
	if err != nil {
		return nil, err
	}
	if ptx.TransactionEnvelope == nil {
		return nil, ferrors.Errorf(ferrors.Proposal, "transaction %s has no envelope", txID).WithTxID(txID)
	}
	return fabrictx.RWSets(ptx.TransactionEnvelope)
}
