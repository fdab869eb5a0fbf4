package fabrictx

import (
	"bytes"
	"math"

	"github.com/arner/fabric-client/ferrors"
	"github.com/hyperledger/fabric-protos-go-apiv2/common"
	"github.com/hyperledger/fabric-protos-go-apiv2/orderer"
	"github.com/hyperledger/fabric-protos-go-apiv2/peer"
	"google.golang.org/protobuf/proto"
)

// NewTransactionEnvelope wraps gathered endorsements into a signed envelope
// ready for broadcast. All responses must carry the same proposal response
// payload; the caller is expected to have run consistency validation first,
// this only guards against programming errors.
func NewTransactionEnvelope(signer Signer, prop *Proposal, responses []*peer.ProposalResponse) (*common.Envelope, error) {
	if prop == nil {
		return nil, ferrors.New(ferrors.Argument, "proposal is nil")
	}
	if len(responses) == 0 {
		return nil, ferrors.New(ferrors.Transaction, "no endorsement responses").WithTxID(prop.TxID)
	}

	endorsements := make([]*peer.Endorsement, len(responses))
	for i, r := range responses {
		if r.Endorsement == nil {
			return nil, ferrors.New(ferrors.Transaction, "response carries no endorsement").WithTxID(prop.TxID)
		}
		if !bytes.Equal(r.Payload, responses[0].Payload) {
			return nil, ferrors.New(ferrors.Consistency, "endorsement payloads diverge").WithTxID(prop.TxID)
		}
		endorsements[i] = r.Endorsement
	}

	payload := &common.Payload{
		Header: prop.Header,
		Data: mustMarshal(&peer.Transaction{
			Actions: []*peer.TransactionAction{
				{
					Header: prop.Header.SignatureHeader,
					Payload: mustMarshal(&peer.ChaincodeActionPayload{
						ChaincodeProposalPayload: prop.payloadNoTransient,
						Action: &peer.ChaincodeEndorsedAction{
							ProposalResponsePayload: responses[0].Payload,
							Endorsements:            endorsements,
						},
					}),
				},
			},
		}),
	}

	payloadBytes, err := proto.Marshal(payload)
	if err != nil {
		return nil, ferrors.Wrap(ferrors.Transaction, err, "marshal payload").WithTxID(prop.TxID)
	}
	sig, err := signer.Sign(payloadBytes)
	if err != nil {
		return nil, err
	}

	return &common.Envelope{Payload: payloadBytes, Signature: sig}, nil
}

// NewConfigUpdateEnvelope wraps a channel configuration update and its
// admin signatures into a signed CONFIG_UPDATE envelope for broadcast.
// Used when creating or reconfiguring a channel.
func NewConfigUpdateEnvelope(signer Signer, hasher Hasher, channel string, configUpdate []byte, signatures []*common.ConfigSignature, tlsCertHash []byte) (*common.Envelope, error) {
	if len(configUpdate) == 0 {
		return nil, ferrors.New(ferrors.Argument, "config update is empty")
	}
	creator, err := signer.Serialize()
	if err != nil {
		return nil, err
	}
	hdr, _ := header(channel, creator, nil, common.HeaderType_CONFIG_UPDATE, hasher, tlsCertHash)

	payload, err := proto.Marshal(&common.Payload{
		Header: hdr,
		Data: mustMarshal(&common.ConfigUpdateEnvelope{
			ConfigUpdate: configUpdate,
			Signatures:   signatures,
		}),
	})
	if err != nil {
		return nil, ferrors.Wrap(ferrors.Transaction, err, "marshal config update payload")
	}
	sig, err := signer.Sign(payload)
	if err != nil {
		return nil, err
	}
	return &common.Envelope{Payload: payload, Signature: sig}, nil
}

// SeekNewest positions a deliver stream at the newest available block.
func SeekNewest() *orderer.SeekPosition {
	return &orderer.SeekPosition{Type: &orderer.SeekPosition_Newest{Newest: &orderer.SeekNewest{}}}
}

// SeekOldest positions a deliver stream at the genesis block.
func SeekOldest() *orderer.SeekPosition {
	return &orderer.SeekPosition{Type: &orderer.SeekPosition_Oldest{Oldest: &orderer.SeekOldest{}}}
}

// SeekSpecified positions a deliver stream at an exact block number.
func SeekSpecified(number uint64) *orderer.SeekPosition {
	return &orderer.SeekPosition{Type: &orderer.SeekPosition_Specified{Specified: &orderer.SeekSpecified{Number: number}}}
}

// SeekMax is the stop position for an unbounded subscription.
func SeekMax() *orderer.SeekPosition {
	return SeekSpecified(math.MaxUint64)
}

// NewSeekInfoEnvelope builds a signed DELIVER_SEEK_INFO envelope for a peer
// or orderer deliver service.
func NewSeekInfoEnvelope(signer Signer, hasher Hasher, channel string, start, stop *orderer.SeekPosition, tlsCertHash []byte) (*common.Envelope, error) {
	creator, err := signer.Serialize()
	if err != nil {
		return nil, err
	}
	hdr, _ := header(channel, creator, nil, common.HeaderType_DELIVER_SEEK_INFO, hasher, tlsCertHash)

	seekInfo := &orderer.SeekInfo{
		Start:    start,
		Stop:     stop,
		Behavior: orderer.SeekInfo_BLOCK_UNTIL_READY,
	}
	payload, err := proto.Marshal(&common.Payload{
		Header: hdr,
		Data:   mustMarshal(seekInfo),
	})
	if err != nil {
		return nil, ferrors.Wrap(ferrors.Transaction, err, "marshal seek payload")
	}
	sig, err := signer.Sign(payload)
	if err != nil {
		return nil, err
	}
	return &common.Envelope{Payload: payload, Signature: sig}, nil
}
