package fabrictx

import (
	"github.com/arner/fabric-client/ferrors"
	"github.com/hyperledger/fabric-protos-go-apiv2/common"
	"github.com/hyperledger/fabric-protos-go-apiv2/peer"
	"google.golang.org/protobuf/proto"
)

// BlockTx is one transaction of a committed block together with its
// validation code from the block metadata.
type BlockTx struct {
	TxID           string
	Type           common.HeaderType
	ValidationCode peer.TxValidationCode
}

// BlockTransactions decodes the envelopes of a block and pairs each with
// its entry in the TRANSACTIONS_FILTER metadata. A structurally broken
// block returns an error; the event hub treats that as fatal.
func BlockTransactions(block *common.Block) ([]BlockTx, error) {
	if block == nil || block.Header == nil || block.Data == nil {
		return nil, ferrors.New(ferrors.EventHub, "malformed block: missing header or data")
	}
	if block.Metadata == nil || len(block.Metadata.Metadata) <= int(common.BlockMetadataIndex_TRANSACTIONS_FILTER) {
		return nil, ferrors.Errorf(ferrors.EventHub, "malformed block %d: metadata missing TRANSACTIONS_FILTER", block.Header.Number)
	}
	txFilter := block.Metadata.Metadata[common.BlockMetadataIndex_TRANSACTIONS_FILTER]
	if len(txFilter) < len(block.Data.Data) {
		return nil, ferrors.Errorf(ferrors.EventHub, "malformed block %d: filter shorter than data", block.Header.Number)
	}

	out := make([]BlockTx, 0, len(block.Data.Data))
	for i, envBytes := range block.Data.Data {
		env := &common.Envelope{}
		if err := proto.Unmarshal(envBytes, env); err != nil {
			return nil, ferrors.Wrapf(ferrors.EventHub, err, "malformed block %d: envelope %d", block.Header.Number, i)
		}
		pl := &common.Payload{}
		if err := proto.Unmarshal(env.Payload, pl); err != nil {
			return nil, ferrors.Wrapf(ferrors.EventHub, err, "malformed block %d: payload %d", block.Header.Number, i)
		}
		if pl.Header == nil {
			return nil, ferrors.Errorf(ferrors.EventHub, "malformed block %d: payload %d has no header", block.Header.Number, i)
		}
		chdr := &common.ChannelHeader{}
		if err := proto.Unmarshal(pl.Header.ChannelHeader, chdr); err != nil {
			return nil, ferrors.Wrapf(ferrors.EventHub, err, "malformed block %d: channel header %d", block.Header.Number, i)
		}
		out = append(out, BlockTx{
			TxID:           chdr.TxId,
			Type:           common.HeaderType(chdr.Type),
			ValidationCode: peer.TxValidationCode(txFilter[i]),
		})
	}
	return out, nil
}

// LastConfigIndex reads the last-config pointer from a block's metadata.
func LastConfigIndex(block *common.Block) (uint64, error) {
	if block == nil || block.Metadata == nil || len(block.Metadata.Metadata) <= int(common.BlockMetadataIndex_LAST_CONFIG) {
		return 0, ferrors.New(ferrors.Transaction, "block metadata missing LAST_CONFIG")
	}
	md := &common.Metadata{}
	if err := proto.Unmarshal(block.Metadata.Metadata[common.BlockMetadataIndex_LAST_CONFIG], md); err != nil {
		return 0, ferrors.Wrap(ferrors.Transaction, err, "unmarshal LAST_CONFIG metadata")
	}
	lc := &common.LastConfig{}
	if err := proto.Unmarshal(md.Value, lc); err != nil {
		return 0, ferrors.Wrap(ferrors.Transaction, err, "unmarshal last config")
	}
	return lc.Index, nil
}
