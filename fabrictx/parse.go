package fabrictx

import (
	"encoding/json"

	"github.com/arner/fabric-client/ferrors"
	"github.com/hyperledger/fabric-protos-go-apiv2/common"
	"github.com/hyperledger/fabric-protos-go-apiv2/ledger/rwset"
	"github.com/hyperledger/fabric-protos-go-apiv2/ledger/rwset/kvrwset"
	"github.com/hyperledger/fabric-protos-go-apiv2/msp"
	"github.com/hyperledger/fabric-protos-go-apiv2/peer"
	"google.golang.org/protobuf/proto"
)

// ParsedTransaction is a committed endorser transaction decoded into
// inspectable form.
type ParsedTransaction struct {
	ChannelHeader   *common.ChannelHeader   `json:"channel_header"`
	SignatureHeader *common.SignatureHeader `json:"signature_header"`
	Actions         []Action                `json:"actions"`
	Signature       []byte                  `json:"signature"`
}

func (p ParsedTransaction) String() string {
	b, _ := json.MarshalIndent(p, "", "  ")
	return string(b)
}

type Action struct {
	Input                    *peer.ChaincodeInvocationSpec `json:"input"`
	Endorsements             []Endorsement                 `json:"endorsements"`
	ProposalHash             []byte                        `json:"proposal_hash"`
	ChaincodeID              *peer.ChaincodeID             `json:"chaincode_id"`
	Response                 *peer.Response                `json:"response"`
	Events                   *peer.ChaincodeEvent          `json:"events"`
	Results                  []NsRwset                     `json:"results"`
	ProposalResponsePayloadB []byte                        `json:"-"`
}

type Endorsement struct {
	Endorser  *msp.SerializedIdentity `json:"endorser"`
	EndorserB []byte                  `json:"-"`
	Signature []byte                  `json:"signature"`
}

// Verify checks the endorser signature over the proposal response payload.
// It does not know whether the endorser satisfies the channel's policy.
func (e Endorsement) Verify(v Verifier, proposalResponsePayload []byte) error {
	// the signed message is the concatenation of the payload and the
	// serialized endorser identity
	msg := append(append([]byte{}, proposalResponsePayload...), e.EndorserB...)
	ok, err := v.Verify(e.Endorser.IdBytes, e.Signature, msg)
	if err != nil {
		return err
	}
	if !ok {
		return ferrors.Errorf(ferrors.Crypto, "endorsement of %s invalid", e.Endorser.Mspid)
	}
	return nil
}

type NsRwset struct {
	Namespace string           `json:"namespace"`
	Rwset     *kvrwset.KVRWSet `json:"rwset"`
	TxID      string           `json:"-"`
}

// ParseEndorserTx decodes a committed endorser transaction envelope.
func ParseEndorserTx(env *common.Envelope) (ParsedTransaction, error) {
	out := ParsedTransaction{Signature: env.Signature}

	pl := &common.Payload{}
	if err := proto.Unmarshal(env.Payload, pl); err != nil {
		return out, ferrors.Wrap(ferrors.Transaction, err, "payload")
	}
	chdr := &common.ChannelHeader{}
	if err := proto.Unmarshal(pl.Header.ChannelHeader, chdr); err != nil {
		return out, ferrors.Wrap(ferrors.Transaction, err, "channel header")
	}
	shdr := &common.SignatureHeader{}
	if err := proto.Unmarshal(pl.Header.SignatureHeader, shdr); err != nil {
		return out, ferrors.Wrap(ferrors.Transaction, err, "signature header")
	}
	tx := &peer.Transaction{}
	if err := proto.Unmarshal(pl.Data, tx); err != nil {
		return out, ferrors.Wrap(ferrors.Transaction, err, "transaction")
	}
	out.ChannelHeader = chdr
	out.SignatureHeader = shdr

	for _, act := range tx.Actions {
		action, err := parseAction(act)
		if err != nil {
			return out, err
		}
		out.Actions = append(out.Actions, action)
	}
	return out, nil
}

func parseAction(act *peer.TransactionAction) (Action, error) {
	a := Action{}
	ccap := &peer.ChaincodeActionPayload{}
	if err := proto.Unmarshal(act.Payload, ccap); err != nil {
		return a, ferrors.Wrap(ferrors.Transaction, err, "chaincode action payload")
	}
	cpp := &peer.ChaincodeProposalPayload{}
	if err := proto.Unmarshal(ccap.ChaincodeProposalPayload, cpp); err != nil {
		return a, ferrors.Wrap(ferrors.Transaction, err, "chaincode proposal payload")
	}
	cis := &peer.ChaincodeInvocationSpec{}
	if err := proto.Unmarshal(cpp.Input, cis); err != nil {
		return a, ferrors.Wrap(ferrors.Transaction, err, "chaincode invocation spec")
	}
	prp := &peer.ProposalResponsePayload{}
	if err := proto.Unmarshal(ccap.Action.ProposalResponsePayload, prp); err != nil {
		return a, ferrors.Wrap(ferrors.Transaction, err, "proposal response payload")
	}
	ccAct := &peer.ChaincodeAction{}
	if err := proto.Unmarshal(prp.Extension, ccAct); err != nil {
		return a, ferrors.Wrap(ferrors.Transaction, err, "chaincode action")
	}
	events := &peer.ChaincodeEvent{}
	if err := proto.Unmarshal(ccAct.Events, events); err != nil {
		return a, ferrors.Wrap(ferrors.Transaction, err, "events")
	}
	results, err := nsRwsets(ccAct.Results)
	if err != nil {
		return a, err
	}

	endorsements := make([]Endorsement, 0, len(ccap.Action.Endorsements))
	for _, end := range ccap.Action.Endorsements {
		id := &msp.SerializedIdentity{}
		if err := proto.Unmarshal(end.Endorser, id); err != nil {
			return a, ferrors.Wrap(ferrors.Transaction, err, "endorser identity")
		}
		endorsements = append(endorsements, Endorsement{
			Endorser:  id,
			EndorserB: end.Endorser,
			Signature: end.Signature,
		})
	}

	return Action{
		Input:                    cis,
		Endorsements:             endorsements,
		ProposalHash:             prp.ProposalHash,
		ChaincodeID:              ccAct.ChaincodeId,
		Response:                 ccAct.Response,
		Events:                   events,
		Results:                  results,
		ProposalResponsePayloadB: ccap.Action.ProposalResponsePayload,
	}, nil
}

func nsRwsets(resultsBytes []byte) ([]NsRwset, error) {
	txRWSet := &rwset.TxReadWriteSet{}
	if err := proto.Unmarshal(resultsBytes, txRWSet); err != nil {
		return nil, ferrors.Wrap(ferrors.Transaction, err, "rwset")
	}
	var out []NsRwset
	for _, ns := range txRWSet.NsRwset {
		kvs := &kvrwset.KVRWSet{}
		if err := proto.Unmarshal(ns.Rwset, kvs); err != nil {
			return nil, ferrors.Wrap(ferrors.Transaction, err, "kvrwset")
		}
		out = append(out, NsRwset{Namespace: ns.Namespace, Rwset: kvs})
	}
	return out, nil
}

// RWSets extracts the read/write sets of a committed envelope, tagged with
// its TxID.
func RWSets(env *common.Envelope) ([]NsRwset, error) {
	parsed, err := ParseEndorserTx(env)
	if err != nil {
		return nil, err
	}
	var out []NsRwset
	for _, act := range parsed.Actions {
		for _, ns := range act.Results {
			ns.TxID = parsed.ChannelHeader.TxId
			out = append(out, ns)
		}
	}
	return out, nil
}
