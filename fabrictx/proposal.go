package fabrictx

import (
	"github.com/arner/fabric-client/ferrors"
	"github.com/hyperledger/fabric-protos-go-apiv2/common"
	"github.com/hyperledger/fabric-protos-go-apiv2/peer"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/timestamppb"
)

// Kind selects the proposal variant.
type Kind int

const (
	KindInstall Kind = iota
	KindInstantiate
	KindUpgrade
	KindInvoke
	KindQuery
)

func (k Kind) String() string {
	switch k {
	case KindInstall:
		return "install"
	case KindInstantiate:
		return "instantiate"
	case KindUpgrade:
		return "upgrade"
	case KindInvoke:
		return "invoke"
	case KindQuery:
		return "query"
	default:
		return "unknown"
	}
}

// lifecycle system chaincode
const lsccName = "lscc"

// Request describes a proposal to build. All variants share channel,
// chaincode id, creator, nonce and timestamp; the kind decides the payload.
type Request struct {
	Kind      Kind
	Chaincode string
	Version   string
	Path      string
	Lang      string // "golang" (default), "java" or "node"

	// Invoke/Query.
	Fcn          string
	Args         [][]byte
	TransientMap map[string][]byte

	// Install: TAR.GZ source archive (see package packager).
	CodePackage []byte

	// Instantiate/Upgrade. Later positional LSCC args get empty
	// placeholders inserted for absent earlier ones.
	EndorsementPolicy []byte
	ESCC              string
	VSCC              string
	CollectionConfig  []byte
}

// Proposal is a built proposal together with everything the submission path
// needs later: the TxID, the header, and the proposal payload with the
// transient map stripped (that is what goes into the transaction).
type Proposal struct {
	TxID   string
	Signed *peer.SignedProposal
	Bytes  []byte
	Header *common.Header

	payloadNoTransient []byte
}

// NewSignedProposal assembles and signs a proposal. tlsCertHash binds the
// proposal to the client's TLS certificate when mutual TLS is in use; pass
// nil otherwise.
func NewSignedProposal(signer Signer, hasher Hasher, channel string, req Request, tlsCertHash []byte) (*Proposal, error) {
	if req.Chaincode == "" {
		return nil, ferrors.New(ferrors.Argument, "chaincode name is blank")
	}
	ccType, err := chaincodeType(req.Lang)
	if err != nil {
		return nil, err
	}

	invocation, err := invocationSpec(channel, req, ccType)
	if err != nil {
		return nil, err
	}

	// lifecycle operations are addressed to LSCC
	headerCC := &peer.ChaincodeID{Name: req.Chaincode}
	switch req.Kind {
	case KindInstall, KindInstantiate, KindUpgrade:
		headerCC = &peer.ChaincodeID{Name: lsccName}
	}

	creator, err := signer.Serialize()
	if err != nil {
		return nil, err
	}
	hdr, txID := header(channel, creator, headerCC, common.HeaderType_ENDORSER_TRANSACTION, hasher, tlsCertHash)
	hdrBytes, err := proto.Marshal(hdr)
	if err != nil {
		return nil, ferrors.Wrap(ferrors.Transaction, err, "marshal header")
	}

	invocationBytes := mustMarshal(invocation)
	payload := mustMarshal(&peer.ChaincodeProposalPayload{
		Input:        invocationBytes,
		TransientMap: req.TransientMap,
	})

	proposalBytes, err := proto.Marshal(&peer.Proposal{Header: hdrBytes, Payload: payload})
	if err != nil {
		return nil, ferrors.Wrap(ferrors.Transaction, err, "marshal proposal")
	}
	sig, err := signer.Sign(proposalBytes)
	if err != nil {
		return nil, err
	}

	return &Proposal{
		TxID:   txID,
		Signed: &peer.SignedProposal{ProposalBytes: proposalBytes, Signature: sig},
		Bytes:  proposalBytes,
		Header: hdr,
		payloadNoTransient: mustMarshal(&peer.ChaincodeProposalPayload{
			Input: invocationBytes,
		}),
	}, nil
}

func invocationSpec(channel string, req Request, ccType peer.ChaincodeSpec_Type) (*peer.ChaincodeInvocationSpec, error) {
	switch req.Kind {
	case KindInstall:
		if len(req.CodePackage) == 0 {
			return nil, ferrors.New(ferrors.Argument, "install requires a code package")
		}
		cds := mustMarshal(deploymentSpec(req, ccType, req.CodePackage))
		return lsccInvocation([][]byte{[]byte("install"), cds}), nil

	case KindInstantiate, KindUpgrade:
		if channel == "" {
			return nil, ferrors.Errorf(ferrors.Argument, "%s requires a channel", req.Kind)
		}
		action := "deploy"
		if req.Kind == KindUpgrade {
			action = "upgrade"
		}
		cds := mustMarshal(deploymentSpec(req, ccType, nil))
		args := [][]byte{[]byte(action), []byte(channel), cds}
		args = append(args, lsccTail(req)...)
		return lsccInvocation(args), nil

	case KindInvoke, KindQuery:
		args := req.Args
		if req.Fcn != "" {
			args = append([][]byte{[]byte(req.Fcn)}, req.Args...)
		}
		if len(args) == 0 {
			return nil, ferrors.New(ferrors.Argument, "invoke requires a function or arguments")
		}
		return &peer.ChaincodeInvocationSpec{
			ChaincodeSpec: &peer.ChaincodeSpec{
				Type:        ccType,
				ChaincodeId: &peer.ChaincodeID{Name: req.Chaincode},
				Input:       &peer.ChaincodeInput{Args: args},
			},
		}, nil

	default:
		return nil, ferrors.Errorf(ferrors.Argument, "unknown proposal kind %d", req.Kind)
	}
}

// lsccTail builds the optional positional args [policy, escc, vscc,
// collections]. Absent args before a present one become empty bytes;
// trailing absent args are dropped.
func lsccTail(req Request) [][]byte {
	tail := [][]byte{
		req.EndorsementPolicy,
		[]byte(req.ESCC),
		[]byte(req.VSCC),
		req.CollectionConfig,
	}
	last := -1
	for i, a := range tail {
		if len(a) > 0 {
			last = i
		}
	}
	out := make([][]byte, 0, last+1)
	for i := 0; i <= last; i++ {
		if len(tail[i]) == 0 {
			out = append(out, []byte{})
		} else {
			out = append(out, tail[i])
		}
	}
	return out
}

func lsccInvocation(args [][]byte) *peer.ChaincodeInvocationSpec {
	return &peer.ChaincodeInvocationSpec{
		ChaincodeSpec: &peer.ChaincodeSpec{
			Type:        peer.ChaincodeSpec_GOLANG,
			ChaincodeId: &peer.ChaincodeID{Name: lsccName},
			Input:       &peer.ChaincodeInput{Args: args},
		},
	}
}

func deploymentSpec(req Request, ccType peer.ChaincodeSpec_Type, codePackage []byte) *peer.ChaincodeDeploymentSpec {
	return &peer.ChaincodeDeploymentSpec{
		ChaincodeSpec: &peer.ChaincodeSpec{
			Type: ccType,
			ChaincodeId: &peer.ChaincodeID{
				Name:    req.Chaincode,
				Version: req.Version,
				Path:    req.Path,
			},
			Input: &peer.ChaincodeInput{Args: req.Args},
		},
		CodePackage: codePackage,
	}
}

func chaincodeType(lang string) (peer.ChaincodeSpec_Type, error) {
	switch lang {
	case "", "golang":
		return peer.ChaincodeSpec_GOLANG, nil
	case "java":
		return peer.ChaincodeSpec_JAVA, nil
	case "node":
		return peer.ChaincodeSpec_NODE, nil
	default:
		return peer.ChaincodeSpec_UNDEFINED, ferrors.Errorf(ferrors.Argument, "unknown chaincode type %q", lang)
	}
}

// header builds the channel and signature headers. The identical
// {nonce, creator} pair is used for both the TxID and the signature header;
// a mismatch corrupts commit matching.
func header(channel string, creator []byte, ccID *peer.ChaincodeID, typ common.HeaderType, hasher Hasher, tlsCertHash []byte) (*common.Header, string) {
	tm := timestamppb.Now()
	tm.Nanos = 0
	nonce := newNonce()

	cHdr := &common.ChannelHeader{
		Type:        int32(typ),
		Version:     0,
		Timestamp:   tm,
		ChannelId:   channel,
		Epoch:       0,
		TlsCertHash: tlsCertHash,
	}
	if ccID != nil {
		cHdr.Extension = mustMarshal(&peer.ChaincodeHeaderExtension{ChaincodeId: ccID})
		cHdr.TxId = ComputeTxID(hasher, nonce, creator)
	}

	return &common.Header{
		ChannelHeader:   mustMarshal(cHdr),
		SignatureHeader: mustMarshal(&common.SignatureHeader{Creator: creator, Nonce: nonce}),
	}, cHdr.TxId
}
