package channel

import (
	"context"
	"testing"

	"github.com/arner/fabric-client/comm"
	"github.com/arner/fabric-client/ferrors"

	"github.com/hyperledger/fabric-protos-go-apiv2/common"
	"github.com/hyperledger/fabric-protos-go-apiv2/peer"
	"google.golang.org/protobuf/proto"
)

func TestCreateBroadcastsConfigUpdate(t *testing.T) {
	signer, suite := testSigner(t)
	c, err := New("newchannel", signer, suite, testConfig())
	if err != nil {
		t.Fatal(err)
	}

	var sent *common.Envelope
	o := &fakeOrderer{url: "grpcs://orderer:7050"}
	o.broadcastFn = func(attempt int, env *common.Envelope) error {
		sent = env
		return nil
	}
	if err := c.AddOrderer(o); err != nil {
		t.Fatal(err)
	}

	if err := c.Create(context.Background(), []byte("config-update"), []*common.ConfigSignature{
		{Signature: []byte("admin-sig")},
	}); err != nil {
		t.Fatal(err)
	}
	if sent == nil {
		t.Fatal("expected a broadcast")
	}

	pl := &common.Payload{}
	if err := proto.Unmarshal(sent.Payload, pl); err != nil {
		t.Fatal(err)
	}
	chdr := &common.ChannelHeader{}
	if err := proto.Unmarshal(pl.Header.ChannelHeader, chdr); err != nil {
		t.Fatal(err)
	}
	if common.HeaderType(chdr.Type) != common.HeaderType_CONFIG_UPDATE {
		t.Fatalf("expected CONFIG_UPDATE, got %d", chdr.Type)
	}
	if chdr.ChannelId != "newchannel" {
		t.Fatalf("unexpected channel %s", chdr.ChannelId)
	}
	cue := &common.ConfigUpdateEnvelope{}
	if err := proto.Unmarshal(pl.Data, cue); err != nil {
		t.Fatal(err)
	}
	if string(cue.ConfigUpdate) != "config-update" || len(cue.Signatures) != 1 {
		t.Fatal("expected the config update and admin signatures in the envelope")
	}
	if err := signer.Verify(sent.Payload, sent.Signature); err != nil {
		t.Fatal(err)
	}

	// empty update is refused before any broadcast
	if err := c.Create(context.Background(), nil, nil); !ferrors.HasKind(err, ferrors.Argument) {
		t.Fatalf("expected argument error, got %v", err)
	}
}

func TestJoinPeer(t *testing.T) {
	_, suite := testSigner(t)

	var captured *peer.SignedProposal
	target := &fakeEndorser{url: "grpc://peer0:7051", roles: comm.RoleAll, respond: func(sp *peer.SignedProposal) (*peer.ProposalResponse, error) {
		captured = sp
		return okResponse(t, suite, sp, "OK"), nil
	}}
	c := newTestChannel(t, []Endorser{target}, &fakeOrderer{url: "grpcs://orderer:7050"}, nil)

	genesis := &common.Block{Header: &common.BlockHeader{Number: 0}}
	if err := c.JoinPeer(context.Background(), target, genesis); err != nil {
		t.Fatal(err)
	}
	if captured == nil {
		t.Fatal("expected the join proposal at the peer")
	}

	p := &peer.Proposal{}
	if err := proto.Unmarshal(captured.ProposalBytes, p); err != nil {
		t.Fatal(err)
	}
	cpp := &peer.ChaincodeProposalPayload{}
	if err := proto.Unmarshal(p.Payload, cpp); err != nil {
		t.Fatal(err)
	}
	cis := &peer.ChaincodeInvocationSpec{}
	if err := proto.Unmarshal(cpp.Input, cis); err != nil {
		t.Fatal(err)
	}
	if cis.ChaincodeSpec.ChaincodeId.Name != "cscc" {
		t.Fatalf("expected cscc, got %s", cis.ChaincodeSpec.ChaincodeId.Name)
	}
	args := cis.ChaincodeSpec.Input.Args
	if string(args[0]) != "JoinChain" || len(args) != 2 {
		t.Fatalf("unexpected args %q", args[0])
	}
	sentBlock := &common.Block{}
	if err := proto.Unmarshal(args[1], sentBlock); err != nil {
		t.Fatal(err)
	}
	if sentBlock.Header.Number != 0 {
		t.Fatal("expected the genesis block in the join proposal")
	}

	if err := c.JoinPeer(context.Background(), target, nil); !ferrors.HasKind(err, ferrors.Argument) {
		t.Fatalf("expected argument error, got %v", err)
	}
}
