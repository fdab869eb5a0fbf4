package channel

import (
	"context"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"

	"github.com/arner/fabric-client/comm"
	"github.com/arner/fabric-client/fabrictx"
	"github.com/arner/fabric-client/ferrors"

	"github.com/hyperledger/fabric-protos-go-apiv2/peer"
	"google.golang.org/protobuf/proto"
)

// EndorseRequest is an endorsement fan-out.
type EndorseRequest struct {
	Proposal fabrictx.Request
	// Targets overrides the default target set (all ENDORSING peers).
	Targets []Endorser
	// DisableConsistencyValidation skips the consistency-set check for
	// this request only.
	DisableConsistencyValidation bool
}

// EndorserResponse pairs one peer's response (or failure) with its origin.
type EndorserResponse struct {
	Endorser string
	Response *peer.ProposalResponse
	Err      error
}

// Payload returns the result bytes of a successful response.
func (r EndorserResponse) Payload() []byte {
	if r.Response == nil || r.Response.Response == nil {
		return nil
	}
	return r.Response.Response.Payload
}

// Endorse builds and signs the proposal, fans it out concurrently to the
// targets with a per-request deadline, gathers the responses and validates
// their consistency.
func (c *Channel) Endorse(ctx context.Context, req EndorseRequest) (*fabrictx.Proposal, []EndorserResponse, error) {
	if err := c.requireInitialized(); err != nil {
		return nil, nil, err
	}

	targets := req.Targets
	if len(targets) == 0 {
		targets = c.PeersWithRole(comm.RoleEndorsing)
	}
	if len(targets) == 0 {
		return nil, nil, ferrors.Errorf(ferrors.Argument, "channel %s has no endorsing peers", c.name)
	}

	prop, err := fabrictx.NewSignedProposal(c.signer, c.hasher, c.channelIDFor(req.Proposal), req.Proposal, c.tlsCertHash(targets))
	if err != nil {
		return nil, nil, err
	}

	responses := c.fanOut(ctx, prop.Signed, targets)

	var successes []EndorserResponse
	for _, r := range responses {
		if r.Err == nil {
			successes = append(successes, r)
		}
	}
	if len(successes) == 0 {
		return prop, responses, ferrors.Errorf(ferrors.Proposal, "no successful endorsement for %s: %s",
			prop.TxID, summarizeFailures(responses)).WithTxID(prop.TxID)
	}

	if c.cfg.ConsistencyValidation && !req.DisableConsistencyValidation {
		if err := validateConsistency(successes); err != nil {
			if fe, ok := err.(*ferrors.Error); ok {
				fe.WithTxID(prop.TxID)
			}
			return prop, responses, err
		}
	}
	return prop, responses, nil
}

// fanOut dispatches the signed proposal to every target concurrently and
// waits for all of them (a collection barrier).
func (c *Channel) fanOut(ctx context.Context, sp *peer.SignedProposal, targets []Endorser) []EndorserResponse {
	out := make([]EndorserResponse, len(targets))
	var wg sync.WaitGroup
	for i, target := range targets {
		wg.Add(1)
		go func(i int, target Endorser) {
			defer wg.Done()
			callCtx, cancel := context.WithTimeout(ctx, c.cfg.ProposalWaitTime)
			defer cancel()
			resp, err := target.SendProposal(callCtx, sp)
			out[i] = EndorserResponse{Endorser: target.URL(), Response: resp, Err: err}
		}(i, target)
	}
	wg.Wait()
	return out
}

// validateConsistency groups successful responses by (proposal hash,
// payload) and requires a single group.
func validateConsistency(successes []EndorserResponse) error {
	groups := map[string][]string{}
	for _, r := range successes {
		prp := &peer.ProposalResponsePayload{}
		if err := proto.Unmarshal(r.Response.Payload, prp); err != nil {
			return ferrors.Wrapf(ferrors.Proposal, err, "response payload from %s", r.Endorser)
		}
		key := hex.EncodeToString(prp.ProposalHash) + "|" + string(r.Payload())
		groups[key] = append(groups[key], r.Endorser)
	}
	if len(groups) > 1 {
		var details []string
		for _, r := range successes {
			details = append(details, fmt.Sprintf("%s=%q", r.Endorser, r.Payload()))
		}
		return ferrors.Errorf(ferrors.Consistency, "endorsements diverge into %d sets: %s",
			len(groups), strings.Join(details, ", "))
	}
	return nil
}

// channelIDFor returns the channel id carried by the proposal header.
// Install proposals are not channel-scoped.
func (c *Channel) channelIDFor(req fabrictx.Request) string {
	if req.Kind == fabrictx.KindInstall {
		return ""
	}
	return c.name
}

// tlsCertHash picks the tls binding digest of the target connections, when
// mutual TLS is in use.
func (c *Channel) tlsCertHash(targets []Endorser) []byte {
	for _, t := range targets {
		if h := t.TLSCertHash(); h != nil {
			return h
		}
	}
	return nil
}

func (c *Channel) requireInitialized() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	switch c.state {
	case Initialized:
		return nil
	case ShutDown:
		return ferrors.Errorf(ferrors.ShuttingDown, "channel %s is shut down", c.name)
	default:
		return ferrors.Errorf(ferrors.Argument, "channel %s is not initialized", c.name)
	}
}

func summarizeFailures(responses []EndorserResponse) string {
	var parts []string
	for _, r := range responses {
		if r.Err != nil {
			parts = append(parts, fmt.Sprintf("%s: %s", r.Endorser, r.Err))
		}
	}
	return strings.Join(parts, "; ")
}
