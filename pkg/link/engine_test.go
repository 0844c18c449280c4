package link

import (
	"testing"
	"time"

	"github.com/n8sec/reticulum-go/pkg/identity"
)

func TestFullHandshakeThroughEngine(t *testing.T) {
	responderIdentity, err := identity.New()
	if err != nil {
		t.Fatalf("identity.New: %v", err)
	}
	destHash := responderIdentity.DestinationHash("app", "node")

	initiatorEngine := NewEngine(time.Second)
	responderEngine := NewEngine(time.Second)
	now := time.Now()

	initiatorLink, requestPayload, err := initiatorEngine.InitiateLink(destHash, now)
	if err != nil {
		t.Fatalf("InitiateLink: %v", err)
	}
	if initiatorLink.State != StatePending {
		t.Fatalf("initiator state = %v, want Pending", initiatorLink.State)
	}

	responderLink, proofPayload, err := responderEngine.HandleLinkRequest(responderIdentity, destHash, requestPayload, now)
	if err != nil {
		t.Fatalf("HandleLinkRequest: %v", err)
	}
	if responderLink.State != StateRequested {
		t.Fatalf("responder state = %v, want Requested", responderLink.State)
	}

	_, rttConfirm, err := initiatorEngine.HandleLinkProof(initiatorLink.LinkID, responderIdentity.EdPublicKey(), proofPayload, now.Add(10*time.Millisecond))
	if err != nil {
		t.Fatalf("HandleLinkProof: %v", err)
	}
	if initiatorLink.State != StateActive {
		t.Fatalf("initiator state after proof = %v, want Active", initiatorLink.State)
	}

	if _, err := responderEngine.HandleRTTConfirm(responderLink.LinkID, rttConfirm, now.Add(20*time.Millisecond)); err != nil {
		t.Fatalf("HandleRTTConfirm: %v", err)
	}
	if responderLink.State != StateActive {
		t.Fatalf("responder state after rtt-confirm = %v, want Active", responderLink.State)
	}
}

func TestHandleLinkProofRejectsBadSignature(t *testing.T) {
	responderIdentity, _ := identity.New()
	wrongIdentity, _ := identity.New()
	destHash := responderIdentity.DestinationHash("app", "node")

	initiatorEngine := NewEngine(time.Second)
	responderEngine := NewEngine(time.Second)
	now := time.Now()

	initiatorLink, requestPayload, err := initiatorEngine.InitiateLink(destHash, now)
	if err != nil {
		t.Fatalf("InitiateLink: %v", err)
	}
	_, proofPayload, err := responderEngine.HandleLinkRequest(responderIdentity, destHash, requestPayload, now)
	if err != nil {
		t.Fatalf("HandleLinkRequest: %v", err)
	}

	if _, _, err := initiatorEngine.HandleLinkProof(initiatorLink.LinkID, wrongIdentity.EdPublicKey(), proofPayload, now); err != ErrBadProof {
		t.Errorf("err = %v, want ErrBadProof", err)
	}
	if initiatorLink.State != StatePending {
		t.Errorf("state = %v, want still Pending after a bad proof", initiatorLink.State)
	}
}

func TestInitiateLinkRejectsConcurrentDuplicate(t *testing.T) {
	e := NewEngine(time.Second)
	destHash := make([]byte, 16)
	now := time.Now()

	if _, _, err := e.InitiateLink(destHash, now); err != nil {
		t.Fatalf("first InitiateLink: %v", err)
	}
	if _, _, err := e.InitiateLink(destHash, now); err != ErrAlreadyEstablishing {
		t.Errorf("err = %v, want ErrAlreadyEstablishing", err)
	}
}

func TestSweepAbandonsLinksPastEstablishTimeout(t *testing.T) {
	e := NewEngine(10 * time.Millisecond)
	destHash := make([]byte, 16)
	now := time.Now()
	link, _, _ := e.InitiateLink(destHash, now)

	abandoned := e.Sweep(now.Add(time.Second))
	if len(abandoned) != 1 {
		t.Fatalf("abandoned = %d, want 1", len(abandoned))
	}
	if link.State != StateClosed {
		t.Errorf("state = %v, want Closed", link.State)
	}
	if e.CountLinks() != 0 {
		t.Errorf("count = %d, want 0 after abandonment", e.CountLinks())
	}
}

func TestSweepMarksIdleActiveLinksStale(t *testing.T) {
	responderIdentity, _ := identity.New()
	destHash := responderIdentity.DestinationHash("app")
	initiatorEngine := NewEngine(time.Second)
	responderEngine := NewEngine(time.Second)
	now := time.Now()

	initiatorLink, requestPayload, _ := initiatorEngine.InitiateLink(destHash, now)
	_, proofPayload, _ := responderEngine.HandleLinkRequest(responderIdentity, destHash, requestPayload, now)
	initiatorEngine.HandleLinkProof(initiatorLink.LinkID, responderIdentity.EdPublicKey(), proofPayload, now)

	initiatorEngine.Sweep(now.Add(10 * time.Minute))
	if initiatorLink.State != StateStale {
		t.Errorf("state = %v, want Stale after a long idle gap", initiatorLink.State)
	}
}

func TestKeepaliveRoundTripThroughEngine(t *testing.T) {
	e := NewEngine(time.Second)
	destHash := make([]byte, 16)
	now := time.Now()
	link, _, _ := e.InitiateLink(destHash, now)
	link.State = StateActive // pretend already established for this test

	payload, err := BuildKeepalive()
	if err != nil {
		t.Fatalf("BuildKeepalive: %v", err)
	}
	if err := e.HandleKeepalive(link.LinkID, payload, now.Add(time.Minute)); err != nil {
		t.Fatalf("HandleKeepalive: %v", err)
	}
	if link.LastInboundAt.Before(now.Add(time.Minute)) {
		t.Error("expected keepalive to touch LastInboundAt")
	}
}

func TestCloseLinkForgetsLinkAndDestinationMapping(t *testing.T) {
	e := NewEngine(time.Second)
	destHash := make([]byte, 16)
	now := time.Now()
	link, _, _ := e.InitiateLink(destHash, now)

	e.CloseLink(link.LinkID)
	if _, ok := e.GetLink(link.LinkID); ok {
		t.Error("expected link to be forgotten after close")
	}
	// Re-initiating to the same destination should now succeed again.
	if _, _, err := e.InitiateLink(destHash, now); err != nil {
		t.Errorf("InitiateLink after close: %v", err)
	}
}
