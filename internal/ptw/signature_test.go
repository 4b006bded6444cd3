package ptw

import (
	"context"
	"strings"
	"testing"
	"time"
)

func TestSignatureSlots(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.createPermit(t)

	_, err := f.sigs.Add(ctx, f.scope, p.ID, "witness", f.creator, SignOptions{})
	fe, ok := AsError(err)
	if !ok || fe.Code != "UNKNOWN_SIGNATURE_TYPE" {
		t.Fatalf("want UNKNOWN_SIGNATURE_TYPE, got %v", err)
	}

	// receiver slot is unassigned on this permit
	_, err = f.sigs.Add(ctx, f.scope, p.ID, "receiver", f.creator, SignOptions{})
	fe, ok = AsError(err)
	if !ok || fe.Code != "NO_ASSIGNEE" {
		t.Fatalf("want NO_ASSIGNEE, got %v", err)
	}

	// the requestor slot belongs to the creator
	_, err = f.sigs.Add(ctx, f.scope, p.ID, "requestor", f.verifier, SignOptions{})
	fe, ok = AsError(err)
	if !ok || fe.Code != "WRONG_SIGNER" || fe.Kind != KindPermission {
		t.Fatalf("want WRONG_SIGNER permission error, got %v", err)
	}
}

func TestSignatureReplayReturnsExisting(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.createPermit(t)

	first, err := f.sigs.Add(ctx, f.scope, p.ID, "requestor", f.creator, SignOptions{DeviceInfo: "tablet-7"})
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if first.SignatoryID != f.creator.UserID || first.Type != SignatureRequestor {
		t.Fatalf("unexpected signature row: %+v", first)
	}
	if !strings.HasPrefix(first.DataURL, "data:") {
		t.Fatalf("artifact not rendered: %q", first.DataURL)
	}

	again, err := f.sigs.Add(ctx, f.scope, p.ID, "requestor", f.creator, SignOptions{})
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if again.ID != first.ID || !again.SignedAt.Equal(first.SignedAt) {
		t.Fatalf("replay minted a new row: %s vs %s", again.ID, first.ID)
	}

	sigs, err := f.store.ListSignatures(ctx, f.scope, p.ID)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(sigs) != 1 {
		t.Fatalf("signature count = %d want 1", len(sigs))
	}
}

func TestMissingSignatures(t *testing.T) {
	present := []Signature{{Type: SignatureRequestor}, {Type: SignatureVerifier}}

	if missing := MissingSignatures("verify", present); len(missing) != 0 {
		t.Fatalf("verify missing = %v", missing)
	}
	missing := MissingSignatures("activate", present)
	if len(missing) != 2 {
		t.Fatalf("activate missing = %v want approver+issuer", missing)
	}
	got := map[SignatureType]bool{}
	for _, m := range missing {
		got[m] = true
	}
	if !got[SignatureApprover] || !got[SignatureIssuer] {
		t.Fatalf("activate missing = %v", missing)
	}

	// unknown actions are not gated
	if missing := MissingSignatures("cancel", nil); missing != nil {
		t.Fatalf("ungated action reported %v", missing)
	}
}

func TestValidateForWorkflow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.createPermit(t)

	err := f.sigs.ValidateForWorkflow(ctx, f.scope, p.ID, "submit")
	if KindOf(err) != KindSignatureRequired {
		t.Fatalf("kind = %s want SIGNATURE_REQUIRED (%v)", KindOf(err), err)
	}
	f.sign(t, p.ID, "requestor", f.creator)
	if err := f.sigs.ValidateForWorkflow(ctx, f.scope, p.ID, "submit"); err != nil {
		t.Fatalf("after signing: %v", err)
	}
}

func TestSignTimeBackdating(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.createPermit(t)

	captured := time.Now().UTC().Add(-2 * time.Hour) // captured earlier on the device
	sig, err := f.sigs.Add(ctx, f.scope, p.ID, "requestor", f.creator, SignOptions{SignTime: &captured})
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if !sig.SignedAt.Equal(captured) {
		t.Fatalf("signed_at = %s want %s", sig.SignedAt, captured)
	}
}
