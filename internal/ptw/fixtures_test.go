package ptw

import (
	"context"
	"testing"

	"athens-ptw.org/internal/tenant"
)

// fixture wires the full domain stack over the in-memory store with one
// seeded tenant and a reviewer chain that satisfies the eligibility tables:
// contractor creator, EPC B verifier, client A approver, EPC A issuer.
type fixture struct {
	store *MemStore
	reg   *tenant.MemRegistry
	wf    *Workflow
	sigs  *SignatureService
	svc   *Service

	scope tenant.Scope

	creator  tenant.Principal
	verifier tenant.Principal
	approver tenant.Principal
	issuer   tenant.Principal
}

func newFixture(t *testing.T, opts ...EngineOption) *fixture {
	t.Helper()

	f := &fixture{
		store: NewMemStore(),
		reg:   tenant.NewMemRegistry(),
		scope: tenant.Scope{TenantID: "t1", ProjectID: "p1"},
		creator: tenant.Principal{
			UserID: "u-creator", TenantID: "t1", ProjectID: "p1",
			Role: tenant.RoleContractorUser,
		},
		verifier: tenant.Principal{
			UserID: "u-verifier", TenantID: "t1", ProjectID: "p1",
			Role: tenant.RoleEPCUser, Grade: tenant.GradeB,
		},
		approver: tenant.Principal{
			UserID: "u-approver", TenantID: "t1", ProjectID: "p1",
			Role: tenant.RoleClientUser, Grade: tenant.GradeA,
		},
		issuer: tenant.Principal{
			UserID: "u-issuer", TenantID: "t1", ProjectID: "p1",
			Role: tenant.RoleEPCUser, Grade: tenant.GradeA,
		},
	}

	f.reg.PutTenant(tenant.Tenant{ID: "t1", Name: "Tenant One"})
	for _, p := range []tenant.Principal{f.creator, f.verifier, f.approver, f.issuer} {
		f.reg.PutUser(tenant.UserProfile{
			UserID: p.UserID, TenantID: p.TenantID, ProjectID: p.ProjectID,
			Role: p.Role, Grade: p.Grade,
		})
	}

	if err := f.store.CreatePermitType(context.Background(), f.scope, &PermitType{
		ID:                    "pt-basic",
		TenantID:              "t1",
		Name:                  "General Work",
		Category:              CategoryGeneral,
		DefaultValidityHours:  8,
		MaxValidityExtensions: 2,
	}); err != nil {
		t.Fatalf("seed permit type: %v", err)
	}

	engine := NewEngine(f.store, opts...)
	f.wf = NewWorkflow(f.store, engine, f.reg)
	f.sigs = NewSignatureService(f.store)
	f.svc = NewService(f.store, engine, f.wf, f.sigs)
	return f
}

func (f *fixture) engine() *Engine { return f.svc.Engine() }

// createPermit stores a draft with the issuer already assigned so the
// activation gate can be satisfied later.
func (f *fixture) createPermit(t *testing.T) *Permit {
	t.Helper()
	ctx := context.Background()
	p, err := f.svc.CreatePermit(ctx, f.scope, f.creator, CreatePermitRequest{
		TypeID:          "pt-basic",
		Title:           "Grinding near tank farm",
		PlannedStart:    f.store.now().UTC(),
		RiskProbability: 2,
		RiskSeverity:    3,
	})
	if err != nil {
		t.Fatalf("create permit: %v", err)
	}
	issuer := f.issuer.UserID
	p, err = f.svc.UpdatePermit(ctx, f.scope, f.creator, p.ID, DescriptiveUpdate{IssuerID: &issuer})
	if err != nil {
		t.Fatalf("assign issuer: %v", err)
	}
	return p
}

func (f *fixture) sign(t *testing.T, permitID, sigType string, actor tenant.Principal) {
	t.Helper()
	if _, err := f.sigs.Add(context.Background(), f.scope, permitID, sigType, actor, SignOptions{}); err != nil {
		t.Fatalf("sign %s as %s: %v", sigType, actor.UserID, err)
	}
}

func (f *fixture) transition(t *testing.T, permitID string, target Status, actor tenant.Principal) *Permit {
	t.Helper()
	p, err := f.engine().Transition(context.Background(), f.scope, TransitionRequest{
		PermitID: permitID,
		Target:   target,
		Actor:    actor,
	})
	if err != nil {
		t.Fatalf("transition to %s as %s: %v", target, actor.UserID, err)
	}
	return p
}

// advanceToApproved walks a draft through the full review: requestor
// signature, verifier assignment, submission, verification and approval.
func (f *fixture) advanceToApproved(t *testing.T, permitID string) *Permit {
	t.Helper()
	ctx := context.Background()

	f.sign(t, permitID, "requestor", f.creator)
	if _, err := f.wf.AssignVerifier(ctx, f.scope, permitID, f.verifier.UserID, f.creator); err != nil {
		t.Fatalf("assign verifier: %v", err)
	}
	f.transition(t, permitID, StatusSubmitted, f.creator)

	f.sign(t, permitID, "verifier", f.verifier)
	if _, err := f.wf.Verify(ctx, f.scope, permitID, f.verifier, ReviewDecision{
		Approve:    true,
		ApproverID: f.approver.UserID,
	}); err != nil {
		t.Fatalf("verify: %v", err)
	}

	f.sign(t, permitID, "approver", f.approver)
	p, err := f.wf.Approve(ctx, f.scope, permitID, f.approver, ReviewDecision{Approve: true})
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	return p
}

// advanceToActive continues from approved through issuer signature and
// activation.
func (f *fixture) advanceToActive(t *testing.T, permitID string) *Permit {
	t.Helper()
	f.advanceToApproved(t, permitID)
	f.sign(t, permitID, "issuer", f.issuer)
	return f.transition(t, permitID, StatusActive, f.issuer)
}
