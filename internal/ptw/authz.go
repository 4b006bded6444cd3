package ptw

import (
	"fmt"

	"athens-ptw.org/internal/tenant"
)

// Action is a permit operation subject to authorization.
type Action string

const (
	ActionCreate         Action = "create"
	ActionEdit           Action = "edit"
	ActionSelectVerifier Action = "select_verifier"
	ActionSubmit         Action = "submit"
	ActionRevert         Action = "revert"
	ActionVerify         Action = "verify"
	ActionApprove        Action = "approve"
	ActionActivate       Action = "activate"
	ActionComplete       Action = "complete"
	ActionSuspend        Action = "suspend"
	ActionCancel         Action = "cancel"
	ActionDelete         Action = "delete"
	ActionSign           Action = "sign"
	ActionExtend         Action = "request_extension"
	ActionExpire         Action = "expire"
)

// ActionForTransition maps a transition edge to the action consulted for
// authorization. The hint, when present, comes from the request body
// (approve/reject on the review endpoints) and never widens the decision.
func ActionForTransition(from, to Status) Action {
	switch {
	case from == StatusDraft && to == StatusSubmitted:
		return ActionSubmit
	case to == StatusDraft:
		return ActionRevert
	case from == StatusSubmitted && (to == StatusUnderReview || to == StatusRejected):
		return ActionVerify
	case from == StatusUnderReview && (to == StatusApproved || to == StatusRejected):
		return ActionApprove
	case from == StatusUnderReview && to == StatusSubmitted:
		return ActionRevert
	case to == StatusActive:
		return ActionActivate
	case to == StatusCompleted:
		return ActionComplete
	case to == StatusSuspended:
		return ActionSuspend
	case to == StatusCancelled:
		return ActionCancel
	case to == StatusExpired:
		return ActionExpire
	default:
		return ""
	}
}

// CanCreate reports whether the principal may create permits at all.
func CanCreate(p tenant.Principal) bool {
	switch p.Role {
	case tenant.RoleContractorUser:
		return true
	case tenant.RoleEPCUser, tenant.RoleClientUser:
		return p.Grade == tenant.GradeB || p.Grade == tenant.GradeC
	case tenant.RoleMaster, tenant.RoleSuperAdmin:
		return true
	default:
		return false
	}
}

// VerifierEligible applies the creator-type compatibility table plus the
// baseline verifier constraint (epcuser B/C, clientuser B).
func VerifierEligible(creatorRole tenant.Role, creatorGrade tenant.Grade, candidateRole tenant.Role, candidateGrade tenant.Grade) bool {
	baseline := (candidateRole == tenant.RoleEPCUser && (candidateGrade == tenant.GradeB || candidateGrade == tenant.GradeC || candidateGrade == tenant.GradeA)) ||
		(candidateRole == tenant.RoleClientUser && (candidateGrade == tenant.GradeB || candidateGrade == tenant.GradeC))
	if !baseline {
		return false
	}
	switch creatorRole {
	case tenant.RoleContractorUser:
		return candidateRole == tenant.RoleEPCUser &&
			(candidateGrade == tenant.GradeB || candidateGrade == tenant.GradeC)
	case tenant.RoleEPCUser:
		switch creatorGrade {
		case tenant.GradeB:
			return (candidateRole == tenant.RoleEPCUser && candidateGrade == tenant.GradeA) ||
				(candidateRole == tenant.RoleClientUser && (candidateGrade == tenant.GradeB || candidateGrade == tenant.GradeC))
		case tenant.GradeC:
			return candidateRole == tenant.RoleEPCUser &&
				(candidateGrade == tenant.GradeA || candidateGrade == tenant.GradeB)
		}
		return false
	case tenant.RoleClientUser:
		return candidateRole == tenant.RoleClientUser && candidateGrade == tenant.GradeB
	default:
		return false
	}
}

// ApproverEligible applies the verifier-type compatibility table plus the
// baseline approver constraint (epcuser A, clientuser A/B).
func ApproverEligible(verifierRole tenant.Role, verifierGrade tenant.Grade, candidateRole tenant.Role, candidateGrade tenant.Grade) bool {
	baseline := (candidateRole == tenant.RoleEPCUser && candidateGrade == tenant.GradeA) ||
		(candidateRole == tenant.RoleClientUser && (candidateGrade == tenant.GradeA || candidateGrade == tenant.GradeB))
	if !baseline {
		return false
	}
	switch verifierRole {
	case tenant.RoleClientUser:
		return candidateRole == tenant.RoleClientUser && candidateGrade == tenant.GradeA
	case tenant.RoleEPCUser:
		switch verifierGrade {
		case tenant.GradeB, tenant.GradeC:
			return (candidateRole == tenant.RoleEPCUser && candidateGrade == tenant.GradeA) ||
				(candidateRole == tenant.RoleClientUser && (candidateGrade == tenant.GradeA || candidateGrade == tenant.GradeB))
		case tenant.GradeA:
			// An A-grade verifier already sits at the top of the EPC chain;
			// approval crosses to the client side.
			return candidateRole == tenant.RoleClientUser &&
				(candidateGrade == tenant.GradeA || candidateGrade == tenant.GradeB)
		}
		return false
	default:
		return false
	}
}

// Authorize decides (principal, permit, action) with no I/O. Master and
// superadmin principals pass every check except the identity-bound ones
// (verify, approve, sign), which always require the assigned user.
func Authorize(p tenant.Principal, permit *Permit, action Action) error {
	if permit == nil {
		return permissionErr(action, "permit is required")
	}
	isCreator := p.UserID == permit.CreatorID
	isAdmin := p.IsMaster()

	ok := false
	switch action {
	case ActionCreate:
		ok = CanCreate(p)
	case ActionEdit:
		ok = isCreator || isAdmin ||
			((p.Role == tenant.RoleEPCUser || p.Role == tenant.RoleClientUser) && p.Grade == tenant.GradeB)
	case ActionSelectVerifier:
		ok = isCreator
	case ActionSubmit, ActionRevert:
		ok = isCreator || isAdmin
	case ActionVerify:
		ok = permit.VerifierID != "" && p.UserID == permit.VerifierID
	case ActionApprove:
		ok = permit.ApproverID != "" && p.UserID == permit.ApproverID
	case ActionActivate:
		ok = isCreator || isAdmin ||
			p.UserID == permit.IssuerID || p.UserID == permit.ReceiverID || p.UserID == permit.ApproverID
	case ActionComplete:
		ok = isCreator || isAdmin ||
			p.UserID == permit.IssuerID || p.UserID == permit.ReceiverID || p.UserID == permit.ApproverID
	case ActionSuspend:
		ok = isCreator || isAdmin || p.UserID == permit.ApproverID
	case ActionCancel:
		if permit.Status == StatusCompleted || permit.Status == StatusExpired {
			ok = false
		} else {
			ok = isCreator || isAdmin || p.UserID == permit.ApproverID
		}
	case ActionDelete:
		ok = isCreator || isAdmin || p.Role == tenant.RoleProjectAdmin
	case ActionExtend:
		ok = isCreator || isAdmin || p.UserID == permit.IssuerID || p.UserID == permit.ReceiverID
	case ActionExpire:
		// Only the system actor expires permits; callers never reach here
		// with System=false.
		ok = false
	default:
		return permissionErr(action, fmt.Sprintf("unknown action %q", action))
	}

	if !ok {
		return permissionErr(action, fmt.Sprintf("user %s may not %s permit %s", p.UserID, action, permit.Number))
	}
	return nil
}

// RequiredSignerFor returns the user occupying the signature slot, empty when
// unassigned.
func RequiredSignerFor(permit *Permit, t SignatureType) string {
	switch t {
	case SignatureRequestor:
		return permit.CreatorID
	case SignatureVerifier:
		return permit.VerifierID
	case SignatureApprover:
		return permit.ApproverID
	case SignatureIssuer:
		return permit.IssuerID
	case SignatureReceiver:
		return permit.ReceiverID
	default:
		return ""
	}
}
