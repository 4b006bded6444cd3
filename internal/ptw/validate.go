package ptw

import (
	"fmt"
	"strings"
)

// PermitCollateral bundles the rows the validators look at. The engine loads
// it under the permit row lock so validation sees a consistent snapshot.
type PermitCollateral struct {
	Type            *PermitType
	GasReadings     []GasReading
	IsolationPoints []IsolationPoint
	Closeout        *Closeout
	Extensions      []Extension
}

// ValidatePermitRequirements enforces the pre-conditions for approval and
// activation: a safe gas reading where required, isolation details, mandatory
// PPE coverage and a fully completed required safety checklist.
func ValidatePermitRequirements(p *Permit, c PermitCollateral) error {
	typ := c.Type
	if typ == nil {
		return validationErr("type", "TYPE_MISSING", "permit type is not loaded", nil)
	}

	if typ.RequiresGasTesting {
		safe := false
		for _, r := range c.GasReadings {
			if r.Status == GasSafe {
				safe = true
				break
			}
		}
		if !safe {
			return validationErr("gas_readings", "GAS_TEST_REQUIRED",
				"a safe gas reading is required before this permit can proceed", nil)
		}
	}

	if p.RequiresIsolation && strings.TrimSpace(p.IsolationDetails) == "" {
		return validationErr("isolation_details", "ISOLATION_DETAILS_REQUIRED",
			"isolation details must be recorded for this permit", nil)
	}

	if missing := missingPPE(typ.MandatoryPPE, p.PPERequirements); len(missing) > 0 {
		return validationErr("ppe_requirements", "PPE_MISSING",
			fmt.Sprintf("mandatory PPE not covered: %s", strings.Join(missing, ", ")),
			map[string]any{"missing": missing})
	}

	if missing := incompleteChecklist(typ.SafetyChecklistTemplate, p.SafetyChecklist); len(missing) > 0 {
		return validationErr("safety_checklist", "CHECKLIST_INCOMPLETE",
			fmt.Sprintf("required checklist items not done: %s", strings.Join(missing, ", ")),
			map[string]any{"missing": missing})
	}

	return nil
}

// ValidateIsolation enforces the structured isolation gate: at least one
// required point, and every required point verified.
func ValidateIsolation(typ *PermitType, points []IsolationPoint) error {
	if typ == nil || !typ.RequiresStructuredIsolation {
		return nil
	}
	required := 0
	var unverified []string
	for _, pt := range points {
		if !pt.Required {
			continue
		}
		required++
		if pt.Status != IsolationVerified {
			unverified = append(unverified, pt.Name)
		}
	}
	if required == 0 {
		return validationErr("isolation_points", "ISOLATION_POINTS_REQUIRED",
			"at least one required isolation point must be registered", nil)
	}
	if len(unverified) > 0 {
		return validationErr("isolation_points", "ISOLATION_UNVERIFIED",
			fmt.Sprintf("isolation points not verified: %s", strings.Join(unverified, ", ")),
			map[string]any{"unverified": unverified})
	}
	return nil
}

// ValidateCloseout enforces that all required template items are done before
// a permit completes.
func ValidateCloseout(typ *PermitType, closeout *Closeout) error {
	if typ == nil || len(typ.CloseoutChecklistTemplate) == 0 {
		return nil
	}
	var done map[string]ChecklistItem
	if closeout != nil {
		done = closeout.Checklist
	}
	if missing := incompleteChecklist(typ.CloseoutChecklistTemplate, done); len(missing) > 0 {
		return validationErr("closeout", "CLOSEOUT_INCOMPLETE",
			fmt.Sprintf("required closeout items not done: %s", strings.Join(missing, ", ")),
			map[string]any{"missing": missing})
	}
	return nil
}

// ValidateDeisolation enforces that every required point has been deisolated
// before completion, where the type demands it.
func ValidateDeisolation(typ *PermitType, points []IsolationPoint) error {
	if typ == nil || !typ.RequiresDeisolationOnCloseout {
		return nil
	}
	var pending []string
	for _, pt := range points {
		if pt.Required && pt.Status != IsolationDeisolated {
			pending = append(pending, pt.Name)
		}
	}
	if len(pending) > 0 {
		return validationErr("isolation_points", "DEISOLATION_INCOMPLETE",
			fmt.Sprintf("isolation points not deisolated: %s", strings.Join(pending, ", ")),
			map[string]any{"pending": pending})
	}
	return nil
}

// ValidateExtensionLimit enforces the per-type cap on validity extensions.
// Rejected requests do not count against the limit.
func ValidateExtensionLimit(typ *PermitType, extensions []Extension) error {
	if typ == nil {
		return nil
	}
	used := 0
	for _, e := range extensions {
		if e.Status != ExtensionRejected {
			used++
		}
	}
	if used >= typ.MaxValidityExtensions {
		return validationErr("extensions", "EXTENSION_LIMIT",
			fmt.Sprintf("extension limit reached (%d of %d used)", used, typ.MaxValidityExtensions),
			map[string]any{"used": used, "max": typ.MaxValidityExtensions})
	}
	return nil
}

// validateForTarget runs the validators relevant to the target status.
func validateForTarget(p *Permit, target Status, c PermitCollateral) error {
	switch target {
	case StatusApproved, StatusActive:
		if err := ValidatePermitRequirements(p, c); err != nil {
			return err
		}
		return ValidateIsolation(c.Type, c.IsolationPoints)
	case StatusCompleted:
		if err := ValidateCloseout(c.Type, c.Closeout); err != nil {
			return err
		}
		return ValidateDeisolation(c.Type, c.IsolationPoints)
	default:
		return nil
	}
}

func missingPPE(mandatory, present []string) []string {
	have := make(map[string]struct{}, len(present))
	for _, p := range present {
		have[strings.ToLower(strings.TrimSpace(p))] = struct{}{}
	}
	var missing []string
	for _, m := range mandatory {
		if _, ok := have[strings.ToLower(strings.TrimSpace(m))]; !ok {
			missing = append(missing, m)
		}
	}
	return missing
}

func incompleteChecklist(template []ChecklistTemplateItem, state map[string]ChecklistItem) []string {
	var missing []string
	for _, item := range template {
		if !item.Required {
			continue
		}
		if st, ok := state[item.Key]; !ok || !st.Done {
			missing = append(missing, item.Key)
		}
	}
	return missing
}
