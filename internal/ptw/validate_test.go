package ptw

import "testing"

func testType() *PermitType {
	return &PermitType{
		ID:       "pt1",
		TenantID: "t1",
		Name:     "Hot Work",
		Category: CategoryHotWork,
	}
}

func errCode(t *testing.T, err error) string {
	t.Helper()
	if err == nil {
		t.Fatal("expected an error")
	}
	fe, ok := AsError(err)
	if !ok {
		t.Fatalf("expected a domain error, got %v", err)
	}
	return fe.Code
}

func TestRiskLevelFor(t *testing.T) {
	cases := []struct {
		p, s int
		want RiskLevel
	}{
		{1, 1, RiskLow},
		{2, 2, RiskLow},
		{1, 5, RiskMedium},
		{3, 3, RiskMedium},
		{2, 5, RiskHigh},
		{4, 4, RiskHigh},
		{4, 5, RiskExtreme},
		{5, 5, RiskExtreme},
	}
	for _, c := range cases {
		if got := RiskLevelFor(c.p, c.s); got != c.want {
			t.Errorf("RiskLevelFor(%d,%d) = %s want %s", c.p, c.s, got, c.want)
		}
	}
}

func TestGasTestingGate(t *testing.T) {
	typ := testType()
	typ.RequiresGasTesting = true
	p := &Permit{}

	err := ValidatePermitRequirements(p, PermitCollateral{Type: typ})
	if code := errCode(t, err); code != "GAS_TEST_REQUIRED" {
		t.Fatalf("code = %s", code)
	}

	// an unsafe reading does not satisfy the gate
	err = ValidatePermitRequirements(p, PermitCollateral{
		Type:        typ,
		GasReadings: []GasReading{{Status: GasUnsafe}},
	})
	if code := errCode(t, err); code != "GAS_TEST_REQUIRED" {
		t.Fatalf("code = %s", code)
	}

	err = ValidatePermitRequirements(p, PermitCollateral{
		Type:        typ,
		GasReadings: []GasReading{{Status: GasUnsafe}, {Status: GasSafe}},
	})
	if err != nil {
		t.Fatalf("safe reading should pass: %v", err)
	}
}

func TestMandatoryPPE(t *testing.T) {
	typ := testType()
	typ.MandatoryPPE = []string{"helmet", "gloves"}
	p := &Permit{PPERequirements: []string{"Helmet"}}

	err := ValidatePermitRequirements(p, PermitCollateral{Type: typ})
	if code := errCode(t, err); code != "PPE_MISSING" {
		t.Fatalf("code = %s", code)
	}

	p.PPERequirements = []string{"Helmet", "GLOVES"}
	if err := ValidatePermitRequirements(p, PermitCollateral{Type: typ}); err != nil {
		t.Fatalf("case-insensitive PPE match should pass: %v", err)
	}
}

func TestSafetyChecklistGate(t *testing.T) {
	typ := testType()
	typ.SafetyChecklistTemplate = []ChecklistTemplateItem{
		{Key: "fire_watch", Required: true},
		{Key: "optional_item", Required: false},
	}
	p := &Permit{}

	err := ValidatePermitRequirements(p, PermitCollateral{Type: typ})
	if code := errCode(t, err); code != "CHECKLIST_INCOMPLETE" {
		t.Fatalf("code = %s", code)
	}

	p.SafetyChecklist = map[string]ChecklistItem{"fire_watch": {Done: true}}
	if err := ValidatePermitRequirements(p, PermitCollateral{Type: typ}); err != nil {
		t.Fatalf("required items done should pass: %v", err)
	}
}

func TestIsolationDetailsGate(t *testing.T) {
	p := &Permit{RequiresIsolation: true}
	err := ValidatePermitRequirements(p, PermitCollateral{Type: testType()})
	if code := errCode(t, err); code != "ISOLATION_DETAILS_REQUIRED" {
		t.Fatalf("code = %s", code)
	}
}

func TestStructuredIsolation(t *testing.T) {
	typ := testType()
	typ.RequiresStructuredIsolation = true

	err := ValidateIsolation(typ, nil)
	if code := errCode(t, err); code != "ISOLATION_POINTS_REQUIRED" {
		t.Fatalf("code = %s", code)
	}

	err = ValidateIsolation(typ, []IsolationPoint{
		{Name: "breaker-1", Required: true, Status: IsolationIsolated},
	})
	if code := errCode(t, err); code != "ISOLATION_UNVERIFIED" {
		t.Fatalf("code = %s", code)
	}

	err = ValidateIsolation(typ, []IsolationPoint{
		{Name: "breaker-1", Required: true, Status: IsolationVerified},
		{Name: "optional", Required: false, Status: IsolationAssigned},
	})
	if err != nil {
		t.Fatalf("verified required points should pass: %v", err)
	}
}

func TestCloseoutAndDeisolation(t *testing.T) {
	typ := testType()
	typ.CloseoutChecklistTemplate = []ChecklistTemplateItem{{Key: "area_restored", Required: true}}
	typ.RequiresDeisolationOnCloseout = true

	err := ValidateCloseout(typ, nil)
	if code := errCode(t, err); code != "CLOSEOUT_INCOMPLETE" {
		t.Fatalf("code = %s", code)
	}
	closeout := &Closeout{Checklist: map[string]ChecklistItem{"area_restored": {Done: true}}}
	if err := ValidateCloseout(typ, closeout); err != nil {
		t.Fatalf("done closeout should pass: %v", err)
	}

	err = ValidateDeisolation(typ, []IsolationPoint{{Name: "breaker-1", Required: true, Status: IsolationVerified}})
	if code := errCode(t, err); code != "DEISOLATION_INCOMPLETE" {
		t.Fatalf("code = %s", code)
	}
	err = ValidateDeisolation(typ, []IsolationPoint{{Name: "breaker-1", Required: true, Status: IsolationDeisolated}})
	if err != nil {
		t.Fatalf("deisolated points should pass: %v", err)
	}
}

func TestExtensionLimit(t *testing.T) {
	typ := testType()
	typ.MaxValidityExtensions = 1

	if err := ValidateExtensionLimit(typ, nil); err != nil {
		t.Fatalf("no extensions yet: %v", err)
	}
	err := ValidateExtensionLimit(typ, []Extension{{Status: ExtensionApproved}})
	if code := errCode(t, err); code != "EXTENSION_LIMIT" {
		t.Fatalf("code = %s", code)
	}
	// rejected requests do not consume the budget
	if err := ValidateExtensionLimit(typ, []Extension{{Status: ExtensionRejected}}); err != nil {
		t.Fatalf("rejected extension must not count: %v", err)
	}
}
