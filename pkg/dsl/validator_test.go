package dsl

import (
	"strings"
	"testing"
)

func diagsContaining(diags []Diagnostic, substr string) []Diagnostic {
	var out []Diagnostic
	for _, d := range diags {
		if strings.Contains(d.Message, substr) {
			out = append(out, d)
		}
	}
	return out
}

func TestValidateCleanPlan(t *testing.T) {
	src := strings.Join([]string{
		`t1 = fetch(url="https://example.com")`,
		`if t1.result.code == 200:`,
		`    ok = record(code=t1.result.code)`,
		`hosts = discover()`,
		`for h in hosts.result.items:`,
		`    ping(target=h)`,
	}, "\n")
	prog := mustParse(t, src)
	if diags := Validate(prog); len(diags) != 0 {
		t.Errorf("diagnostics = %v, want none", diags)
	}
	if err := Check(prog); err != nil {
		t.Errorf("Check failed: %v", err)
	}
}

func TestValidateUndefinedReference(t *testing.T) {
	prog := mustParse(t, "if missing.result == 1:\n    x = t()\n")
	diags := diagsContaining(Validate(prog), "undefined")
	if len(diags) != 1 {
		t.Fatalf("undefined diagnostics = %v, want exactly 1", diags)
	}
	if diags[0].Severity != SeverityError {
		t.Errorf("severity = %s, want error", diags[0].Severity)
	}
}

func TestValidateDuplicateTarget(t *testing.T) {
	prog := mustParse(t, "x = a()\nx = b()\n")
	if diags := diagsContaining(Validate(prog), "duplicate assignment"); len(diags) != 1 {
		t.Errorf("duplicate diagnostics = %v, want exactly 1", diags)
	}
}

func TestValidateShadowingAcrossBranches(t *testing.T) {
	// The same handle in both branches of an if is two scopes, not a
	// duplicate.
	src := strings.Join([]string{
		`t1 = probe()`,
		`if t1.result == 1:`,
		`    x = a()`,
		`else:`,
		`    x = b()`,
	}, "\n")
	prog := mustParse(t, src)
	if diags := diagsContaining(Validate(prog), "duplicate"); len(diags) != 0 {
		t.Errorf("diagnostics = %v, want none", diags)
	}
}

func TestValidateReservedTargetRejectedAtParse(t *testing.T) {
	// Keywords cannot start an assignment; the parser rejects them
	// before the validator ever sees the program.
	if _, err := Parse("for = t()\n"); err == nil {
		t.Error("expected parse error for keyword target")
	}
}

func TestValidateRetryAttemptsBounds(t *testing.T) {
	cases := []struct {
		src     string
		wantErr bool
	}{
		{"retry attempts=0:\n    x = t()\n", true},
		{"retry attempts=101:\n    x = t()\n", true},
		{"retry attempts=100:\n    x = t()\n", false},
	}
	for _, tc := range cases {
		prog := mustParse(t, tc.src)
		err := Check(prog)
		if (err != nil) != tc.wantErr {
			t.Errorf("Check(%q) error = %v, wantErr %v", tc.src, err, tc.wantErr)
		}
	}
}

func TestValidateSingleAttemptWarns(t *testing.T) {
	prog := mustParse(t, "retry attempts=1:\n    x = t()\n")
	diags := Validate(prog)
	if len(diags) != 1 || diags[0].Severity != SeverityWarning {
		t.Fatalf("diagnostics = %v, want one warning", diags)
	}
	if err := Check(prog); err != nil {
		t.Errorf("Check rejected a warnings-only program: %v", err)
	}
}

func TestValidateLoopVarScope(t *testing.T) {
	// The loop variable resolves inside the body and nowhere else.
	src := strings.Join([]string{
		`hosts = discover()`,
		`for h in hosts.result:`,
		`    ping(target=h)`,
		`report(last=h)`,
	}, "\n")
	prog := mustParse(t, src)
	diags := diagsContaining(Validate(prog), "undefined")
	if len(diags) != 1 {
		t.Fatalf("undefined diagnostics = %v, want exactly 1", diags)
	}
	if diags[0].Line != 4 {
		t.Errorf("diagnostic line = %d, want 4", diags[0].Line)
	}
}
