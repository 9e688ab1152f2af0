package detector

import "testing"

func TestChooseWorkgroup(t *testing.T) {
	tests := []struct {
		name   string
		limits Limits
		want   uint32
	}{
		{"typical", Limits{MaxComputeWorkgroupSizeX: 1024, MaxComputeInvocationsPerWorkgroup: 1024}, 256},
		{"capped by invocations", Limits{MaxComputeWorkgroupSizeX: 1024, MaxComputeInvocationsPerWorkgroup: 100}, 64},
		{"zero limits", Limits{}, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := chooseWorkgroup(tt.limits); got != tt.want {
				t.Errorf("chooseWorkgroup = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestChooseGroupsX(t *testing.T) {
	if got := chooseGroupsX(Limits{}); got != 65535 {
		t.Errorf("unset limit: got %d", got)
	}
	if got := chooseGroupsX(Limits{MaxComputeWorkgroupsPerDimension: 1 << 20}); got != 65535 {
		t.Errorf("large limit: got %d", got)
	}
	if got := chooseGroupsX(Limits{MaxComputeWorkgroupsPerDimension: 4096}); got != 4096 {
		t.Errorf("small limit: got %d", got)
	}
}

func TestBudgetFromEnv(t *testing.T) {
	t.Setenv(BudgetEnv, "")
	if got := budgetFromEnv(); got != 1<<30 {
		t.Errorf("default budget = %d", got)
	}
	t.Setenv(BudgetEnv, "64")
	if got := budgetFromEnv(); got != 64<<20 {
		t.Errorf("budget = %d, want %d", got, 64<<20)
	}
	t.Setenv(BudgetEnv, "nope")
	if got := budgetFromEnv(); got != 1<<30 {
		t.Errorf("invalid value should keep default, got %d", got)
	}
}

func TestReportFits(t *testing.T) {
	r := &Report{
		Limits:      Limits{MaxStorageBufferBindingSize: 1000, MaxBufferSize: 2000},
		Recommended: Recommendations{BudgetBytes: 500},
	}
	if !r.Fits(500) {
		t.Error("500 bytes should fit")
	}
	if r.Fits(501) {
		t.Error("501 bytes exceeds budget")
	}
	r.Recommended.BudgetBytes = 1 << 20
	if r.Fits(1001) {
		t.Error("1001 bytes exceeds binding size")
	}
}
