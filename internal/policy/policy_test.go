package policy_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/kiranshivaraju/portalwatch/internal/config"
	"github.com/kiranshivaraju/portalwatch/internal/policy"
	"github.com/kiranshivaraju/portalwatch/internal/portal"
	"github.com/kiranshivaraju/portalwatch/pkg/models"
	"github.com/stretchr/testify/assert"
)

func defaultRules() policy.Rules {
	return policy.Rules{
		JobTypeFilter:   "Telephone interpreting",
		ExcludeTypes:    []string{"Face-to-Face", "Face to Face", "In-Person", "Onsite"},
		MaxAcceptPerRun: 5,
	}
}

func job(ref, jobType string) models.JobObservation {
	return models.JobObservation{
		JobRef:          ref,
		JobType:         jobType,
		Language:        "Spanish",
		AppointmentDate: "2026-03-02",
		AppointmentTime: "10:30",
	}
}

func TestEvaluate_BasicAccept(t *testing.T) {
	d := policy.Evaluate(job("J1", "Telephone interpreting"), defaultRules(), 0)
	assert.Equal(t, policy.Accept, d.Action)
}

func TestEvaluate_BudgetExhausted(t *testing.T) {
	d := policy.Evaluate(job("J1", "Telephone interpreting"), defaultRules(), 5)
	assert.Equal(t, policy.Ignore, d.Action)
	assert.True(t, d.Budgeted())
}

func TestEvaluate_ZeroBudgetNeverAccepts(t *testing.T) {
	rules := defaultRules()
	rules.MaxAcceptPerRun = 0
	d := policy.Evaluate(job("J1", "Telephone interpreting"), rules, 0)
	assert.True(t, d.Budgeted())
}

func TestEvaluate_Excluded(t *testing.T) {
	rules := defaultRules()
	rules.JobTypeFilter = ""
	d := policy.Evaluate(job("J1", "Face-to-Face"), rules, 0)
	assert.Equal(t, policy.Ignore, d.Action)
	assert.Equal(t, policy.ReasonExcludedType, d.Reason)
	assert.False(t, d.Budgeted())
}

func TestEvaluate_ExclusionCheckedBeforeBudget(t *testing.T) {
	d := policy.Evaluate(job("J1", "Onsite interpreting"), defaultRules(), 99)
	assert.Equal(t, policy.ReasonExcludedType, d.Reason)
}

func TestEvaluate_FilterMismatch(t *testing.T) {
	d := policy.Evaluate(job("J1", "Video interpreting"), defaultRules(), 0)
	assert.Equal(t, policy.Ignore, d.Action)
	assert.Equal(t, policy.ReasonFilterMiss, d.Reason)
}

func TestEvaluate_FilterIsCaseInsensitiveSubstring(t *testing.T) {
	d := policy.Evaluate(job("J1", "TELEPHONE INTERPRETING (urgent)"), defaultRules(), 0)
	assert.Equal(t, policy.Accept, d.Action)
}

func TestEvaluate_EmptyFilterMatchesAll(t *testing.T) {
	rules := defaultRules()
	rules.JobTypeFilter = ""
	d := policy.Evaluate(job("J1", "Video interpreting"), rules, 0)
	assert.Equal(t, policy.Accept, d.Action)
}

func TestEvaluate_RequiredFields(t *testing.T) {
	rules := defaultRules()
	rules.RequiredFields = []string{"ref", "language", "appt_time"}

	o := job("J1", "Telephone interpreting")
	o.AppointmentTime = " "
	d := policy.Evaluate(o, rules, 0)
	assert.Equal(t, policy.Ignore, d.Action)
	assert.Contains(t, d.Reason, "appt_time")

	o.AppointmentTime = "09:00"
	assert.Equal(t, policy.Accept, policy.Evaluate(o, rules, 0).Action)
}

func TestEvaluate_BudgetNeverExceeded(t *testing.T) {
	rules := defaultRules()
	accepted := 0
	for i := 0; i < 50; i++ {
		if policy.Evaluate(job(fmt.Sprintf("J%d", i), "Telephone interpreting"), rules, accepted).Action == policy.Accept {
			accepted++
		}
	}
	assert.Equal(t, rules.MaxAcceptPerRun, accepted)
}

func TestRulesFrom(t *testing.T) {
	r := policy.RulesFrom(config.Orchestrator{JobTypeFilter: "x", MaxAcceptPerRun: 3, ExcludeTypes: []string{"y"}})
	assert.Equal(t, "x", r.JobTypeFilter)
	assert.Equal(t, 3, r.MaxAcceptPerRun)
	assert.Equal(t, []string{"y"}, r.ExcludeTypes)
}

func TestRejectFromError(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantOK     bool
		wantReason string
	}{
		{"already taken with reason", &portal.RejectionError{Kind: portal.ErrAlreadyTaken, Reason: "taken by another"}, true, "taken by another"},
		{"validation bare", portal.ErrValidation, true, portal.ErrValidation.Error()},
		{"wrapped validation", fmt.Errorf("accept J1: %w", &portal.RejectionError{Kind: portal.ErrValidation, Reason: "expired"}), true, "expired"},
		{"transport", portal.ErrTransport, false, ""},
		{"login", portal.ErrSessionExpired, false, ""},
		{"other", errors.New("boom"), false, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, ok := policy.RejectFromError(tt.err)
			assert.Equal(t, tt.wantOK, ok)
			if ok {
				assert.Equal(t, policy.Reject, d.Action)
				assert.Equal(t, tt.wantReason, d.Reason)
			}
		})
	}
}

func TestActionString(t *testing.T) {
	assert.Equal(t, "accept", policy.Accept.String())
	assert.Equal(t, "reject", policy.Reject.String())
	assert.Equal(t, "ignore", policy.Ignore.String())
}
