// Package policy decides whether a listed job should be accepted.
package policy

import (
	"errors"
	"strings"

	"github.com/kiranshivaraju/portalwatch/internal/config"
	"github.com/kiranshivaraju/portalwatch/internal/portal"
	"github.com/kiranshivaraju/portalwatch/pkg/models"
)

// Action is the outcome of an evaluation.
type Action int

const (
	Ignore Action = iota
	Accept
	Reject
)

func (a Action) String() string {
	switch a {
	case Accept:
		return "accept"
	case Reject:
		return "reject"
	default:
		return "ignore"
	}
}

// Reasons attached to Ignore decisions. They are log fields, never ledger
// outcomes.
const (
	ReasonMissingFields = "missing required fields"
	ReasonExcludedType  = "excluded job type"
	ReasonFilterMiss    = "job type does not match filter"
	ReasonBudget        = "accept budget exhausted"
)

// Decision is what Evaluate returns.
type Decision struct {
	Action Action
	Reason string
}

// Budgeted reports whether the job was held back only by the per-run
// budget and should be retried on a later tick.
func (d Decision) Budgeted() bool {
	return d.Action == Ignore && d.Reason == ReasonBudget
}

// Rules is the subset of configuration the policy reads.
type Rules struct {
	JobTypeFilter   string
	ExcludeTypes    []string
	RequiredFields  []string
	MaxAcceptPerRun int
}

// RulesFrom extracts Rules from the orchestrator settings.
func RulesFrom(o config.Orchestrator) Rules {
	return Rules{
		JobTypeFilter:   o.JobTypeFilter,
		ExcludeTypes:    o.ExcludeTypes,
		RequiredFields:  o.RequiredFields,
		MaxAcceptPerRun: o.MaxAcceptPerRun,
	}
}

// Evaluate applies the rules in order: required fields, type exclusion and
// filter, per-run budget. A job that passes all of them is accepted.
// Evaluate never rejects; rejections come from the portal refusing an accept.
func Evaluate(obs models.JobObservation, rules Rules, acceptedThisRun int) Decision {
	for _, f := range rules.RequiredFields {
		if strings.TrimSpace(obs.Field(f)) == "" {
			return Decision{Action: Ignore, Reason: ReasonMissingFields + ": " + f}
		}
	}

	if IsExcluded(obs.JobType, rules.ExcludeTypes) {
		return Decision{Action: Ignore, Reason: ReasonExcludedType}
	}
	if !MatchesCategory(obs.JobType, rules.JobTypeFilter) {
		return Decision{Action: Ignore, Reason: ReasonFilterMiss}
	}

	if acceptedThisRun >= rules.MaxAcceptPerRun {
		return Decision{Action: Ignore, Reason: ReasonBudget}
	}

	return Decision{Action: Accept}
}

// IsExcluded reports whether jobType contains any excluded type,
// case-insensitively.
func IsExcluded(jobType string, excluded []string) bool {
	jt := strings.ToLower(jobType)
	for _, ex := range excluded {
		ex = strings.ToLower(strings.TrimSpace(ex))
		if ex != "" && strings.Contains(jt, ex) {
			return true
		}
	}
	return false
}

// MatchesCategory reports whether jobType contains category,
// case-insensitively. An empty category matches everything.
func MatchesCategory(jobType, category string) bool {
	category = strings.TrimSpace(category)
	if category == "" {
		return true
	}
	return strings.Contains(strings.ToLower(jobType), strings.ToLower(category))
}

// RejectFromError converts a portal refusal into a Reject decision. ok is
// false for errors that are not refusals (transport, login, unknown).
func RejectFromError(err error) (Decision, bool) {
	if !errors.Is(err, portal.ErrAlreadyTaken) && !errors.Is(err, portal.ErrValidation) {
		return Decision{}, false
	}

	reason := err.Error()
	var rej *portal.RejectionError
	if errors.As(err, &rej) && rej.Reason != "" {
		reason = rej.Reason
	}
	return Decision{Action: Reject, Reason: reason}, true
}
