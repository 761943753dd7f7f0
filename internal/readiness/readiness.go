// Package readiness computes form completion and the submit gate from a
// declarative rule set. Evaluation is pure and synchronous over the current
// draft, so a report can be re-derived at any time.
package readiness

import (
	"fmt"
	"math"
	"sort"

	"intakeline/internal/config"
	"intakeline/internal/domain"
)

// Rule scores one aspect of a draft. Score returns a fraction in [0,1];
// the rule is satisfied when Score >= Threshold. Boolean rules use a
// threshold of 1. Zero-weight rules gate submission without contributing
// to the completion percentage.
type Rule struct {
	Name      string
	Message   string
	Weight    float64
	Threshold float64
	Required  bool
	Score     func(domain.Draft) float64
}

// RuleSet is an ordered list of rules plus the overall submit threshold.
type RuleSet struct {
	Rules         []Rule
	SubmitPercent float64
}

// Report is the result of evaluating a draft.
type Report struct {
	Percentage  float64  `json:"percentage"`
	Submittable bool     `json:"submittable"`
	Missing     []string `json:"missing,omitempty"`
}

// Evaluate scores the draft against the rule set. Missing lists every unmet
// condition by message so the UI never disables submission silently.
func (rs RuleSet) Evaluate(d domain.Draft) Report {
	var weightSum, scoreSum float64
	var missing []string
	requiredOK := true
	for _, r := range rs.Rules {
		score := r.Score(d)
		score = math.Max(0, math.Min(1, score))
		threshold := r.Threshold
		if threshold == 0 {
			threshold = 1
		}
		satisfied := score >= threshold
		if r.Weight > 0 {
			weightSum += r.Weight
			scoreSum += r.Weight * score
		}
		if !satisfied {
			missing = append(missing, r.Message)
			if r.Required {
				requiredOK = false
			}
		}
	}
	pct := 100.0
	if weightSum > 0 {
		pct = 100 * scoreSum / weightSum
	}
	pct = math.Round(pct*100) / 100
	submittable := requiredOK && pct >= rs.SubmitPercent
	if requiredOK && pct < rs.SubmitPercent {
		missing = append(missing, fmt.Sprintf("completion %.0f%% is below the required %.0f%%", pct, rs.SubmitPercent))
	}
	sort.Strings(missing)
	return Report{Percentage: pct, Submittable: submittable, Missing: missing}
}

// ForForm builds the standard intake rule set from a form policy: review
// progress and signature carry equal weight, and submission additionally
// requires a resolved entity id and every configured required field.
func ForForm(policy config.FormPolicy) RuleSet {
	rules := []Rule{
		{
			Name:      "review",
			Message:   fmt.Sprintf("review more sections (at least %.0f%% of them)", policy.ReviewFraction*100),
			Weight:    0.5,
			Threshold: policy.ReviewFraction,
			Required:  true,
			Score: func(d domain.Draft) float64 {
				if len(policy.Sections) == 0 {
					return 1
				}
				return float64(d.VisitedCount(policy.Sections)) / float64(len(policy.Sections))
			},
		},
		{
			Name:     "signature",
			Message:  fmt.Sprintf("field %q must be signed", policy.SignatureField),
			Weight:   0.5,
			Required: true,
			Score: func(d domain.Draft) float64 {
				if d.Field(policy.SignatureField) != "" {
					return 1
				}
				return 0
			},
		},
		{
			Name:     "entity",
			Message:  "no entity is resolved",
			Required: true,
			Score: func(d domain.Draft) float64 {
				if d.EntityID != "" {
					return 1
				}
				return 0
			},
		},
	}
	for _, field := range policy.RequiredFields {
		if field == policy.SignatureField {
			continue
		}
		f := field
		rules = append(rules, Rule{
			Name:     "required:" + f,
			Message:  fmt.Sprintf("field %q is required", f),
			Required: true,
			Score: func(d domain.Draft) float64 {
				if d.Field(f) != "" {
					return 1
				}
				return 0
			},
		})
	}
	return RuleSet{Rules: rules, SubmitPercent: policy.SubmitPercent}
}
