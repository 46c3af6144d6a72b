package model

import "strings"

type Plan string

const (
	PlanFree  Plan = "free"
	PlanTier1 Plan = "tier1"
	PlanTier2 Plan = "tier2"
	PlanTier3 Plan = "tier3"
)

// Plans 按等级从低到高
var Plans = []Plan{PlanFree, PlanTier1, PlanTier2, PlanTier3}

func ParsePlan(s string) (Plan, bool) {
	p := Plan(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Plans {
		if p == known {
			return p, true
		}
	}
	return "", false
}

// Rank 用于比较套餐高低
func (p Plan) Rank() int {
	for i, known := range Plans {
		if p == known {
			return i
		}
	}
	return 0
}

func (p Plan) OrFree() Plan {
	if _, ok := ParsePlan(string(p)); !ok {
		return PlanFree
	}
	return p
}
