package scheduler

import (
	"sort"
	"strings"
)

// Plan is the set of changes needed to move from the running targets to a
// desired set. The three lists are disjoint and sorted.
type Plan struct {
	Stop   []string
	Start  []string
	Update []string
}

// Empty reports a plan with nothing running and nothing desired.
func (p Plan) Empty() bool {
	return len(p.Stop) == 0 && len(p.Start) == 0 && len(p.Update) == 0
}

// Normalize trims each target, drops empty entries and removes duplicates,
// keeping first-seen order.
func Normalize(targets []string) []string {
	seen := make(map[string]struct{}, len(targets))
	out := make([]string, 0, len(targets))
	for _, raw := range targets {
		target := strings.TrimSpace(raw)
		if target == "" {
			continue
		}
		if _, ok := seen[target]; ok {
			continue
		}
		seen[target] = struct{}{}
		out = append(out, target)
	}
	return out
}

// Reconcile compares the running set against desired.
func Reconcile[T any](running map[string]T, desired []string) Plan {
	want := make(map[string]struct{}, len(desired))
	for _, target := range desired {
		want[target] = struct{}{}
	}

	var plan Plan
	for target := range running {
		if _, ok := want[target]; !ok {
			plan.Stop = append(plan.Stop, target)
		}
	}
	for target := range want {
		if _, ok := running[target]; ok {
			plan.Update = append(plan.Update, target)
		} else {
			plan.Start = append(plan.Start, target)
		}
	}
	sort.Strings(plan.Stop)
	sort.Strings(plan.Start)
	sort.Strings(plan.Update)
	return plan
}
