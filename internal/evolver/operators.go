package evolver

import (
	"math"
	"slices"

	"github.com/basket/rulesymbiosis/internal/rules"
)

const maxMutationHistory = 16

var mutationKinds = []rules.MutationKind{
	rules.MutationAdd,
	rules.MutationRemove,
	rules.MutationReplace,
	rules.MutationReorder,
}

// Crossover keeps the rules both parents share, then fills from the rest of
// their union up to the mean parent size. A missing mandatory rule is appended
// even when the child is already at the size cap.
func (e *Evolver) Crossover(p1, p2 rules.Profile) rules.Profile {
	common := make([]string, 0, len(p1.Rules))
	for _, r := range p1.Rules {
		if rules.Contains(p2.Rules, r) && !rules.Contains(common, r) {
			common = append(common, r)
		}
	}
	var pool []string
	for _, r := range append(slices.Clone(p1.Rules), p2.Rules...) {
		if !rules.Contains(common, r) && !rules.Contains(pool, r) {
			pool = append(pool, r)
		}
	}

	target := int(math.Round(float64(len(p1.Rules)+len(p2.Rules)) / 2))
	target = clampInt(target, e.minRules, e.maxRules)

	child := common
	for len(child) > target {
		idx := e.removableIndex(child)
		if idx < 0 {
			break
		}
		child = slices.Delete(child, idx, idx+1)
	}
	for len(child) < target && len(pool) > 0 {
		i := e.rng.IntN(len(pool))
		child = append(child, pool[i])
		pool = slices.Delete(pool, i, i+1)
	}
	if e.mandatory != "" && !rules.Contains(child, e.mandatory) {
		child = append(child, e.mandatory)
	}
	child = e.pinFirst(child)

	return rules.NewProfile(child, e.Generation()+1, p1.ID, p2.ID)
}

// Mutate applies one operator chosen uniformly from add, remove, replace and
// reorder. An operator whose precondition fails leaves the rules unchanged and
// records nothing.
func (e *Evolver) Mutate(p rules.Profile) rules.Profile {
	out := p.Clone()
	before := slices.Clone(out.Rules)
	kind := mutationKinds[e.rng.IntN(len(mutationKinds))]

	applied := false
	switch kind {
	case rules.MutationAdd:
		if len(out.Rules) < e.maxRules {
			if avail := e.absent(out.Rules); len(avail) > 0 {
				r := avail[e.rng.IntN(len(avail))]
				lo := 0
				if e.pinned != "" && len(out.Rules) > 0 && out.Rules[0] == e.pinned {
					lo = 1
				}
				pos := lo + e.rng.IntN(len(out.Rules)-lo+1)
				out.Rules = e.pinFirst(slices.Insert(out.Rules, pos, r))
				applied = true
			}
		}
	case rules.MutationRemove:
		if len(out.Rules) > e.minRules {
			if idx := e.removableIndex(out.Rules); idx >= 0 {
				out.Rules = slices.Delete(out.Rules, idx, idx+1)
				applied = true
			}
		}
	case rules.MutationReplace:
		avail := e.absent(out.Rules)
		idx := e.removableIndex(out.Rules)
		if len(avail) > 0 && idx >= 0 {
			out.Rules[idx] = avail[e.rng.IntN(len(avail))]
			out.Rules = e.pinFirst(out.Rules)
			applied = true
		}
	case rules.MutationReorder:
		if len(out.Rules) > 1 {
			e.rng.Shuffle(len(out.Rules), func(i, j int) {
				out.Rules[i], out.Rules[j] = out.Rules[j], out.Rules[i]
			})
			out.Rules = e.pinFirst(out.Rules)
			applied = true
		}
	}
	if !applied {
		return out
	}

	out.Rehash()
	out.Fitness = 0
	out.Mutations = append(out.Mutations, rules.MutationRecord{
		Kind:       kind,
		Generation: out.Generation,
		Before:     before,
		After:      slices.Clone(out.Rules),
	})
	if n := len(out.Mutations); n > maxMutationHistory {
		out.Mutations = slices.Clone(out.Mutations[n-maxMutationHistory:])
	}
	return out
}

// removableIndex picks a random position that does not hold the mandatory rule.
func (e *Evolver) removableIndex(rs []string) int {
	candidates := make([]int, 0, len(rs))
	for i, r := range rs {
		if r != e.mandatory || e.mandatory == "" {
			candidates = append(candidates, i)
		}
	}
	if len(candidates) == 0 {
		return -1
	}
	return candidates[e.rng.IntN(len(candidates))]
}

// absent lists catalog rules not in rs, in catalog order.
func (e *Evolver) absent(rs []string) []string {
	out := make([]string, 0, len(e.catalog))
	for _, r := range e.catalog {
		if !rules.Contains(rs, r) {
			out = append(out, r)
		}
	}
	return out
}

// pinFirst moves the must-be-first rule to index 0 when present.
func (e *Evolver) pinFirst(rs []string) []string {
	if e.pinned == "" {
		return rs
	}
	idx := slices.Index(rs, e.pinned)
	if idx <= 0 {
		return rs
	}
	rs = slices.Delete(rs, idx, idx+1)
	return slices.Insert(rs, 0, e.pinned)
}

// sample draws k distinct indices from [0, n) by partial Fisher-Yates.
func (e *Evolver) sample(n, k int) []int {
	idx := make([]int, n)
	for i := range idx {
		idx[i] = i
	}
	for i := 0; i < k; i++ {
		j := i + e.rng.IntN(n-i)
		idx[i], idx[j] = idx[j], idx[i]
	}
	return idx[:k]
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
