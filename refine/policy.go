package refine

import (
	"fmt"
	"strings"
)

// CoarsenPolicy decides whether a complete sibling family whose members
// disagree about coarsening is merged into its parent. A family containing a
// refine request, or a member whose coarsening would break 2:1 balance, is
// never merged.
type CoarsenPolicy int

const (
	AllSiblings      CoarsenPolicy = iota // every sibling requests coarsening
	MajoritySiblings                      // more than half of the siblings
	AnySibling                            // at least one sibling
)

func (p CoarsenPolicy) String() string {
	switch p {
	case AllSiblings:
		return "all"
	case MajoritySiblings:
		return "majority"
	case AnySibling:
		return "any"
	}
	return fmt.Sprintf("CoarsenPolicy(%d)", int(p))
}

func ParsePolicy(s string) (CoarsenPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "all":
		return AllSiblings, nil
	case "majority":
		return MajoritySiblings, nil
	case "any":
		return AnySibling, nil
	}
	return 0, fmt.Errorf("unknown coarsen policy %q, want all, majority or any", s)
}

// allows reports whether requests coarsen requests out of n siblings suffice
func (p CoarsenPolicy) allows(requests, n int) bool {
	switch p {
	case MajoritySiblings:
		return 2*requests > n
	case AnySibling:
		return requests > 0
	}
	return requests == n
}
