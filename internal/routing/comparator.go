package routing

import (
	"math"
	"sort"
	"strings"

	"github.com/acme/call-router/internal/domain"
)

// Compare orders two emergency candidates. It is a strict weak ordering:
// pure, total over account content, and safe to hand to a generic sort for
// arbitrarily large candidate sets.
//
// Priority rules:
//  1. an emergency-preferred account sorts before all others;
//  2. ascending physical slot index, invalid-slot accounts last;
//  3. ties break on the content-derived handle key.
//
// Rule 3 deliberately avoids anything identity-based: a comparator keyed on
// object identity is not transitive under ties and blows up generic sorts
// once the candidate set is large enough.
func Compare(a, b domain.Account) int {
	ap := a.Capabilities.Has(domain.CapEmergencyPreferred)
	bp := b.Capabilities.Has(domain.CapEmergencyPreferred)
	if ap != bp {
		if ap {
			return -1
		}
		return 1
	}

	as, bs := slotRank(a), slotRank(b)
	if as != bs {
		if as < bs {
			return -1
		}
		return 1
	}

	return strings.Compare(a.Handle.Key(), b.Handle.Key())
}

func slotRank(a domain.Account) int {
	if !a.HasValidSlot() {
		return math.MaxInt
	}
	return a.SlotIndex
}

// SortCandidates stable-sorts accounts in place per Compare.
func SortCandidates(accounts []domain.Account) {
	sort.SliceStable(accounts, func(i, j int) bool {
		return Compare(accounts[i], accounts[j]) < 0
	})
}
