package engine

import (
	"sort"
	"strings"

	"github.com/tradeloop/barter-engine/pkg/models"
)

// Signature derives the canonical cycle id: each step is rendered as
// "owner:item,item" with item ids sorted, and the id is the
// lexicographically minimal rotation of the step sequence joined by
// "|". Two discoveries of the same cycle always collapse to one id,
// regardless of which participant the enumeration started from.
func Signature(steps []models.TradeStep) string {
	n := len(steps)
	if n == 0 {
		return ""
	}
	parts := make([]string, n)
	for i, s := range steps {
		ids := make([]string, 0, len(s.Items))
		for _, it := range s.Items {
			ids = append(ids, it.ID)
		}
		sort.Strings(ids)
		parts[i] = s.From + ":" + strings.Join(ids, ",")
	}
	best := ""
	rot := make([]string, n)
	for r := 0; r < n; r++ {
		for i := 0; i < n; i++ {
			rot[i] = parts[(r+i)%n]
		}
		candidate := strings.Join(rot, "|")
		if best == "" || candidate < best {
			best = candidate
		}
	}
	return best
}
