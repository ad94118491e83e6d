package recipients

import "rotarydesk/internal/types"

type pairKey struct {
	a, b string
}

// Dedupe collapses the two rows of a couple into one. The first row seen for
// a pair wins; a row whose reverse ordering was already emitted is dropped,
// as is any row without a partner.
func Dedupe(rows []types.Recipient) []types.Recipient {
	seen := make(map[pairKey]struct{}, len(rows))
	out := make([]types.Recipient, 0, (len(rows)+1)/2)
	for _, r := range rows {
		if r.Partner == nil || r.Partner.ID == "" {
			continue
		}
		forward := pairKey{r.ID, r.Partner.ID}
		reverse := pairKey{r.Partner.ID, r.ID}
		if _, ok := seen[reverse]; ok {
			continue
		}
		if _, ok := seen[forward]; ok {
			continue
		}
		seen[forward] = struct{}{}
		out = append(out, r)
	}
	return out
}
