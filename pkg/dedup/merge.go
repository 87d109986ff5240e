// Package dedup collapses the candidates of one batch into canonical
// return cards. Merge is a pure function: three ordered passes (exact
// identifier, fuzzy merchant+date, cancellation suppression) built as
// partition-and-merge steps over an immutable input. The result is
// independent of input order, and merging is associative and idempotent:
// source ids are a set union and field selection is a deterministic
// highest-confidence-wins rule.
package dedup

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/returnably/core/pkg/contracts"
)

// Tolerance windows for the fuzzy pass. Dates of the same kind (order vs
// order) must sit close together; an order date may sit further from the
// thread's delivery date because shipping takes days.
const (
	sameKindWindowDays  = 3
	crossKindWindowDays = 14
)

var cancellationSignatures = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\border\b.{0,40}\b(cancel(l)?ed|cancellation)\b`),
	regexp.MustCompile(`(?i)\b(cancel(l)?ed|cancellation)\b.{0,40}\border\b`),
	regexp.MustCompile(`(?i)\bcancellation (confirmation|notice)\b`),
	regexp.MustCompile(`(?i)\byour (purchase|order) (was|has been) cancel(l)?ed\b`),
}

// MatchesCancellation reports whether message text carries a
// cancellation-notice signature.
func MatchesCancellation(subject, body string) bool {
	for _, re := range cancellationSignatures {
		if re.MatchString(subject) || re.MatchString(body) {
			return true
		}
	}
	return false
}

// Merge collapses candidates into canonical cards. Cancellation candidates
// never produce cards; they remove the matching order's card from the
// output entirely.
func Merge(candidates []contracts.ReturnCandidate) []contracts.ReturnCard {
	var regular, cancels []contracts.ReturnCandidate
	for _, c := range candidates {
		if c.Cancellation {
			cancels = append(cancels, c)
		} else if !c.Extraction.Empty() {
			regular = append(regular, c)
		}
	}

	uf := newUnionFind(len(regular))

	// Pass 1: exact order/tracking identifier match.
	byKey := make(map[string]int)
	for i, c := range regular {
		for _, key := range identifierKeys(c) {
			if j, ok := byKey[key]; ok {
				uf.union(i, j)
			} else {
				byKey[key] = i
			}
		}
	}

	// Pass 2: fuzzy merchant + date-window match, only over candidates the
	// identifier pass left alone.
	singles := uf.singletons()
	byMerchant := make(map[string][]int)
	for _, i := range singles {
		c := regular[i]
		domain := c.Extraction.MerchantDomain
		if domain == "" {
			continue
		}
		byMerchant[c.TenantID+"\x00"+domain] = append(byMerchant[c.TenantID+"\x00"+domain], i)
	}
	for _, members := range byMerchant {
		for x := 0; x < len(members); x++ {
			for y := x + 1; y < len(members); y++ {
				a, b := regular[members[x]].Extraction, regular[members[y]].Extraction
				if identifierConflict(a, b) {
					continue
				}
				if datesOverlap(a, b) {
					uf.union(members[x], members[y])
				}
			}
		}
	}

	groups := uf.groups()

	// Pass 3: cancellation suppression. A cancellation notice matching an
	// existing group removes that group from the output set; a cancelled
	// purchase is not a return to track.
	suppressed := make(map[int]bool)
	for _, cancel := range cancels {
		for root, members := range groups {
			if suppressed[root] {
				continue
			}
			if cancellationMatchesGroup(cancel, regular, members) {
				suppressed[root] = true
			}
		}
	}

	cards := make([]contracts.ReturnCard, 0, len(groups))
	for root, members := range groups {
		if suppressed[root] {
			continue
		}
		cards = append(cards, buildCard(regular, members))
	}

	sort.Slice(cards, func(i, j int) bool {
		if cards[i].TenantID != cards[j].TenantID {
			return cards[i].TenantID < cards[j].TenantID
		}
		return cards[i].ID < cards[j].ID
	})
	return cards
}

func identifierKeys(c contracts.ReturnCandidate) []string {
	var keys []string
	if n := c.Extraction.OrderNumber; n != "" {
		keys = append(keys, c.TenantID+"\x00order\x00"+strings.ToUpper(n))
	}
	if n := c.Extraction.TrackingNumber; n != "" {
		keys = append(keys, c.TenantID+"\x00track\x00"+strings.ToUpper(n))
	}
	return keys
}

// identifierConflict reports whether two extractions carry different hard
// identifiers. Matching identifiers already merged in the exact pass; a
// mismatch means distinct purchases even when merchant and dates agree.
func identifierConflict(a, b contracts.ExtractionResult) bool {
	if a.OrderNumber != "" && b.OrderNumber != "" && !strings.EqualFold(a.OrderNumber, b.OrderNumber) {
		return true
	}
	if a.TrackingNumber != "" && b.TrackingNumber != "" && !strings.EqualFold(a.TrackingNumber, b.TrackingNumber) {
		return true
	}
	return false
}

func datesOverlap(a, b contracts.ExtractionResult) bool {
	within := func(x, y *time.Time, days int) bool {
		if x == nil || y == nil {
			return false
		}
		diff := x.Sub(*y)
		if diff < 0 {
			diff = -diff
		}
		return diff <= time.Duration(days)*24*time.Hour
	}

	return within(a.OrderDate, b.OrderDate, sameKindWindowDays) ||
		within(a.DeliveryDate, b.DeliveryDate, sameKindWindowDays) ||
		within(a.OrderDate, b.DeliveryDate, crossKindWindowDays) ||
		within(a.DeliveryDate, b.OrderDate, crossKindWindowDays)
}

func cancellationMatchesGroup(cancel contracts.ReturnCandidate, regular []contracts.ReturnCandidate, members []int) bool {
	for _, i := range members {
		c := regular[i]
		if c.TenantID != cancel.TenantID {
			continue
		}
		if cancel.Extraction.OrderNumber != "" &&
			strings.EqualFold(cancel.Extraction.OrderNumber, c.Extraction.OrderNumber) {
			return true
		}
		if cancel.Extraction.OrderNumber == "" &&
			cancel.Extraction.MerchantDomain != "" &&
			cancel.Extraction.MerchantDomain == c.Extraction.MerchantDomain &&
			datesOverlap(cancel.Extraction, c.Extraction) {
			return true
		}
	}
	return false
}

// buildCard folds a group into one canonical card. Members are ordered by
// confidence, then most recent order date, then a stable content key, so
// the fold is invariant under input permutation.
func buildCard(regular []contracts.ReturnCandidate, members []int) contracts.ReturnCard {
	group := make([]contracts.ReturnCandidate, 0, len(members))
	for _, i := range members {
		group = append(group, regular[i])
	}
	sort.Slice(group, func(i, j int) bool {
		a, b := group[i], group[j]
		if a.Extraction.Confidence != b.Extraction.Confidence {
			return a.Extraction.Confidence.Stronger(b.Extraction.Confidence)
		}
		at, bt := unixOrZero(a.Extraction.OrderDate), unixOrZero(b.Extraction.OrderDate)
		if at != bt {
			return at > bt
		}
		return sourceKey(a) < sourceKey(b)
	})

	card := contracts.ReturnCard{
		TenantID:   group[0].TenantID,
		Confidence: contracts.ConfidenceUnknown,
	}

	idSet := make(map[string]struct{})
	for _, c := range group {
		e := c.Extraction
		pickString(&card.Merchant, e.Merchant)
		pickString(&card.MerchantDomain, e.MerchantDomain)
		pickString(&card.ItemSummary, e.ItemSummary)
		pickString(&card.OrderNumber, e.OrderNumber)
		pickString(&card.TrackingNumber, e.TrackingNumber)
		pickString(&card.Amount, e.Amount)
		pickDate(&card.OrderDate, e.OrderDate)
		pickDate(&card.DeliveryDate, e.DeliveryDate)
		if card.ReturnByDate == nil && e.ReturnByDate != nil {
			card.ReturnByDate = e.ReturnByDate
			card.Confidence = e.Confidence
		}
		for _, id := range c.SourceMessageIDs {
			idSet[id] = struct{}{}
		}
	}

	card.SourceMessageIDs = make([]string, 0, len(idSet))
	for id := range idSet {
		card.SourceMessageIDs = append(card.SourceMessageIDs, id)
	}
	sort.Strings(card.SourceMessageIDs)

	card.ID = cardID(card)
	return card
}

// cardID derives a stable identifier so the same real-world purchase
// upserts to the same row across batches.
func cardID(card contracts.ReturnCard) string {
	key := card.TenantID
	switch {
	case card.OrderNumber != "":
		key += "|order|" + strings.ToUpper(card.OrderNumber)
	case card.TrackingNumber != "":
		key += "|track|" + strings.ToUpper(card.TrackingNumber)
	default:
		key += "|fuzzy|" + card.MerchantDomain + "|" + dayOrEmpty(card.OrderDate) + "|" + dayOrEmpty(card.DeliveryDate)
		if card.MerchantDomain == "" && card.OrderDate == nil && card.DeliveryDate == nil {
			// Nothing matchable across batches; pin uniqueness to the
			// source messages instead of colliding on an empty key.
			key += "|" + strings.Join(card.SourceMessageIDs, ",")
		}
	}
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte("returnably.io/card/"+key)).String()
}

func pickString(dst *string, val string) {
	if *dst == "" {
		*dst = val
	}
}

func pickDate(dst **time.Time, val *time.Time) {
	if *dst == nil && val != nil {
		*dst = val
	}
}

func unixOrZero(t *time.Time) int64 {
	if t == nil {
		return 0
	}
	return t.Unix()
}

func dayOrEmpty(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.Format("2006-01-02")
}

func sourceKey(c contracts.ReturnCandidate) string {
	ids := append([]string(nil), c.SourceMessageIDs...)
	sort.Strings(ids)
	return fmt.Sprintf("%s|%s", c.TenantID, strings.Join(ids, ","))
}

// unionFind is a small disjoint-set over candidate indexes.
type unionFind struct {
	parent []int
}

func newUnionFind(n int) *unionFind {
	uf := &unionFind{parent: make([]int, n)}
	for i := range uf.parent {
		uf.parent[i] = i
	}
	return uf
}

func (uf *unionFind) find(i int) int {
	for uf.parent[i] != i {
		uf.parent[i] = uf.parent[uf.parent[i]]
		i = uf.parent[i]
	}
	return i
}

func (uf *unionFind) union(i, j int) {
	ri, rj := uf.find(i), uf.find(j)
	if ri == rj {
		return
	}
	// Anchor on the smaller root for determinism.
	if ri < rj {
		uf.parent[rj] = ri
	} else {
		uf.parent[ri] = rj
	}
}

func (uf *unionFind) singletons() []int {
	counts := make(map[int]int)
	for i := range uf.parent {
		counts[uf.find(i)]++
	}
	var out []int
	for i := range uf.parent {
		if counts[uf.find(i)] == 1 {
			out = append(out, i)
		}
	}
	return out
}

func (uf *unionFind) groups() map[int][]int {
	out := make(map[int][]int)
	for i := range uf.parent {
		root := uf.find(i)
		out[root] = append(out[root], i)
	}
	return out
}
