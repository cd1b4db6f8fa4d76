package reconcile

import "github.com/egsclaim/egsclaim/pkg/offers"

// Reconcile returns every catalog offer whose namespace is absent from the
// ledger, in catalog order. Duplicate namespaces keep the first occurrence.
// IsBundle is taken from the URL shape rather than trusted from the input.
func Reconcile(catalog []offers.PromotionOffer, ledger []offers.OwnedOfferRecord) []offers.PendingClaim {
	owned := make(map[string]struct{}, len(ledger))
	for _, rec := range ledger {
		owned[rec.Namespace] = struct{}{}
	}

	seen := make(map[string]struct{}, len(catalog))
	pending := make([]offers.PendingClaim, 0, len(catalog))
	for _, o := range catalog {
		if _, ok := owned[o.Namespace]; ok {
			continue
		}
		if _, dup := seen[o.Namespace]; dup {
			continue
		}
		seen[o.Namespace] = struct{}{}

		o.IsBundle = offers.IsBundleURL(o.URL)
		pending = append(pending, offers.PendingClaim{
			Offer:       o,
			LastOutcome: offers.OutcomePending,
		})
	}
	return pending
}

// Split separates single products, which share one cart, from bundles,
// which are claimed one at a time.
func Split(pending []offers.PendingClaim) (games, bundles []offers.PendingClaim) {
	for _, p := range pending {
		if p.Offer.IsBundle {
			bundles = append(bundles, p)
		} else {
			games = append(games, p)
		}
	}
	return games, bundles
}

// AsLedger turns a pending list back into ledger records.
func AsLedger(pending []offers.PendingClaim) []offers.OwnedOfferRecord {
	out := make([]offers.OwnedOfferRecord, 0, len(pending))
	for _, p := range pending {
		out = append(out, offers.OwnedOfferRecord{OfferID: p.Offer.ID, Namespace: p.Offer.Namespace})
	}
	return out
}

// MergeLedgers concatenates ledgers, dropping malformed and repeated
// namespaces.
func MergeLedgers(ledgers ...[]offers.OwnedOfferRecord) []offers.OwnedOfferRecord {
	seen := make(map[string]struct{})
	var out []offers.OwnedOfferRecord
	for _, l := range ledgers {
		for _, rec := range l {
			if !offers.ValidNamespace(rec.Namespace) {
				continue
			}
			if _, ok := seen[rec.Namespace]; ok {
				continue
			}
			seen[rec.Namespace] = struct{}{}
			out = append(out, rec)
		}
	}
	return out
}

// Offers extracts the offers of a pending list.
func Offers(pending []offers.PendingClaim) []offers.PromotionOffer {
	out := make([]offers.PromotionOffer, 0, len(pending))
	for _, p := range pending {
		out = append(out, p.Offer)
	}
	return out
}
