// Package dedupe isolates the trades of a newest-first batch that have not
// been seen before.
package dedupe

import "github.com/alanyoungcy/polybook/internal/domain"

// Dedupe returns the trades in batch newer than lastSeenID, ordered oldest to
// newest. batch must be newest first and is never modified.
//
// An empty lastSeenID means nothing has been seen yet and the whole batch is
// new. When lastSeenID is set but absent from batch, the whole batch is
// returned together with a *domain.TradeGapError: trades between the previous
// poll and the oldest record in batch may have been missed.
func Dedupe(batch []domain.TradeRecord, lastSeenID string) ([]domain.TradeRecord, error) {
	cut := len(batch)
	found := false
	if lastSeenID != "" {
		for i, tr := range batch {
			if tr.TradeID == lastSeenID {
				cut = i
				found = true
				break
			}
		}
	}

	out := make([]domain.TradeRecord, cut)
	for i := 0; i < cut; i++ {
		out[cut-1-i] = batch[i]
	}

	if lastSeenID != "" && !found {
		return out, &domain.TradeGapError{LastSeenID: lastSeenID}
	}
	return out, nil
}
