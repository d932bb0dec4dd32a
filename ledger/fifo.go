/*
fifo.go - FIFO consumption replay

PURPOSE:
  Balances are a single running sum, not per-grant sub-balances, so the
  sweeper has to reconstruct how much of a specific grant is still present
  in the balance. The deterministic policy: debits consume the oldest credit
  lot first.

REPLAY RULES:
  - Every credit opens a lot with its full delta remaining.
  - An ordinary debit drains lots in append order, oldest first. A debit
    larger than all open lots (cannot happen while the non-negative invariant
    holds) is simply clamped.
  - An expiration debit drains exactly the lot it reversed - it must not eat
    into younger lots. Matched through the grant's ReversedBy stamp.
  - A lot only stops being consumable once its reversal appears in the
    replay; an aged grant that has not been swept yet is still spendable.
*/
package ledger

// lot tracks the unconsumed remainder of one credit.
type lot struct {
	id        TransactionID
	remaining int64
}

// unconsumedRemainders replays the user's history in append order and returns
// the remaining amount of every credit lot, keyed by grant transaction ID.
func unconsumedRemainders(history []TokenTransaction) map[TransactionID]int64 {
	// Reversal debit ID -> reversed grant ID, from the stamps on grants.
	reversalOf := make(map[TransactionID]TransactionID)
	for _, tx := range history {
		if tx.ReversedBy != "" {
			reversalOf[tx.ReversedBy] = tx.ID
		}
	}

	var lots []*lot
	byID := make(map[TransactionID]*lot)

	for _, tx := range history {
		switch {
		case tx.Delta > 0:
			l := &lot{id: tx.ID, remaining: tx.Delta}
			lots = append(lots, l)
			byID[tx.ID] = l

		case tx.Delta < 0:
			amount := -tx.Delta
			if grantID, ok := reversalOf[tx.ID]; ok {
				if l := byID[grantID]; l != nil {
					l.remaining = max64(0, l.remaining-amount)
				}
				continue
			}
			for _, l := range lots {
				if amount == 0 {
					break
				}
				take := min64(amount, l.remaining)
				l.remaining -= take
				amount -= take
			}
		}
	}

	remainders := make(map[TransactionID]int64, len(byID))
	for id, l := range byID {
		remainders[id] = l.remaining
	}
	return remainders
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
