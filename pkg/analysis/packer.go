package analysis

import "github.com/google/uuid"

// PackBatches groups members into batches that respect the token
// budget. Packing is greedy and order-preserving: a member joins the
// current batch when it fits, otherwise the batch is closed and a new
// one opened. Greedy packing trades optimal bin usage for determinism
// and fairness, since earlier emails are never starved by later small
// ones. A member larger than the budget still gets a batch of its own
// rather than being dropped; section truncation keeps that case out of
// normal operation.
func PackBatches(userID string, members []BatchMember, budget int) []Batch {
	if len(members) == 0 {
		return nil
	}

	var batches []Batch
	current := newBatch(userID, budget)

	for _, member := range members {
		if len(current.Members) > 0 && current.EstimatedTokens+member.Tokens > budget {
			batches = append(batches, current)
			current = newBatch(userID, budget)
		}
		current.Members = append(current.Members, member)
		current.EstimatedTokens += member.Tokens
	}

	return append(batches, current)
}

func newBatch(userID string, budget int) Batch {
	return Batch{
		ID:          uuid.New().String(),
		UserID:      userID,
		BudgetLimit: budget,
	}
}
