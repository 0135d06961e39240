package scoring

import (
	"math"

	"checkline/internal/domain"
	"checkline/internal/responses"
)

// Completion returns the answered fraction of a task as a rounded
// percentage. Unlike the point score it is type-agnostic: every question
// of the template tree and every pre-inspection question counts, scorable
// or not, because it measures whether the inspector touched the field.
func Completion(tmpl *domain.Template, preInspection []domain.Question, store *responses.Store) int {
	total := 0
	answered := 0
	if tmpl != nil {
		tmpl.WalkQuestions(func(sectionID string, q domain.Question) {
			total++
			if resp, ok := store.Get(sectionID, q.ID); ok && !resp.IsZero() {
				answered++
			}
		})
	}
	for _, q := range preInspection {
		total++
		if resp, ok := store.GetByQuestion(q.ID); ok && !resp.IsZero() {
			answered++
		}
	}
	if total == 0 {
		return 0
	}
	return int(math.Round(float64(answered) / float64(total) * 100))
}

// AuthoritativeCompletion is the value shown to the user: the local
// recomputation never regresses a percentage the server already recorded,
// which protects against transient partial fetches during reconciliation.
func AuthoritativeCompletion(serverStored, locallyComputed int) int {
	if serverStored > locallyComputed {
		return serverStored
	}
	return locallyComputed
}
