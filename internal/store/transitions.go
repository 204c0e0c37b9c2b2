package store

import "github.com/filimorniga-ux/farmacias-vallenar-suit-sub012/internal/models"

var transitionMap = map[string][]string{
	"dispatch": {models.StatusWaiting},
	"recall":   {models.StatusCalled},
	"complete": {models.StatusCalled},
	"cancel":   {models.StatusWaiting, models.StatusCalled},
	"reset":    {models.StatusWaiting, models.StatusCalled},
}

func ValidTransition(action, fromStatus string) bool {
	allowed, ok := transitionMap[action]
	if !ok {
		return false
	}
	for _, status := range allowed {
		if status == fromStatus {
			return true
		}
	}
	return false
}

// SourceStatuses lists the statuses action may start from, for bulk SQL
// guards.
func SourceStatuses(action string) []string {
	return append([]string(nil), transitionMap[action]...)
}
