package pgdb

import (
	"sort"

	"github.com/drand/ceremony/internal/ceremony"
)

func sortByAcquired(attempts []*ceremony.Attempt) {
	sort.Slice(attempts, func(i, j int) bool {
		return attempts[i].AcquiredAt.Before(attempts[j].AcquiredAt)
	})
}
