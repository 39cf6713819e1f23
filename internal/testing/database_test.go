package testing

import (
	"sync"
	"testing"
)

func TestSchemaVisibleAcrossConcurrentQueries(t *testing.T) {
	conn := CreateTestDB(t)

	// Concurrent queries would grow the pool past the connection that ran
	// the migrations if the pool were not pinned to one connection.
	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			var n int
			errs[i] = conn.QueryRow("SELECT COUNT(*) FROM executions").Scan(&n)
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			t.Fatalf("schema not visible to a pooled connection: %v", err)
		}
	}
}
