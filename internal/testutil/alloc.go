package testutil

import "testing"

// ShouldNotAllocate fails the test if invoking fn allocates heap memory, as
// measured by testing.AllocsPerRun.
func ShouldNotAllocate(tb testing.TB, fn func()) {
	tb.Helper()
	if allocs := testing.AllocsPerRun(100, fn); allocs > 0 {
		tb.Errorf("unexpected allocations: %v", allocs)
	}
}
