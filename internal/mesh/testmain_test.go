package mesh_test

import (
	"testing"

	"go.uber.org/goleak"
)

// TestMain verifies no goroutine leaks after all tests complete. The
// manager's maintenance loop must exit with StopAll.
func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}
