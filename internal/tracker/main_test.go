package tracker

import (
	"testing"

	"go.uber.org/goleak"
)

// TestMain verifies no session goroutines outlive the tests.
func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}
