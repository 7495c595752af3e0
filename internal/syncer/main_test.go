// File: internal/syncer/main_test.go
package syncer

import (
	"testing"

	"go.uber.org/goleak"
)

// The engine fans out across goroutines; make sure none of them outlive a test.
func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}
