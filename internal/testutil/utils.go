package testutil

import (
	"os"
	"testing"

	"github.com/hashicorp/go-hclog"
)

// TestLogger writes to stdout rather than t.Log since actor goroutines may
// still log after the test returns.
func TestLogger(t *testing.T) hclog.Logger {
	return hclog.New(&hclog.LoggerOptions{
		Name:   "test",
		Level:  hclog.Debug,
		Output: os.Stdout,
	}).With("test", t.Name())
}
