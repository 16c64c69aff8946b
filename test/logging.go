// Package test holds helpers shared by this module's tests.
package test

import (
	"context"
	"testing"

	"github.com/quay/zlog"
)

// Logging returns a Context with the test's log output wired up. Log lines
// are reported through the testing harness and only printed on failure.
func Logging(t testing.TB) context.Context {
	return zlog.Test(context.Background(), t)
}
