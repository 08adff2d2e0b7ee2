package biz

import (
	"context"
	"sync"
	"testing"
)

// testContexts backs testContext, a stand-in for testing.T.Context (Go 1.24+)
// so the tests build on the Go 1.21 toolchain.
var testContexts sync.Map

// testContext returns one context per test that is canceled when the test's
// cleanups run.
func testContext(t testing.TB) context.Context {
	if ctx, ok := testContexts.Load(t); ok {
		return ctx.(context.Context)
	}
	ctx, cancel := context.WithCancel(context.Background())
	testContexts.Store(t, ctx)
	t.Cleanup(func() {
		cancel()
		testContexts.Delete(t)
	})
	return ctx
}
