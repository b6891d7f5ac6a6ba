package chat

import (
	"context"
	"testing"
)

// testContext 替代 Go 1.24 的 t.Context()：测试结束清理时取消
func testContext(t testing.TB) context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return ctx
}
