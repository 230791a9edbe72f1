//go:build emma_debug

package debug

import "testing"

func TestEnabledBuildAssertPanicsOnFalseCond(t *testing.T) {
	if !Enabled {
		t.Fatal("Enabled should be true under the emma_debug build tag")
	}

	defer func() {
		if recover() == nil {
			t.Fatal("Assert(false, ...) should panic")
		}
	}()
	Assert(false, "boom %d", 1)
}

func TestEnabledBuildAssertDoesNotPanicOnTrueCond(t *testing.T) {
	defer func() {
		if recover() != nil {
			t.Fatal("Assert(true, ...) should not panic")
		}
	}()
	Assert(true, "never seen")
}

func TestEnabledBuildLogDoesNotPanic(t *testing.T) {
	Log("pkg", "op", "value=%d", 3)
}
