package hookchain

import (
	"errors"
	"reflect"
	"testing"

	glog "github.com/zboralski/vhook/internal/log"
	"github.com/zboralski/vhook/internal/trace"
)

// tracer returns a hook that appends name to order and continues the chain.
func tracer(order *[]string, name string) HookFunc[int, int] {
	return func(c *Cursor[int, int], x int) int {
		*order = append(*order, name)
		return c.CallNext(x)
	}
}

func newTestRegistry() *Registry[int, int] {
	return NewRegistry[int, int]("test", WithLogger(glog.NewNop()))
}

func mustRegister(t *testing.T, r *Registry[int, int], fn HookFunc[int, int], p Priority) *Info {
	t.Helper()
	h, err := r.RegisterHook(fn, p)
	if err != nil {
		t.Fatalf("RegisterHook: %v", err)
	}
	return h
}

func TestPriorityOrder(t *testing.T) {
	r := newTestRegistry()
	var order []string
	original := func(x int) int {
		order = append(order, "orig")
		return x
	}

	mustRegister(t, r, tracer(&order, "A"), PriorityDefault)
	mustRegister(t, r, tracer(&order, "B"), PriorityHigh)
	mustRegister(t, r, tracer(&order, "C"), PriorityDefault)

	if got := r.CallChain(original, 7); got != 7 {
		t.Errorf("CallChain = %d, want 7", got)
	}
	want := []string{"B", "A", "C", "orig"}
	if !reflect.DeepEqual(order, want) {
		t.Errorf("order = %v, want %v", order, want)
	}
}

func TestPriorityTiesFIFO(t *testing.T) {
	r := newTestRegistry()
	var order []string
	for _, n := range []string{"1", "2", "3"} {
		mustRegister(t, r, tracer(&order, n), PriorityLow)
	}
	mustRegister(t, r, tracer(&order, "U"), PriorityUninterruptable)
	mustRegister(t, r, tracer(&order, "M"), PriorityMedium)

	r.CallChain(func(x int) int { return x }, 0)
	want := []string{"U", "M", "1", "2", "3"}
	if !reflect.DeepEqual(order, want) {
		t.Errorf("order = %v, want %v", order, want)
	}

	hooks := r.Hooks()
	for i := 1; i < len(hooks); i++ {
		if hooks[i-1].Priority() < hooks[i].Priority() {
			t.Errorf("hooks not sorted at %d: %d < %d", i, hooks[i-1].Priority(), hooks[i].Priority())
		}
	}
}

func TestEmptyChainCallsOriginal(t *testing.T) {
	r := newTestRegistry()
	calls := 0
	got := r.CallChain(func(x int) int {
		calls++
		return x * 2
	}, 21)
	if got != 42 || calls != 1 {
		t.Errorf("got %d after %d calls, want 42 after 1", got, calls)
	}
	if r.HasHooks() {
		t.Error("empty registry reports hooks")
	}
}

func TestEmptyChainLastCallsLast(t *testing.T) {
	r := newTestRegistry()
	last := func(x int) int { return 1 }
	original := func(x int) int { return 2 }
	if got := r.CallChainLast(last, original, 0); got != 1 {
		t.Errorf("CallChainLast on empty chain = %d, want 1 (last)", got)
	}
}

func TestHookTransformsArgsAndResult(t *testing.T) {
	r := newTestRegistry()
	mustRegister(t, r, func(c *Cursor[int, int], x int) int {
		return c.CallNext(x+1) * 10
	}, PriorityDefault)

	var seen int
	got := r.CallChain(func(x int) int {
		seen = x
		return x
	}, 4)
	if seen != 5 {
		t.Errorf("original saw %d, want 5", seen)
	}
	if got != 50 {
		t.Errorf("result = %d, want 50", got)
	}
}

func TestShortCircuit(t *testing.T) {
	r := newTestRegistry()
	var order []string
	mustRegister(t, r, func(c *Cursor[int, int], x int) int {
		order = append(order, "block")
		return -1
	}, PriorityHigh)
	mustRegister(t, r, tracer(&order, "low"), PriorityLow)

	got := r.CallChain(func(x int) int {
		order = append(order, "orig")
		return x
	}, 3)
	if got != -1 {
		t.Errorf("result = %d, want -1", got)
	}
	if !reflect.DeepEqual(order, []string{"block"}) {
		t.Errorf("order = %v, want [block]", order)
	}
}

func TestDisabledHookSkipped(t *testing.T) {
	r := newTestRegistry()
	var order []string
	mustRegister(t, r, tracer(&order, "A"), PriorityHigh)
	b := mustRegister(t, r, tracer(&order, "B"), PriorityDefault)
	mustRegister(t, r, tracer(&order, "C"), PriorityLow)
	original := func(x int) int { return x }

	b.Disable()
	if b.Enabled() || b.State() != Disabled {
		t.Fatal("B should be disabled")
	}
	r.CallChain(original, 0)
	if want := []string{"A", "C"}; !reflect.DeepEqual(order, want) {
		t.Errorf("disabled: order = %v, want %v", order, want)
	}
	if r.Len() != 3 {
		t.Errorf("Len = %d, want 3 (disabled hooks stay registered)", r.Len())
	}

	order = nil
	b.Enable()
	r.CallChain(original, 0)
	if want := []string{"A", "B", "C"}; !reflect.DeepEqual(order, want) {
		t.Errorf("re-enabled: order = %v, want %v", order, want)
	}
}

func TestAllDisabledReachesOriginal(t *testing.T) {
	r := newTestRegistry()
	h := mustRegister(t, r, func(c *Cursor[int, int], x int) int { return -1 }, PriorityDefault)
	h.SetState(Disabled)

	if got := r.CallChain(func(x int) int { return x }, 9); got != 9 {
		t.Errorf("result = %d, want 9", got)
	}
	if !r.HasHooks() {
		t.Error("HasHooks should count disabled hooks")
	}
}

func TestCallOriginalSkipsRest(t *testing.T) {
	r := newTestRegistry()
	var order []string
	mustRegister(t, r, func(c *Cursor[int, int], x int) int {
		order = append(order, "first")
		return c.CallOriginal(x)
	}, PriorityHigh)
	mustRegister(t, r, tracer(&order, "second"), PriorityLow)

	last := func(x int) int {
		order = append(order, "last")
		return 1
	}
	original := func(x int) int {
		order = append(order, "orig")
		return 2
	}

	if got := r.CallChainLast(last, original, 0); got != 2 {
		t.Errorf("result = %d, want 2", got)
	}
	if want := []string{"first", "orig"}; !reflect.DeepEqual(order, want) {
		t.Errorf("order = %v, want %v", order, want)
	}
}

func TestDualFallback(t *testing.T) {
	r := newTestRegistry()
	var order []string
	mustRegister(t, r, tracer(&order, "A"), PriorityDefault)

	last := func(x int) int {
		order = append(order, "last")
		return 1
	}
	original := func(x int) int {
		order = append(order, "orig")
		return 2
	}

	if got := r.CallChainLast(last, original, 0); got != 1 {
		t.Errorf("end of chain = %d, want 1 (last)", got)
	}
	if want := []string{"A", "last"}; !reflect.DeepEqual(order, want) {
		t.Errorf("order = %v, want %v", order, want)
	}

	order = nil
	if got := r.CallChain(original, 0); got != 2 {
		t.Errorf("single terminal = %d, want 2", got)
	}
	if want := []string{"A", "orig"}; !reflect.DeepEqual(order, want) {
		t.Errorf("order = %v, want %v", order, want)
	}
}

func TestUnregisterByHandle(t *testing.T) {
	r := newTestRegistry()
	var order []string
	fn := tracer(&order, "X")
	h1 := mustRegister(t, r, fn, PriorityDefault)
	h2 := mustRegister(t, r, fn, PriorityDefault)
	if h1 == h2 || h1.ID() == h2.ID() {
		t.Fatal("same function registered twice should get distinct handles")
	}

	if !r.UnregisterHook(h1) {
		t.Fatal("UnregisterHook(h1) = false")
	}
	if r.UnregisterHook(h1) {
		t.Error("second UnregisterHook(h1) should report not found")
	}
	if r.UnregisterHook(nil) {
		t.Error("UnregisterHook(nil) should report not found")
	}

	r.CallChain(func(x int) int { return x }, 0)
	if len(order) != 1 {
		t.Errorf("hook ran %d times, want 1", len(order))
	}
	if hooks := r.Hooks(); len(hooks) != 1 || hooks[0] != h2 {
		t.Errorf("remaining hooks = %v, want [h2]", hooks)
	}
}

func TestUnregisterForeignHandle(t *testing.T) {
	a := newTestRegistry()
	b := newTestRegistry()
	h := mustRegister(t, a, tracer(new([]string), "A"), PriorityDefault)
	if b.UnregisterHook(h) {
		t.Error("registry removed a handle it does not own")
	}
	if a.Len() != 1 {
		t.Errorf("owner Len = %d, want 1", a.Len())
	}
}

func TestRegisterNil(t *testing.T) {
	r := newTestRegistry()
	h, err := r.RegisterHook(nil, PriorityDefault)
	if !errors.Is(err, ErrNilHook) || h != nil {
		t.Errorf("RegisterHook(nil) = %v, %v; want nil, ErrNilHook", h, err)
	}
	if r.HasHooks() {
		t.Error("nil hook was registered")
	}
}

func TestReentrantRemoveDuringDispatch(t *testing.T) {
	r := newTestRegistry()
	var order []string
	var victim *Info
	mustRegister(t, r, func(c *Cursor[int, int], x int) int {
		order = append(order, "A")
		r.UnregisterHook(victim)
		return c.CallNext(x)
	}, PriorityHigh)
	victim = mustRegister(t, r, tracer(&order, "B"), PriorityLow)
	original := func(x int) int { return x }

	// The in-flight dispatch keeps its snapshot.
	r.CallChain(original, 0)
	if want := []string{"A", "B"}; !reflect.DeepEqual(order, want) {
		t.Errorf("first dispatch order = %v, want %v", order, want)
	}

	order = nil
	r.CallChain(original, 0)
	if want := []string{"A"}; !reflect.DeepEqual(order, want) {
		t.Errorf("second dispatch order = %v, want %v", order, want)
	}
}

func TestReentrantRegisterDuringDispatch(t *testing.T) {
	r := newTestRegistry()
	var order []string
	added := false
	mustRegister(t, r, func(c *Cursor[int, int], x int) int {
		order = append(order, "A")
		if !added {
			added = true
			mustRegister(t, r, tracer(&order, "late"), PriorityLow)
		}
		return c.CallNext(x)
	}, PriorityHigh)
	original := func(x int) int { return x }

	r.CallChain(original, 0)
	if want := []string{"A"}; !reflect.DeepEqual(order, want) {
		t.Errorf("first dispatch order = %v, want %v", order, want)
	}

	order = nil
	r.CallChain(original, 0)
	if want := []string{"A", "late"}; !reflect.DeepEqual(order, want) {
		t.Errorf("second dispatch order = %v, want %v", order, want)
	}
}

func TestDisableDuringDispatchTakesEffect(t *testing.T) {
	r := newTestRegistry()
	var order []string
	var b *Info
	mustRegister(t, r, func(c *Cursor[int, int], x int) int {
		order = append(order, "A")
		b.Disable()
		return c.CallNext(x)
	}, PriorityHigh)
	b = mustRegister(t, r, tracer(&order, "B"), PriorityLow)

	r.CallChain(func(x int) int { return x }, 0)
	if want := []string{"A"}; !reflect.DeepEqual(order, want) {
		t.Errorf("order = %v, want %v", order, want)
	}
}

func TestNestedDispatch(t *testing.T) {
	r := newTestRegistry()
	depth := 0
	mustRegister(t, r, func(c *Cursor[int, int], x int) int {
		if x > 0 && depth < 3 {
			depth++
			inner := r.CallChain(func(y int) int { return y }, x-1)
			return c.CallNext(x) + inner
		}
		return c.CallNext(x)
	}, PriorityDefault)

	// 3 + 2 + 1 + 0
	if got := r.CallChain(func(x int) int { return x }, 3); got != 6 {
		t.Errorf("nested result = %d, want 6", got)
	}
}

func TestRecorderEvents(t *testing.T) {
	rec := trace.NewRecorder(0)
	r := NewRegistry[int, int]("rec", WithLogger(glog.NewNop()), WithRecorder(rec))

	h := mustRegister(t, r, func(c *Cursor[int, int], x int) int { return c.CallOriginal(x) }, PriorityHigh)
	r.CallChain(func(x int) int { return x }, 0)
	h.Disable()
	h.Disable()
	r.UnregisterHook(h)

	for tag, want := range map[trace.Tag]int{
		trace.Register:   1,
		trace.Dispatch:   1,
		trace.Original:   1,
		trace.Disable:    1,
		trace.Unregister: 1,
	} {
		if got := rec.Count(tag); got != want {
			t.Errorf("Count(%s) = %d, want %d", tag, got, want)
		}
	}
	if ev := rec.Events()[0]; ev.Chain != "rec" || ev.Annotations["id"] == "" {
		t.Errorf("register event = %+v, want chain rec with id annotation", ev)
	}
}

func TestParsePriority(t *testing.T) {
	tests := []struct {
		in   string
		want Priority
		err  bool
	}{
		{"", PriorityDefault, false},
		{"high", PriorityHigh, false},
		{" Uninterruptable ", PriorityUninterruptable, false},
		{"low", PriorityLow, false},
		{"100", 100, false},
		{"255", 255, false},
		{"256", 0, true},
		{"-1", 0, true},
		{"urgent", 0, true},
	}
	for _, tt := range tests {
		got, err := ParsePriority(tt.in)
		if tt.err {
			if !errors.Is(err, ErrPriority) {
				t.Errorf("ParsePriority(%q) err = %v, want ErrPriority", tt.in, err)
			}
			continue
		}
		if err != nil || got != tt.want {
			t.Errorf("ParsePriority(%q) = %v, %v; want %v", tt.in, got, err, tt.want)
		}
	}
	if PriorityHigh.String() != "high" || Priority(7).String() != "7" {
		t.Errorf("String: %q %q", PriorityHigh.String(), Priority(7).String())
	}
}
