package trace

import "testing"

func TestRecorderLimit(t *testing.T) {
	r := NewRecorder(2)
	r.Record("a", Register, "1")
	r.Record("a", Dispatch, "2")
	r.Record("a", Unregister, "3").Annotate("id", "7")

	events := r.Events()
	if len(events) != 2 || events[0].Detail != "2" || events[1].Annotations["id"] != "7" {
		t.Fatalf("events = %+v", events)
	}
	if r.Count(Dispatch) != 1 || r.Count(Register) != 0 {
		t.Errorf("Count: dispatch=%d register=%d", r.Count(Dispatch), r.Count(Register))
	}
	if got := r.GetAndClear(); len(got) != 2 || len(r.Events()) != 0 {
		t.Errorf("GetAndClear left %d events", len(r.Events()))
	}
}

func TestNilRecorder(t *testing.T) {
	var r *Recorder
	e := r.Record("x", Install, "slot")
	if e == nil || e.PrimaryTag() != "#install" {
		t.Fatalf("event = %+v", e)
	}
	if r.Events() != nil || r.Count(Install) != 0 || r.GetAndClear() != nil {
		t.Error("nil recorder kept events")
	}
}

func TestTags(t *testing.T) {
	var tags Tags
	tags.Add(Script)
	tags.Add(Script)
	tags.Add(Fallback)
	if len(tags) != 2 || !tags.Has(Fallback) || tags.Primary() != Script {
		t.Errorf("tags = %v", tags)
	}
	if s := tags.Strings(); s[0] != "#script" {
		t.Errorf("Strings = %v", s)
	}
}
