package metrics

import (
	"strings"
	"testing"
)

func TestRecorderCustom(t *testing.T) {
	r := NewRecorder(NewRegistry())
	var got []Sample
	r.Subscribe(func(s Sample) { got = append(got, s) })

	r.RecordCustom("crash", map[string]string{"axis": "X"},
		map[string]float64{"sens": 2, "speed": 35.5})

	g, ok := r.Registry().Get("crashd_crash_speed").(*Gauge)
	if !ok {
		t.Fatal("crashd_crash_speed gauge not registered")
	}
	if v := g.Get(Labels{"axis": "X"}); v != 35.5 {
		t.Errorf("speed = %v", v)
	}
	if len(got) != 1 || got[0].Kind != KindCustom || got[0].Name != "crash" || got[0].Values["sens"] != 2 {
		t.Errorf("samples = %+v", got)
	}
}

func TestRecorderEvent(t *testing.T) {
	r := NewRecorder(NewRegistry())
	r.RecordEvent("crash_repeated")
	r.RecordEvent("crash_repeated")

	out := r.Registry().Gather()
	if !strings.Contains(out, "crashd_crash_repeated_total 2\n") {
		t.Errorf("Gather = %s", out)
	}
}
