package scheduler

import (
	"reflect"
	"testing"
)

func TestNormalize(t *testing.T) {
	got := Normalize([]string{" 10.0.0.2", "10.0.0.1", "", "10.0.0.2 ", "   "})
	want := []string{"10.0.0.2", "10.0.0.1"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("expected %v got %v", want, got)
	}
}

func TestReconcile(t *testing.T) {
	running := map[string]int{"10.0.0.1": 1, "10.0.0.2": 2, "10.0.0.4": 4}
	plan := Reconcile(running, []string{"10.0.0.3", "10.0.0.2", "10.0.0.5"})

	if !reflect.DeepEqual(plan.Stop, []string{"10.0.0.1", "10.0.0.4"}) {
		t.Fatalf("unexpected stop set %v", plan.Stop)
	}
	if !reflect.DeepEqual(plan.Start, []string{"10.0.0.3", "10.0.0.5"}) {
		t.Fatalf("unexpected start set %v", plan.Start)
	}
	if !reflect.DeepEqual(plan.Update, []string{"10.0.0.2"}) {
		t.Fatalf("unexpected update set %v", plan.Update)
	}
}

func TestReconcileEmptyDesiredStopsEverything(t *testing.T) {
	plan := Reconcile(map[string]bool{"b": true, "a": true}, nil)
	if !reflect.DeepEqual(plan.Stop, []string{"a", "b"}) || len(plan.Start) != 0 || len(plan.Update) != 0 {
		t.Fatalf("unexpected plan %+v", plan)
	}
	if Reconcile(map[string]bool{}, nil).Empty() != true {
		t.Fatalf("expected empty plan")
	}
}
