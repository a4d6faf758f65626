package reconcile

import (
	"context"
	"errors"
	"testing"

	"opendut/internal/agent/task"
	"opendut/internal/model"
)

// fakeTask scripts check/make outcomes and records the order of calls in
// a shared log.
type fakeTask struct {
	name string
	log  *[]string

	checkResult task.Fulfilled
	// checkAfter overrides the post-execution check result; defaults to Yes.
	checkAfter  *task.Fulfilled
	makeErr     error
	checkCalled int
}

func (f *fakeTask) Description() string { return f.name }

func (f *fakeTask) check(ctx context.Context) (task.Fulfilled, error) {
	f.checkCalled++
	*f.log = append(*f.log, "check:"+f.name)
	if f.checkCalled > 1 && f.checkAfter != nil {
		return *f.checkAfter, nil
	}
	if f.checkCalled > 1 {
		return task.FulfilledYes, nil
	}
	return f.checkResult, nil
}

func (f *fakeTask) make(ctx context.Context) error {
	*f.log = append(*f.log, "make:"+f.name)
	return f.makeErr
}

func (f *fakeTask) CheckPresent(ctx context.Context) (task.Fulfilled, error) { return f.check(ctx) }
func (f *fakeTask) MakePresent(ctx context.Context) error                    { return f.make(ctx) }
func (f *fakeTask) CheckAbsent(ctx context.Context) (task.Fulfilled, error)  { return f.check(ctx) }
func (f *fakeTask) MakeAbsent(ctx context.Context) error                     { return f.make(ctx) }

func runnerWith(t *testing.T, tasks map[model.ParameterID]*fakeTask) *Runner {
	t.Helper()
	factory := func(p model.Parameter, _ model.PeerConfiguration) task.Task {
		ft, ok := tasks[p.ID]
		if !ok {
			t.Fatalf("no fake task for parameter %s", p.ID)
		}
		return ft
	}
	return NewRunnerWithFactory(model.NewPeerID(), factory, nil)
}

func TestFailedTaskSkipsDependants(t *testing.T) {
	idA := model.NewParameterID()
	idB := model.NewParameterID()
	cfg := model.PeerConfiguration{Parameters: []model.Parameter{
		{ID: idA, Target: model.Present},
		{ID: idB, Target: model.Present, Dependencies: []model.ParameterID{idA}},
	}}

	var log []string
	tasks := map[model.ParameterID]*fakeTask{
		idA: {name: "A", log: &log, checkResult: task.FulfilledNo, makeErr: errors.New("nope")},
		idB: {name: "B", log: &log, checkResult: task.FulfilledNo},
	}

	results, err := runnerWith(t, tasks).Apply(context.Background(), cfg, nil)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	if results[0].ParameterID != idA || results[0].Success {
		t.Errorf("A should have failed: %+v", results[0])
	}
	if results[1].ParameterID != idB || results[1].Success || results[1].Error != "skipped: dependency failed" {
		t.Errorf("B should have been skipped: %+v", results[1])
	}
	for _, entry := range log {
		if entry == "make:B" || entry == "check:B" {
			t.Errorf("B must not run after A failed, log: %v", log)
		}
	}
}

func TestFulfilledCheckSkipsExecution(t *testing.T) {
	id := model.NewParameterID()
	cfg := model.PeerConfiguration{Parameters: []model.Parameter{{ID: id, Target: model.Present}}}

	var log []string
	tasks := map[model.ParameterID]*fakeTask{
		id: {name: "A", log: &log, checkResult: task.FulfilledYes},
	}

	results, err := runnerWith(t, tasks).Apply(context.Background(), cfg, nil)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if !results[0].Success {
		t.Errorf("expected success: %+v", results[0])
	}
	for _, entry := range log {
		if entry == "make:A" {
			t.Error("make must not run when the pre-check is fulfilled")
		}
	}
}

func TestUncheckedPassesAfterExecution(t *testing.T) {
	id := model.NewParameterID()
	cfg := model.PeerConfiguration{Parameters: []model.Parameter{{ID: id, Target: model.Present}}}

	var log []string
	tasks := map[model.ParameterID]*fakeTask{
		id: {name: "A", log: &log, checkResult: task.FulfilledUnchecked},
	}

	results, err := runnerWith(t, tasks).Apply(context.Background(), cfg, nil)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if !results[0].Success {
		t.Errorf("unchecked task should pass after successful execution: %+v", results[0])
	}
	if want := []string{"check:A", "make:A"}; len(log) != len(want) {
		t.Errorf("unexpected call sequence: %v", log)
	}
}

func TestPostCheckFailureFailsTask(t *testing.T) {
	id := model.NewParameterID()
	cfg := model.PeerConfiguration{Parameters: []model.Parameter{{ID: id, Target: model.Present}}}

	var log []string
	after := task.FulfilledNo
	tasks := map[model.ParameterID]*fakeTask{
		id: {name: "A", log: &log, checkResult: task.FulfilledNo, checkAfter: &after},
	}

	results, err := runnerWith(t, tasks).Apply(context.Background(), cfg, nil)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if results[0].Success {
		t.Errorf("task whose post-check reports No must fail: %+v", results[0])
	}
}

func TestAbsentRunsBeforePresentAndUnwindsInReverse(t *testing.T) {
	device := model.NewParameterID()
	route := model.NewParameterID()
	bridge := model.NewParameterID()
	cfg := model.PeerConfiguration{Parameters: []model.Parameter{
		{ID: device, Target: model.Absent},
		{ID: route, Target: model.Absent, Dependencies: []model.ParameterID{device}},
		{ID: bridge, Target: model.Present},
	}}

	var log []string
	tasks := map[model.ParameterID]*fakeTask{
		device: {name: "device", log: &log, checkResult: task.FulfilledNo},
		route:  {name: "route", log: &log, checkResult: task.FulfilledNo},
		bridge: {name: "bridge", log: &log, checkResult: task.FulfilledNo},
	}

	if _, err := runnerWith(t, tasks).Apply(context.Background(), cfg, nil); err != nil {
		t.Fatalf("Apply: %v", err)
	}

	indexOf := func(entry string) int {
		for i, e := range log {
			if e == entry {
				return i
			}
		}
		t.Fatalf("entry %q missing from log %v", entry, log)
		return -1
	}
	// The route sits on top of the device, so it must unwind first; any
	// Present work comes after the Absent phase entirely.
	if indexOf("make:route") > indexOf("make:device") {
		t.Errorf("route must unwind before device: %v", log)
	}
	if indexOf("make:device") > indexOf("make:bridge") {
		t.Errorf("absent phase must complete before present phase: %v", log)
	}
}

func TestFeedbackReportedPerParameter(t *testing.T) {
	id := model.NewParameterID()
	cfg := model.PeerConfiguration{Parameters: []model.Parameter{{ID: id, Target: model.Present}}}

	var log []string
	tasks := map[model.ParameterID]*fakeTask{
		id: {name: "A", log: &log, checkResult: task.FulfilledNo},
	}

	var reported []model.ParameterResult
	_, err := runnerWith(t, tasks).Apply(context.Background(), cfg, func(res model.ParameterResult) {
		reported = append(reported, res)
	})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if len(reported) != 1 || reported[0].ParameterID != id || !reported[0].Success {
		t.Errorf("unexpected feedback: %+v", reported)
	}
}

func TestRejectsDependencyCycle(t *testing.T) {
	idA := model.NewParameterID()
	idB := model.NewParameterID()
	cfg := model.PeerConfiguration{Parameters: []model.Parameter{
		{ID: idA, Target: model.Present, Dependencies: []model.ParameterID{idB}},
		{ID: idB, Target: model.Present, Dependencies: []model.ParameterID{idA}},
	}}

	if _, err := NewRunnerWithFactory(model.NewPeerID(), nil, nil).Apply(context.Background(), cfg, nil); err == nil {
		t.Fatal("expected cycle to be rejected")
	}
}
