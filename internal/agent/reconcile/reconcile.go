// Package reconcile turns a received PeerConfiguration into an ordered
// run of idempotent host tasks: check-present, make-present, re-check,
// with failed tasks aborting their dependants while independent tasks
// continue.
package reconcile

import (
	"context"
	"fmt"
	"sort"

	"opendut/internal/agent/task"
	"opendut/internal/model"
	"opendut/internal/telemetry"
)

// TaskFactory builds the host task realizing one parameter. The whole
// configuration is passed alongside so a factory can resolve shared
// context such as the bridge name.
type TaskFactory func(p model.Parameter, cfg model.PeerConfiguration) task.Task

// Runner executes configurations against the host. Tasks run strictly
// serially; the runner never interrupts a task mid-execution, a cancelled
// context takes effect between tasks.
type Runner struct {
	selfID  model.PeerID
	netlink *task.Netlink
	logger  telemetry.Logger
	factory TaskFactory
}

func NewRunner(selfID model.PeerID, netlink *task.Netlink, logger telemetry.Logger) *Runner {
	r := &Runner{selfID: selfID, netlink: netlink, logger: logger}
	r.factory = r.defaultTask
	return r
}

// NewRunnerWithFactory injects a custom task factory; tests use this to
// substitute recorded fakes for real host mutations.
func NewRunnerWithFactory(selfID model.PeerID, factory TaskFactory, logger telemetry.Logger) *Runner {
	return &Runner{selfID: selfID, factory: factory, logger: logger}
}

// defaultTask maps a parameter variant to its host task.
func (r *Runner) defaultTask(p model.Parameter, cfg model.PeerConfiguration) task.Task {
	bridge := bridgeNameOf(cfg)
	switch p.Value.Kind {
	case model.ValueEthernetBridge:
		return &task.EthernetBridgeTask{Netlink: r.netlink, Name: p.Value.EthernetBridgeName}
	case model.ValueDeviceInterface:
		return &task.DeviceInterfaceTask{Netlink: r.netlink, Interface: p.Value.DeviceInterface.Name, BridgeName: bridge}
	case model.ValueCanBridge:
		return &task.CanDeviceTask{Netlink: r.netlink, Interface: p.Value.DeviceInterface}
	case model.ValueCanRoute:
		return &task.CanRouteTask{Interface: p.Value.DeviceInterface}
	case model.ValueExecutor:
		if p.Value.Executor.Kind == model.ExecutorKindContainer {
			return &task.ContainerExecutorTask{Executor: p.Value.Executor}
		}
		return &task.NoopTask{Reason: "executable executor has no payload to launch"}
	case model.ValueClusterAssignment:
		return &task.ClusterAssignmentTask{
			Netlink:    r.netlink,
			SelfPeerID: r.selfID,
			Assignment: p.Value.ClusterAssignment,
			BridgeName: bridge,
		}
	default:
		return &task.NoopTask{Reason: fmt.Sprintf("unknown parameter kind %d", p.Value.Kind)}
	}
}

// bridgeNameOf extracts the configured bridge name from the
// configuration's EthernetBridge parameter, if any.
func bridgeNameOf(cfg model.PeerConfiguration) string {
	for _, p := range cfg.Parameters {
		if p.Value.Kind == model.ValueEthernetBridge {
			return p.Value.EthernetBridgeName
		}
	}
	return ""
}

// Apply runs the configuration's parameters in dependency order: Absent
// targets first (dependants before their dependencies, so stacked state
// unwinds top-down), then Present targets in topological order. The
// returned results are in execution order; report, if non-nil, is invoked
// once per parameter as its result is known.
func (r *Runner) Apply(ctx context.Context, cfg model.PeerConfiguration, report func(model.ParameterResult)) ([]model.ParameterResult, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	order, err := topoOrder(cfg.Parameters)
	if err != nil {
		return nil, err
	}

	byID := make(map[model.ParameterID]model.Parameter, len(cfg.Parameters))
	dependants := make(map[model.ParameterID][]model.ParameterID)
	for _, p := range cfg.Parameters {
		byID[p.ID] = p
		for _, dep := range p.Dependencies {
			dependants[dep] = append(dependants[dep], p.ID)
		}
	}

	var absent, present []model.Parameter
	for _, id := range order {
		p := byID[id]
		if p.Target == model.Absent {
			absent = append(absent, p)
		} else {
			present = append(present, p)
		}
	}
	// Absent parameters unwind in reverse dependency order.
	for i, j := 0, len(absent)-1; i < j; i, j = i+1, j-1 {
		absent[i], absent[j] = absent[j], absent[i]
	}

	failed := make(map[model.ParameterID]bool)
	var results []model.ParameterResult

	record := func(res model.ParameterResult) {
		results = append(results, res)
		if report != nil {
			report(res)
		}
	}

	for _, p := range absent {
		if ctx.Err() != nil {
			return results, ctx.Err()
		}
		// Removing a dependency under a still-present (failed-to-remove)
		// dependant would strand the host; skip it.
		if blocked := anyFailed(failed, dependants[p.ID], byID, model.Absent); blocked {
			failed[p.ID] = true
			record(model.ParameterResult{ParameterID: p.ID, Target: p.Target, Success: false, Error: "skipped: dependant removal failed"})
			continue
		}
		record(r.runOne(ctx, p, cfg, failed))
	}

	for _, p := range present {
		if ctx.Err() != nil {
			return results, ctx.Err()
		}
		if blocked := anyFailed(failed, p.Dependencies, byID, model.Present); blocked {
			failed[p.ID] = true
			record(model.ParameterResult{ParameterID: p.ID, Target: p.Target, Success: false, Error: "skipped: dependency failed"})
			continue
		}
		record(r.runOne(ctx, p, cfg, failed))
	}

	return results, nil
}

func anyFailed(failed map[model.ParameterID]bool, ids []model.ParameterID, byID map[model.ParameterID]model.Parameter, target model.Target) bool {
	for _, id := range ids {
		if p, ok := byID[id]; ok && p.Target == target && failed[id] {
			return true
		}
	}
	return false
}

// runOne executes the check/make/re-check protocol for one parameter.
func (r *Runner) runOne(ctx context.Context, p model.Parameter, cfg model.PeerConfiguration, failed map[model.ParameterID]bool) model.ParameterResult {
	t := r.factory(p, cfg)
	res := model.ParameterResult{ParameterID: p.ID, Target: p.Target}

	check := t.CheckPresent
	make_ := t.MakePresent
	if p.Target == model.Absent {
		check = t.CheckAbsent
		make_ = t.MakeAbsent
	}

	fulfilled, err := check(ctx)
	if err != nil {
		failed[p.ID] = true
		res.Error = err.Error()
		r.warnf("%s: pre-check failed: %v", t.Description(), err)
		return res
	}
	if fulfilled == task.FulfilledYes {
		res.Success = true
		return res
	}

	if err := make_(ctx); err != nil {
		failed[p.ID] = true
		res.Error = err.Error()
		r.warnf("%s: execution failed: %v", t.Description(), err)
		return res
	}

	if fulfilled == task.FulfilledUnchecked {
		res.Success = true
		return res
	}

	after, err := check(ctx)
	if err != nil {
		failed[p.ID] = true
		res.Error = err.Error()
		return res
	}
	if after != task.FulfilledYes && after != task.FulfilledUnchecked {
		failed[p.ID] = true
		res.Error = fmt.Sprintf("%s: state not reached after execution", t.Description())
		r.warnf("%s: post-check reports target state not reached", t.Description())
		return res
	}

	res.Success = true
	return res
}

func (r *Runner) warnf(format string, args ...interface{}) {
	if r.logger != nil {
		r.logger.Warnf(format, args...)
	}
}

// topoOrder returns the parameter ids in dependency order (dependencies
// before dependants), stable with respect to the original parameter
// order among ties, and fails on cycles.
func topoOrder(params []model.Parameter) ([]model.ParameterID, error) {
	position := make(map[model.ParameterID]int, len(params))
	indegree := make(map[model.ParameterID]int, len(params))
	dependants := make(map[model.ParameterID][]model.ParameterID)

	for i, p := range params {
		position[p.ID] = i
		indegree[p.ID] += 0
	}
	for _, p := range params {
		for _, dep := range p.Dependencies {
			dependants[dep] = append(dependants[dep], p.ID)
			indegree[p.ID]++
		}
	}

	var ready []model.ParameterID
	for id, deg := range indegree {
		if deg == 0 {
			ready = append(ready, id)
		}
	}

	var order []model.ParameterID
	for len(ready) > 0 {
		sort.Slice(ready, func(i, j int) bool { return position[ready[i]] < position[ready[j]] })
		next := ready[0]
		ready = ready[1:]
		order = append(order, next)
		for _, dependant := range dependants[next] {
			indegree[dependant]--
			if indegree[dependant] == 0 {
				ready = append(ready, dependant)
			}
		}
	}

	if len(order) != len(params) {
		return nil, fmt.Errorf("%w: parameter dependencies form a cycle", model.ErrValidation)
	}
	return order, nil
}
