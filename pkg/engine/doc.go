// Package engine provides the execution model for deckhand pipeline runs.
//
// # Overview
//
// A workflow is compiled into a Plan: one PlanUnit per step, grouped by job.
// Units of a job depend on the previous step of the same job, and the first
// step of a job depends on the last step of every job it needs. The
// DAGBuilder validates those edges, rejects cycles, and derives a stable
// sequential order in which jobs run back to back in declaration order.
//
// # Execution
//
// SequentialScheduler runs one unit at a time:
//
//  1. The StepExecutor evaluates the unit's condition against a UnitState.
//     A false condition skips the unit; it is not a failure.
//  2. The action runs and its outputs are captured in an ExecutionResult.
//  3. The result is persisted through a RunRecorder and an Event is published.
//
// A failed unit marks its group as failed. Later units in that group see
// UnitState.PriorFailure and are skipped unless their condition asks for
// always() or failure(). Nothing is retried and completed units are never
// rolled back. Cancelling the context cancels every unit that has not
// started and the run ends as cancelled.
//
// # Error Classification
//
// Errors carry a class and a code for reporting:
//
//   - Transient: Temporary failures that a later run may not hit
//   - Throttled: Rate limiting by a remote API
//   - Conflict: Competing runs or held locks
//   - Permanent: Non-recoverable errors
//
// # Example Usage
//
//	builder := engine.NewDAGBuilder()
//	graph, err := builder.BuildGraph(plan.Units)
//	plan.Graph, plan.Order = graph, builder.TopologicalOrder()
//
//	sched := engine.NewSequentialScheduler(executor, publisher, recorder)
//	run, err := sched.Execute(ctx, plan, engine.ScheduleOptions{})
//	if run.Status != engine.RunStatusSucceeded {
//	    // inspect run.Error and the unit results
//	}
package engine
