// Package statemachine encodes the legal Run status transitions.
//
// The graph is fixed:
//
//	created → planning → waiting_approval → executing → rendering → quality_check → completed
//	planning → rendering (no approval gate)
//	quality_check → rendering (fix loop, guarded)
//
// failed and cancelled are reachable from every non-terminal state.
// Terminal states accept no transitions.
package statemachine

import (
	"errors"
	"fmt"

	"github.com/petrijr/deckflow/pkg/api"
)

// ErrIllegalTransition is returned for edges outside the graph or whose
// guard does not hold.
var ErrIllegalTransition = errors.New("illegal run transition")

// Guard carries the facts some edges depend on.
type Guard struct {
	// HasApprovalStep must be set for planning → waiting_approval.
	HasApprovalStep bool
	// Approved must be set for waiting_approval → executing.
	Approved bool
	// FixLoops and MaxFixLoops guard quality_check → rendering.
	FixLoops    int
	MaxFixLoops int
}

var edges = map[api.RunStatus][]api.RunStatus{
	api.RunCreated:         {api.RunPlanning},
	api.RunPlanning:        {api.RunWaitingApproval, api.RunRendering},
	api.RunWaitingApproval: {api.RunExecuting},
	api.RunExecuting:       {api.RunRendering},
	api.RunRendering:       {api.RunQualityCheck},
	api.RunQualityCheck:    {api.RunRendering, api.RunCompleted},
}

// Allowed reports whether to is a graph edge from from, ignoring guards.
func Allowed(from, to api.RunStatus) bool {
	if from.Terminal() {
		return false
	}
	if to == api.RunFailed || to == api.RunCancelled {
		return true
	}
	for _, s := range edges[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Transition validates from → to under g.
func Transition(from, to api.RunStatus, g Guard) error {
	if !Allowed(from, to) {
		return fmt.Errorf("%w: %s → %s", ErrIllegalTransition, from, to)
	}
	switch {
	case from == api.RunPlanning && to == api.RunWaitingApproval && !g.HasApprovalStep:
		return fmt.Errorf("%w: %s → %s without an approval step", ErrIllegalTransition, from, to)
	case from == api.RunWaitingApproval && to == api.RunExecuting && !g.Approved:
		return fmt.Errorf("%w: %s → %s without approval", ErrIllegalTransition, from, to)
	case from == api.RunQualityCheck && to == api.RunRendering:
		if g.FixLoops < 1 || g.FixLoops > g.MaxFixLoops {
			return fmt.Errorf("%w: %s → %s with fix loop %d of %d", ErrIllegalTransition, from, to, g.FixLoops, g.MaxFixLoops)
		}
	}
	return nil
}

// Path returns the shortest sequence of statuses leading from from to to,
// excluding from. The engine uses it to advance a run across phases whose
// steps were skipped, for example created → planning → rendering. ok is
// false when to is unreachable.
func Path(from, to api.RunStatus) (path []api.RunStatus, ok bool) {
	if from == to {
		return nil, true
	}
	type node struct {
		s    api.RunStatus
		path []api.RunStatus
	}
	seen := map[api.RunStatus]bool{from: true}
	queue := []node{{s: from}}
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		for _, next := range edges[n.s] {
			if seen[next] {
				continue
			}
			p := append(append([]api.RunStatus(nil), n.path...), next)
			if next == to {
				return p, true
			}
			seen[next] = true
			queue = append(queue, node{s: next, path: p})
		}
	}
	if Allowed(from, to) {
		return []api.RunStatus{to}, true
	}
	return nil, false
}
