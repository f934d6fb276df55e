// Package cutover implements health-gated blue-green promotion of a load
// balancer set between two auto scaling groups. The engine attaches the load
// balancers to the new group, waits for its instances to report in service,
// and only then detaches the old group, so the load balancers are attached to
// a group with known-good capacity at every point. A cutover that never
// confirms healthy is rolled back to its starting state.
package cutover

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/jonboulle/clockwork"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/manicminer/ansible-modules-asg-deployments/cloud"
	"github.com/manicminer/ansible-modules-asg-deployments/rollback"
)

const (
	// DefaultPollInterval is how often instance health is re-read while
	// waiting for the new group to converge.
	DefaultPollInterval = 10 * time.Second
	// DefaultWaitTimeout bounds the confirm phase when the caller does not
	// say otherwise.
	DefaultWaitTimeout = 5 * time.Minute
)

// Operation is a single cutover request. It is created by the caller,
// consumed by one Engine.Cutover invocation, and never outlives it: there is
// no persisted queue or resumable checkpoint. Re-running an identical
// operation after a crash converges to the same terminal state because
// attach and detach are no-ops on already-correct associations.
type Operation struct {
	// CurrentGroup is the group presently serving production traffic.
	// Empty means there is no prior live group and the detach phase is
	// skipped.
	CurrentGroup string
	// NewGroup is the group being promoted.
	NewGroup string
	// LoadBalancers is the set of load balancers to move. Must be non-empty.
	LoadBalancers []cloud.LoadBalancer
	// WaitTimeout bounds the confirm phase only; attach and detach calls use
	// the provider retry budget.
	WaitTimeout time.Duration
	// StartedAt is stamped by the engine when the operation begins.
	StartedAt time.Time
}

// Outcome is the terminal result of a successful cutover.
type Outcome struct {
	Promoted string
	// Retired is empty when there was no prior live group.
	Retired string
	Elapsed time.Duration
}

// Engine drives the attach, confirm, detach state machine. It owns cutover
// correctness and nothing else: group discovery, tag rewriting and group
// termination belong to the caller. The engine does not lock the groups it
// mutates; it is up to the caller to run at most one cutover per group set
// at a time.
type Engine struct {
	groups          cloud.GroupService
	binders         map[cloud.Kind]cloud.LoadBalancerBinder
	probes          map[cloud.Kind]*HealthProbe
	clock           clockwork.Clock
	log             logrus.FieldLogger
	pollInterval    time.Duration
	disableRollback bool
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock substitutes the engine's clock. Tests use a fake clock to drive
// the confirm phase without wall-clock waits.
func WithClock(c clockwork.Clock) Option {
	return func(e *Engine) { e.clock = c }
}

// WithLogger sets the logger for the engine and its probes.
func WithLogger(log logrus.FieldLogger) Option {
	return func(e *Engine) { e.log = log }
}

// WithPollInterval overrides the confirm-phase poll interval.
func WithPollInterval(d time.Duration) Option {
	return func(e *Engine) { e.pollInterval = d }
}

// WithoutRollback leaves attachments in place when a cutover fails, so an
// operator can inspect the half-finished state before cleaning up.
func WithoutRollback() Option {
	return func(e *Engine) { e.disableRollback = true }
}

// NewEngine builds an engine over the given group service and one binder per
// load balancer kind.
func NewEngine(groups cloud.GroupService, binders []cloud.LoadBalancerBinder, opts ...Option) (*Engine, error) {
	if groups == nil {
		return nil, errors.New("cutover: group service is required")
	}
	if len(binders) == 0 {
		return nil, errors.New("cutover: at least one load balancer binder is required")
	}

	e := &Engine{
		groups:       groups,
		binders:      make(map[cloud.Kind]cloud.LoadBalancerBinder, len(binders)),
		clock:        clockwork.NewRealClock(),
		log:          logrus.StandardLogger(),
		pollInterval: DefaultPollInterval,
	}
	for _, b := range binders {
		if _, ok := e.binders[b.Kind()]; ok {
			return nil, errors.Errorf("cutover: duplicate binder for kind %s", b.Kind())
		}
		e.binders[b.Kind()] = b
	}
	for _, opt := range opts {
		opt(e)
	}

	e.probes = make(map[cloud.Kind]*HealthProbe, len(e.binders))
	for kind, b := range e.binders {
		e.probes[kind] = NewHealthProbe(b, e.log)
	}
	return e, nil
}

// Cutover runs the state machine: validate, attach the load balancers to the
// new group, confirm its instances are in service on all of them, then
// detach the old group. On attach failure or confirm timeout (or caller
// cancellation) the attachments made by this run are detached again and the
// old group is left exactly as it was.
//
// A detach-phase failure is the one case with no rollback path: the new group
// is already confirmed and serving, so the error is returned as a
// *PartialDetachError alongside the outcome, and the stale attachment on the
// retired group needs a follow-up cleanup.
func (e *Engine) Cutover(ctx context.Context, op Operation) (*Outcome, error) {
	if op.WaitTimeout == 0 {
		op.WaitTimeout = DefaultWaitTimeout
	}
	if err := e.validate(ctx, &op); err != nil {
		return nil, err
	}
	op.StartedAt = e.clock.Now()

	log := e.log.WithFields(logrus.Fields{
		"current_group": op.CurrentGroup,
		"new_group":     op.NewGroup,
	})
	undo := rollback.New(log)

	newGroup, err := e.describeNewGroup(ctx, op.NewGroup)
	if err != nil {
		return nil, err
	}

	log.WithField("load_balancers", len(op.LoadBalancers)).Info("attaching load balancers to new group")
	if err := e.attachAll(ctx, &op, undo); err != nil {
		e.rollback(undo)
		return nil, err
	}

	// Groups using ELB health checks have the check reasserted after the
	// attachments change, mirroring what the provider expects after an
	// attach.
	if newGroup.HealthCheckType == "ELB" {
		if err := e.groups.EnableELBHealthCheck(ctx, newGroup); err != nil {
			e.rollback(undo)
			return nil, &ProviderError{Op: fmt.Sprintf("enable ELB health check on group %s", op.NewGroup), Err: err}
		}
	}

	log.WithField("wait_timeout", op.WaitTimeout).Info("waiting for new group to report healthy")
	if err := e.waitHealthy(ctx, op.NewGroup, op.LoadBalancers, op.WaitTimeout); err != nil {
		e.rollback(undo)
		return nil, err
	}
	log.Info("new group confirmed healthy on all load balancers")

	outcome := &Outcome{Promoted: op.NewGroup}
	if op.CurrentGroup != "" {
		outcome.Retired = op.CurrentGroup
		log.Info("detaching load balancers from retired group")
		if err := e.detachAll(ctx, op.CurrentGroup, op.LoadBalancers); err != nil {
			outcome.Elapsed = e.clock.Since(op.StartedAt)
			return outcome, &PartialDetachError{Outcome: outcome, Err: err}
		}
	}
	outcome.Elapsed = e.clock.Since(op.StartedAt)
	log.WithField("elapsed", outcome.Elapsed).Info("cutover complete")
	return outcome, nil
}

// validate rejects bad input before any mutation. A current group that no
// longer exists is treated as a first deployment, not an error, so re-runs
// after the retired group has been terminated still converge.
func (e *Engine) validate(ctx context.Context, op *Operation) error {
	if op.NewGroup == "" {
		return &InvalidInputError{Reason: "new group is required"}
	}
	if op.CurrentGroup == op.NewGroup {
		return &InvalidInputError{Reason: "current and new group must be distinct"}
	}
	if len(op.LoadBalancers) == 0 {
		return &InvalidInputError{Reason: "load balancer set is empty"}
	}
	if op.WaitTimeout <= 0 {
		return &InvalidInputError{Reason: "wait timeout must be positive"}
	}
	seen := make(map[cloud.LoadBalancer]bool, len(op.LoadBalancers))
	for _, lb := range op.LoadBalancers {
		if lb.ID == "" {
			return &InvalidInputError{Reason: "load balancer with empty identifier"}
		}
		if _, ok := e.binders[lb.Kind]; !ok {
			return &InvalidInputError{Reason: fmt.Sprintf("no binder for load balancer kind %q", lb.Kind)}
		}
		if seen[lb] {
			return &InvalidInputError{Reason: fmt.Sprintf("duplicate load balancer %s", lb.ID)}
		}
		seen[lb] = true
	}

	if op.CurrentGroup != "" {
		if _, err := e.groups.DescribeGroup(ctx, op.CurrentGroup); err != nil {
			if cloud.IsNotFound(err) {
				e.log.WithField("current_group", op.CurrentGroup).
					Warn("current group not found, treating as first deployment")
				op.CurrentGroup = ""
			} else {
				return &ProviderError{Op: fmt.Sprintf("describe group %s", op.CurrentGroup), Err: err}
			}
		}
	}
	return nil
}

// describeNewGroup fetches the new group and rejects a cutover to a fleet
// with no serving capacity: flipping production traffic onto an empty or
// unhealthy group must fail before anything is attached.
func (e *Engine) describeNewGroup(ctx context.Context, id string) (*cloud.Group, error) {
	group, err := e.groups.DescribeGroup(ctx, id)
	if err != nil {
		if cloud.IsNotFound(err) {
			return nil, &InvalidInputError{Reason: fmt.Sprintf("new group %q not found", id)}
		}
		return nil, &ProviderError{Op: fmt.Sprintf("describe group %s", id), Err: err}
	}
	if len(group.Instances) == 0 {
		return nil, &InvalidInputError{Reason: fmt.Sprintf("new group %q has no instances", id)}
	}
	for _, inst := range group.Instances {
		if !inst.InService() {
			return nil, &InvalidInputError{Reason: fmt.Sprintf(
				"instance %s in new group is %s/%s, all instances must be InService and Healthy before cutover",
				inst.ID, inst.LifecycleState, inst.HealthStatus)}
		}
	}
	return group, nil
}

// attachedSets returns, per kind in use, the set of load balancers currently
// attached to the group.
func (e *Engine) attachedSets(ctx context.Context, groupID string, lbs []cloud.LoadBalancer) (map[cloud.Kind]map[string]bool, error) {
	attached := make(map[cloud.Kind]map[string]bool)
	for _, lb := range lbs {
		if _, ok := attached[lb.Kind]; ok {
			continue
		}
		ids, err := e.binders[lb.Kind].Attached(ctx, groupID)
		if err != nil {
			return nil, &ProviderError{Op: fmt.Sprintf("list %s attachments of group %s", lb.Kind, groupID), Err: err}
		}
		set := make(map[string]bool, len(ids))
		for _, id := range ids {
			set[id] = true
		}
		attached[lb.Kind] = set
	}
	return attached, nil
}

// attachAll attaches every load balancer in the set to the new group,
// recording an undo step for each association this run actually created.
// Pre-existing associations are skipped and never rolled back, so a failed
// cutover restores the group's exact pre-operation attachment state.
// Attachment is attempted for every load balancer even after one fails: the
// rollback set has to be complete before the operation backs out.
func (e *Engine) attachAll(ctx context.Context, op *Operation, undo rollback.Rollback) error {
	attached, err := e.attachedSets(ctx, op.NewGroup, op.LoadBalancers)
	if err != nil {
		return err
	}

	var (
		mu     sync.Mutex
		failed = make(map[cloud.LoadBalancer]error)
	)
	var g errgroup.Group
	for _, lb := range op.LoadBalancers {
		lb := lb
		if attached[lb.Kind][lb.ID] {
			e.log.WithField("load_balancer", lb.ID).Debug("already attached to new group, skipping")
			continue
		}
		binder := e.binders[lb.Kind]
		groupID := op.NewGroup
		g.Go(func() error {
			if err := binder.Attach(ctx, groupID, lb.ID); err != nil {
				mu.Lock()
				failed[lb] = err
				mu.Unlock()
				return nil
			}
			mu.Lock()
			undo.AddStep(rollback.Step{
				Name: fmt.Sprintf("detach-%s-from-%s", lb.ID, groupID),
				Fn: func(ctx context.Context) error {
					return binder.Detach(ctx, groupID, lb.ID)
				},
			})
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	if len(failed) == 0 {
		return nil
	}
	for _, lb := range op.LoadBalancers {
		if err, ok := failed[lb]; ok {
			for other, otherErr := range failed {
				if other != lb {
					e.log.WithError(otherErr).WithField("load_balancer", other.ID).
						Warn("additional attach failure")
				}
			}
			return &AttachError{LoadBalancer: lb, Err: err}
		}
	}
	return nil
}

// detachAll removes every load balancer in the set from the group. Load
// balancers not currently attached are skipped, so a re-run issues no
// duplicate detach calls. Detachment is attempted for every load balancer
// even after one fails, and the failures are aggregated.
func (e *Engine) detachAll(ctx context.Context, groupID string, lbs []cloud.LoadBalancer) error {
	attached, err := e.attachedSets(ctx, groupID, lbs)
	if err != nil {
		return err
	}

	var (
		mu   sync.Mutex
		merr *multierror.Error
	)
	var g errgroup.Group
	for _, lb := range lbs {
		lb := lb
		if !attached[lb.Kind][lb.ID] {
			e.log.WithField("load_balancer", lb.ID).Debug("not attached, skipping detach")
			continue
		}
		binder := e.binders[lb.Kind]
		g.Go(func() error {
			if err := binder.Detach(ctx, groupID, lb.ID); err != nil {
				mu.Lock()
				merr = multierror.Append(merr, errors.Wrapf(err, "detach %s from group %s", lb.ID, groupID))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	if merr != nil {
		return &ProviderError{Op: fmt.Sprintf("detach load balancers from group %s", groupID), Err: merr}
	}
	return nil
}

// waitHealthy polls until every in-service instance of the group reports in
// service on every load balancer, the deadline passes, or the caller cancels.
// Cancellation and timeout are equivalent to the caller: both mean the group
// was never confirmed.
func (e *Engine) waitHealthy(ctx context.Context, groupID string, lbs []cloud.LoadBalancer, timeout time.Duration) error {
	start := e.clock.Now()
	deadline := start.Add(timeout)
	for {
		healthy, unhealthy, err := e.pollHealth(ctx, groupID, lbs)
		if err != nil {
			return err
		}
		if healthy {
			return nil
		}

		now := e.clock.Now()
		if !now.Before(deadline) {
			return &HealthTimeoutError{Elapsed: now.Sub(start), Unhealthy: unhealthy}
		}
		wait := e.pollInterval
		if remaining := deadline.Sub(now); remaining < wait {
			wait = remaining
		}
		select {
		case <-ctx.Done():
			return errors.Wrap(ctx.Err(), "cutover: health confirmation interrupted")
		case <-e.clock.After(wait):
		}
	}
}

// pollHealth takes one health reading. A group with no in-service instances
// is never healthy: the cutover must not pass on zero capacity even if the
// group scaled down mid-flight.
func (e *Engine) pollHealth(ctx context.Context, groupID string, lbs []cloud.LoadBalancer) (bool, map[string][]string, error) {
	group, err := e.groups.DescribeGroup(ctx, groupID)
	if err != nil {
		return false, nil, &ProviderError{Op: fmt.Sprintf("describe group %s", groupID), Err: err}
	}

	var serving []cloud.GroupInstance
	for _, inst := range group.Instances {
		if inst.InService() {
			serving = append(serving, inst)
		}
	}
	if len(serving) == 0 {
		return false, map[string][]string{}, nil
	}

	unhealthy := make(map[string][]string)
	for _, lb := range lbs {
		health, err := e.probes[lb.Kind].Poll(ctx, group, lb)
		if err != nil {
			return false, nil, &ProviderError{Op: fmt.Sprintf("poll instance health on %s", lb.ID), Err: err}
		}
		for _, inst := range serving {
			if health[inst.ID].State != cloud.StateInService {
				unhealthy[lb.ID] = append(unhealthy[lb.ID], inst.ID)
			}
		}
	}
	return len(unhealthy) == 0, unhealthy, nil
}

// rollback unwinds this run's attachments. It runs on a fresh context so an
// operator abort that cancelled the cutover does not also cancel the
// restoration of the previous state.
func (e *Engine) rollback(undo rollback.Rollback) {
	if e.disableRollback {
		e.log.Warn("rollback disabled, leaving attachments in place")
		return
	}
	if undo.Len() == 0 {
		return
	}
	if _, err := undo.Run(context.Background()); err != nil {
		e.log.WithError(err).Error("rollback incomplete")
	}
}
