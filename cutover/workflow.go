package cutover

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"

	"github.com/manicminer/ansible-modules-asg-deployments/cloud"
)

// SwapOperation is a full blue-green swap: the core cutover plus the
// optional follow-up work on the retired group.
type SwapOperation struct {
	Operation

	// Standby is attached to the retired group once it is out of production,
	// keeping it behind a load balancer so it can be rolled back to later.
	Standby []cloud.LoadBalancer
	// WaitDeregister waits until the retired group's instances disappear
	// from the promoted load balancers before returning.
	WaitDeregister bool
	// VerifyStandby additionally waits for the retired group's instances to
	// report in service on the standby load balancers.
	VerifyStandby bool
}

// GroupReport describes a group's attachments and instance status after a
// swap.
type GroupReport struct {
	Name           string
	LoadBalancers  []string
	InstanceIDs    []string
	InstanceStatus map[string]string
}

// SwapResult is the terminal report of a successful swap.
type SwapResult struct {
	Outcome  *Outcome
	NewGroup GroupReport
	// OldGroup is nil when there was no prior live group.
	OldGroup *GroupReport
}

// Swap runs a cutover and then parks the retired group: optionally waits for
// its instances to deregister from the promoted load balancers, attaches the
// standby set, and optionally verifies the retired instances come up healthy
// on standby. Failures after the cutover itself do not roll the promotion
// back; the new group stays live.
func (e *Engine) Swap(ctx context.Context, op SwapOperation) (*SwapResult, error) {
	// Snapshot the retired group's membership before the cutover: the
	// deregistration wait needs to know which instances to watch for.
	var retired *cloud.Group
	if op.CurrentGroup != "" {
		g, err := e.groups.DescribeGroup(ctx, op.CurrentGroup)
		if err != nil && !cloud.IsNotFound(err) {
			return nil, &ProviderError{Op: fmt.Sprintf("describe group %s", op.CurrentGroup), Err: err}
		}
		retired = g
	}

	outcome, err := e.Cutover(ctx, op.Operation)
	if err != nil {
		return nil, err
	}

	if retired != nil && outcome.Retired != "" {
		if op.WaitDeregister {
			if err := e.waitDeregistered(ctx, retired, op.LoadBalancers, op.WaitTimeout); err != nil {
				return nil, err
			}
		}
		if len(op.Standby) > 0 {
			if err := e.attachStandby(ctx, retired, op.Standby); err != nil {
				return nil, err
			}
			if op.VerifyStandby {
				if err := e.waitHealthy(ctx, retired.ID, op.Standby, op.WaitTimeout); err != nil {
					return nil, err
				}
			}
		}
	}

	result := &SwapResult{Outcome: outcome}
	newGroup, err := e.groups.DescribeGroup(ctx, op.NewGroup)
	if err != nil {
		return nil, &ProviderError{Op: fmt.Sprintf("describe group %s", op.NewGroup), Err: err}
	}
	result.NewGroup = buildReport(newGroup, op.LoadBalancers)
	if retired != nil && outcome.Retired != "" {
		g, err := e.groups.DescribeGroup(ctx, outcome.Retired)
		if err != nil {
			return nil, &ProviderError{Op: fmt.Sprintf("describe group %s", outcome.Retired), Err: err}
		}
		report := buildReport(g, op.Standby)
		result.OldGroup = &report
	}
	return result, nil
}

// attachStandby puts the retired group behind the standby load balancers.
// Already-present associations are left alone.
func (e *Engine) attachStandby(ctx context.Context, group *cloud.Group, standby []cloud.LoadBalancer) error {
	for _, lb := range standby {
		if _, ok := e.binders[lb.Kind]; !ok {
			return &InvalidInputError{Reason: fmt.Sprintf("no binder for standby load balancer kind %q", lb.Kind)}
		}
	}
	attached, err := e.attachedSets(ctx, group.ID, standby)
	if err != nil {
		return err
	}
	for _, lb := range standby {
		if attached[lb.Kind][lb.ID] {
			continue
		}
		if err := e.binders[lb.Kind].Attach(ctx, group.ID, lb.ID); err != nil {
			return &ProviderError{Op: fmt.Sprintf("attach standby %s to group %s", lb.ID, group.ID), Err: err}
		}
	}
	if group.HealthCheckType == "ELB" {
		if err := e.groups.EnableELBHealthCheck(ctx, group); err != nil {
			return &ProviderError{Op: fmt.Sprintf("enable ELB health check on group %s", group.ID), Err: err}
		}
	}
	return nil
}

// waitDeregistered polls the promoted load balancers until none of the
// retired group's instances are reported in service or registering on them.
func (e *Engine) waitDeregistered(ctx context.Context, retired *cloud.Group, lbs []cloud.LoadBalancer, timeout time.Duration) error {
	start := e.clock.Now()
	deadline := start.Add(timeout)
	for {
		lingering, err := e.pollLingering(ctx, retired, lbs)
		if err != nil {
			return err
		}
		if len(lingering) == 0 {
			return nil
		}

		now := e.clock.Now()
		if !now.Before(deadline) {
			return errors.Errorf("cutover: timed out after %s waiting for %d retired instances to deregister",
				now.Sub(start), len(lingering))
		}
		wait := e.pollInterval
		if remaining := deadline.Sub(now); remaining < wait {
			wait = remaining
		}
		select {
		case <-ctx.Done():
			return errors.Wrap(ctx.Err(), "cutover: deregistration wait interrupted")
		case <-e.clock.After(wait):
		}
	}
}

// pollLingering returns the retired instances still registered on any of the
// load balancers. An instance counts deregistered once no load balancer
// reports it in service or registering.
func (e *Engine) pollLingering(ctx context.Context, retired *cloud.Group, lbs []cloud.LoadBalancer) ([]string, error) {
	lingering := make(map[string]bool)
	for _, lb := range lbs {
		health, err := e.probes[lb.Kind].Poll(ctx, retired, lb)
		if err != nil {
			return nil, &ProviderError{Op: fmt.Sprintf("poll instance health on %s", lb.ID), Err: err}
		}
		for id, h := range health {
			if h.State == cloud.StateInService || h.State == cloud.StateRegistering {
				lingering[id] = true
			}
		}
	}
	ids := make([]string, 0, len(lingering))
	for id := range lingering {
		ids = append(ids, id)
	}
	return ids, nil
}

func buildReport(group *cloud.Group, lbs []cloud.LoadBalancer) GroupReport {
	report := GroupReport{
		Name:           group.ID,
		InstanceIDs:    group.InstanceIDs(),
		InstanceStatus: make(map[string]string, len(group.Instances)),
	}
	for _, lb := range lbs {
		report.LoadBalancers = append(report.LoadBalancers, lb.ID)
	}
	for _, inst := range group.Instances {
		report.InstanceStatus[inst.ID] = fmt.Sprintf("%s/%s", inst.LifecycleState, inst.HealthStatus)
	}
	return report
}
