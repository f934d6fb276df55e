package cutover

import (
	"fmt"
	"time"

	"github.com/manicminer/ansible-modules-asg-deployments/cloud"
)

// InvalidInputError rejects an operation before any mutation is attempted.
type InvalidInputError struct {
	Reason string
}

func (e *InvalidInputError) Error() string {
	return "cutover: invalid input: " + e.Reason
}

// AttachError reports a failure to attach a load balancer to the new group.
// By the time it is returned, any attachments made in the same run have been
// rolled back.
type AttachError struct {
	LoadBalancer cloud.LoadBalancer
	Err          error
}

func (e *AttachError) Error() string {
	return fmt.Sprintf("cutover: failed to attach %s %s: %v", e.LoadBalancer.Kind, e.LoadBalancer.ID, e.Err)
}

func (e *AttachError) Unwrap() error { return e.Err }

// HealthTimeoutError reports that the new group never converged to healthy
// within the wait timeout. Unhealthy maps load balancer ID to the instances
// that were not in service at the final poll.
type HealthTimeoutError struct {
	Elapsed   time.Duration
	Unhealthy map[string][]string
}

func (e *HealthTimeoutError) Error() string {
	return fmt.Sprintf("cutover: new group did not report healthy within %s (%d load balancers with unhealthy instances)",
		e.Elapsed, len(e.Unhealthy))
}

// ProviderError wraps a cloud API failure outside the attach phase.
type ProviderError struct {
	Op  string
	Err error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("cutover: %s: %v", e.Op, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// PartialDetachError is returned when the new group is confirmed healthy and
// serving but detaching the retired group failed. The cutover is a partial
// success: traffic is on the promoted group, and the stale attachment on the
// retired group needs a follow-up cleanup rather than a rollback.
type PartialDetachError struct {
	Outcome *Outcome
	Err     error
}

func (e *PartialDetachError) Error() string {
	return fmt.Sprintf("cutover: promoted group %s but failed to detach retired group %s: %v",
		e.Outcome.Promoted, e.Outcome.Retired, e.Err)
}

func (e *PartialDetachError) Unwrap() error { return e.Err }
