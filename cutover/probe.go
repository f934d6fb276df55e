package cutover

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jonboulle/clockwork"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/manicminer/ansible-modules-asg-deployments/cloud"
)

// HealthProbe reads instance registration health for a group behind a single
// load balancer. Transient provider errors are retried with bounded
// exponential backoff; a missing group or load balancer is surfaced
// immediately because it means the caller passed a stale identifier.
type HealthProbe struct {
	// MaxRetries bounds how many times a failed read is retried.
	MaxRetries uint64
	// RetryInterval is the initial backoff between retries.
	RetryInterval time.Duration

	binder cloud.LoadBalancerBinder
	clock  clockwork.Clock
	log    logrus.FieldLogger
}

// NewHealthProbe returns a probe reading through the given binder.
func NewHealthProbe(binder cloud.LoadBalancerBinder, log logrus.FieldLogger) *HealthProbe {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &HealthProbe{
		MaxRetries:    4,
		RetryInterval: time.Second,
		binder:        binder,
		clock:         clockwork.NewRealClock(),
		log:           log,
	}
}

// Poll returns the registration state of every instance of the group on the
// given load balancer. A group with no instances yields an empty map, not an
// error. Instances the load balancer does not report at all are returned in
// the unknown state.
func (p *HealthProbe) Poll(ctx context.Context, group *cloud.Group, lb cloud.LoadBalancer) (map[string]cloud.InstanceHealth, error) {
	if len(group.Instances) == 0 {
		return map[string]cloud.InstanceHealth{}, nil
	}

	var raw map[string]cloud.InstanceHealth
	operation := func() error {
		m, err := p.binder.InstanceHealth(ctx, group.ID, lb.ID)
		if err != nil {
			if cloud.IsTransient(err) {
				p.log.WithError(err).WithField("load_balancer", lb.ID).
					Debug("transient error reading instance health, retrying")
				return err
			}
			return backoff.Permanent(err)
		}
		raw = m
		return nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = p.RetryInterval
	policy.MaxElapsedTime = 0
	if err := backoff.Retry(operation, backoff.WithContext(backoff.WithMaxRetries(policy, p.MaxRetries), ctx)); err != nil {
		return nil, errors.Wrapf(err, "polling instance health of group %s on %s", group.ID, lb.ID)
	}

	health := make(map[string]cloud.InstanceHealth, len(group.Instances))
	for _, inst := range group.Instances {
		h, ok := raw[inst.ID]
		if !ok {
			h = cloud.InstanceHealth{
				InstanceID: inst.ID,
				State:      cloud.StateUnknown,
				CheckedAt:  p.clock.Now(),
			}
		}
		health[inst.ID] = h
	}
	return health, nil
}
