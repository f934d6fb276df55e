package cloud

import (
	"context"
	"time"
)

// Kind distinguishes the load balancing technologies an auto scaling group
// can be attached to.
type Kind string

const (
	// KindClassicELB is a classic elastic load balancer, addressed by name.
	KindClassicELB Kind = "classic-elb"
	// KindTargetGroup is an ALB/NLB target group, addressed by ARN.
	KindTargetGroup Kind = "target-group"
)

// LoadBalancer identifies a single load balancer of a particular kind.
type LoadBalancer struct {
	ID   string
	Kind Kind
}

// InstanceState is the registration state of an instance as reported by a
// load balancer.
type InstanceState string

const (
	StateRegistering  InstanceState = "registering"
	StateInService    InstanceState = "in-service"
	StateOutOfService InstanceState = "out-of-service"
	StateUnknown      InstanceState = "unknown"
)

// InstanceHealth is the registration state of one instance on one load
// balancer at the time it was checked. It is recomputed on every poll and
// never persisted.
type InstanceHealth struct {
	InstanceID string
	State      InstanceState
	CheckedAt  time.Time
}

// GroupInstance is an instance as the auto scaling group itself sees it.
type GroupInstance struct {
	ID             string
	LifecycleState string
	HealthStatus   string
}

// InService reports whether the group considers the instance live and healthy.
func (i GroupInstance) InService() bool {
	return i.LifecycleState == "InService" && i.HealthStatus == "Healthy"
}

// Group is a point-in-time description of an auto scaling group. The cloud
// provider is the source of truth; callers read snapshots and issue
// attach/detach mutations through a LoadBalancerBinder.
type Group struct {
	ID                     string
	HealthCheckType        string
	HealthCheckGracePeriod int64
	MinSize                int64
	MaxSize                int64
	DesiredCapacity        int64
	Instances              []GroupInstance
	LoadBalancerNames      []string
	TargetGroupARNs        []string
	Tags                   map[string]string
}

// AttachedTo returns the identifiers of the load balancers of the given kind
// attached to the group at the time it was described.
func (g *Group) AttachedTo(kind Kind) []string {
	switch kind {
	case KindClassicELB:
		return g.LoadBalancerNames
	case KindTargetGroup:
		return g.TargetGroupARNs
	}
	return nil
}

// InstanceIDs returns the identifiers of the group's member instances.
func (g *Group) InstanceIDs() []string {
	ids := make([]string, 0, len(g.Instances))
	for _, inst := range g.Instances {
		ids = append(ids, inst.ID)
	}
	return ids
}

// LoadBalancerBinder abstracts attach/detach/health over one load balancing
// technology. Attach and Detach are idempotent: attaching an association
// that already exists, or detaching one that does not, is a no-op.
type LoadBalancerBinder interface {
	Kind() Kind
	Attach(ctx context.Context, groupID, lbID string) error
	Detach(ctx context.Context, groupID, lbID string) error
	Attached(ctx context.Context, groupID string) ([]string, error)
	InstanceHealth(ctx context.Context, groupID, lbID string) (map[string]InstanceHealth, error)
}

// GroupService reads and mutates auto scaling groups themselves.
type GroupService interface {
	DescribeGroup(ctx context.Context, id string) (*Group, error)
	FindGroupsByTags(ctx context.Context, tags map[string]string) ([]*Group, error)
	SetGroupTags(ctx context.Context, id string, tags map[string]string) error
	EnableELBHealthCheck(ctx context.Context, group *Group) error
}
