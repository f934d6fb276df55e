// Package aws implements the cloud capabilities on top of the AWS Auto
// Scaling, ELB and ELBv2 APIs.
package aws

import (
	"context"
	"sort"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/client"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/autoscaling"
	"github.com/aws/aws-sdk-go/service/elb"
	"github.com/aws/aws-sdk-go/service/elbv2"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/manicminer/ansible-modules-asg-deployments/cloud"
)

// AutoScaling is the subset of the Auto Scaling API the cutover tooling
// uses, declared here so tests can substitute a fake.
type AutoScaling interface {
	DescribeAutoScalingGroupsWithContext(aws.Context, *autoscaling.DescribeAutoScalingGroupsInput, ...request.Option) (*autoscaling.DescribeAutoScalingGroupsOutput, error)
	DescribeAutoScalingGroupsPagesWithContext(aws.Context, *autoscaling.DescribeAutoScalingGroupsInput, func(*autoscaling.DescribeAutoScalingGroupsOutput, bool) bool, ...request.Option) error
	AttachLoadBalancersWithContext(aws.Context, *autoscaling.AttachLoadBalancersInput, ...request.Option) (*autoscaling.AttachLoadBalancersOutput, error)
	DetachLoadBalancersWithContext(aws.Context, *autoscaling.DetachLoadBalancersInput, ...request.Option) (*autoscaling.DetachLoadBalancersOutput, error)
	DescribeLoadBalancersWithContext(aws.Context, *autoscaling.DescribeLoadBalancersInput, ...request.Option) (*autoscaling.DescribeLoadBalancersOutput, error)
	AttachLoadBalancerTargetGroupsWithContext(aws.Context, *autoscaling.AttachLoadBalancerTargetGroupsInput, ...request.Option) (*autoscaling.AttachLoadBalancerTargetGroupsOutput, error)
	DetachLoadBalancerTargetGroupsWithContext(aws.Context, *autoscaling.DetachLoadBalancerTargetGroupsInput, ...request.Option) (*autoscaling.DetachLoadBalancerTargetGroupsOutput, error)
	DescribeLoadBalancerTargetGroupsWithContext(aws.Context, *autoscaling.DescribeLoadBalancerTargetGroupsInput, ...request.Option) (*autoscaling.DescribeLoadBalancerTargetGroupsOutput, error)
	UpdateAutoScalingGroupWithContext(aws.Context, *autoscaling.UpdateAutoScalingGroupInput, ...request.Option) (*autoscaling.UpdateAutoScalingGroupOutput, error)
	CreateOrUpdateTagsWithContext(aws.Context, *autoscaling.CreateOrUpdateTagsInput, ...request.Option) (*autoscaling.CreateOrUpdateTagsOutput, error)
}

// ELB is the classic load balancer health API.
type ELB interface {
	DescribeInstanceHealthWithContext(aws.Context, *elb.DescribeInstanceHealthInput, ...request.Option) (*elb.DescribeInstanceHealthOutput, error)
}

// ELBV2 is the target group health API.
type ELBV2 interface {
	DescribeTargetHealthWithContext(aws.Context, *elbv2.DescribeTargetHealthInput, ...request.Option) (*elbv2.DescribeTargetHealthOutput, error)
}

// Clients bundles the AWS service clients behind the cloud interfaces.
type Clients struct {
	autoScaling AutoScaling
	elb         ELB
	elbv2       ELBV2
	log         logrus.FieldLogger
	retry       retryConfig
}

// New builds Clients from an AWS session.
func New(configProvider client.ConfigProvider) *Clients {
	return NewWithClients(
		autoscaling.New(configProvider),
		elb.New(configProvider),
		elbv2.New(configProvider),
	)
}

// NewWithClients builds Clients from explicit service clients. Tests pass
// fakes implementing the narrow interfaces.
func NewWithClients(as AutoScaling, classic ELB, v2 ELBV2) *Clients {
	return &Clients{
		autoScaling: as,
		elb:         classic,
		elbv2:       v2,
		log:         logrus.StandardLogger(),
		retry:       defaultRetryConfig,
	}
}

// WithLogger sets the logger used by the clients and their binders.
func (c *Clients) WithLogger(log logrus.FieldLogger) *Clients {
	c.log = log
	return c
}

// DescribeGroup returns a snapshot of the named auto scaling group.
func (c *Clients) DescribeGroup(ctx context.Context, id string) (*cloud.Group, error) {
	out, err := c.autoScaling.DescribeAutoScalingGroupsWithContext(ctx, &autoscaling.DescribeAutoScalingGroupsInput{
		AutoScalingGroupNames: aws.StringSlice([]string{id}),
	})
	if err != nil {
		return nil, errors.Wrapf(translate(err), "aws: failed to describe autoscaling group %s", id)
	}
	if len(out.AutoScalingGroups) == 0 {
		return nil, &cloud.NotFoundError{Resource: "autoscaling group " + id}
	}
	if len(out.AutoScalingGroups) > 1 {
		return nil, errors.Errorf("aws: more than one autoscaling group matches %q", id)
	}
	return convertGroup(out.AutoScalingGroups[0]), nil
}

// FindGroupsByTags returns the groups carrying every given tag key/value,
// ordered by name.
func (c *Clients) FindGroupsByTags(ctx context.Context, tags map[string]string) ([]*cloud.Group, error) {
	var groups []*cloud.Group
	err := c.autoScaling.DescribeAutoScalingGroupsPagesWithContext(ctx, &autoscaling.DescribeAutoScalingGroupsInput{},
		func(out *autoscaling.DescribeAutoScalingGroupsOutput, lastPage bool) bool {
			for _, g := range out.AutoScalingGroups {
				group := convertGroup(g)
				if hasTags(group.Tags, tags) {
					groups = append(groups, group)
				}
			}
			return true
		})
	if err != nil {
		return nil, errors.Wrap(translate(err), "aws: failed to list autoscaling groups")
	}
	sort.Slice(groups, func(i, j int) bool { return groups[i].ID < groups[j].ID })
	return groups, nil
}

// SetGroupTags creates or overwrites the given tags on a group. Tags set
// here are not propagated to instances launched later.
func (c *Clients) SetGroupTags(ctx context.Context, id string, tags map[string]string) error {
	awsTags := make([]*autoscaling.Tag, 0, len(tags))
	for k, v := range tags {
		awsTags = append(awsTags, &autoscaling.Tag{
			ResourceId:        aws.String(id),
			ResourceType:      aws.String("auto-scaling-group"),
			Key:               aws.String(k),
			Value:             aws.String(v),
			PropagateAtLaunch: aws.Bool(false),
		})
	}
	err := c.retry.do(ctx, func() error {
		_, err := c.autoScaling.CreateOrUpdateTagsWithContext(ctx, &autoscaling.CreateOrUpdateTagsInput{Tags: awsTags})
		return translate(err)
	})
	return errors.Wrapf(err, "aws: failed to tag autoscaling group %s", id)
}

// EnableELBHealthCheck reasserts a group's ELB health check configuration.
// Attaching a load balancer does not re-enable the check by itself, so this
// is issued after attachments change on groups with HealthCheckType ELB.
func (c *Clients) EnableELBHealthCheck(ctx context.Context, group *cloud.Group) error {
	err := c.retry.do(ctx, func() error {
		_, err := c.autoScaling.UpdateAutoScalingGroupWithContext(ctx, &autoscaling.UpdateAutoScalingGroupInput{
			AutoScalingGroupName:   aws.String(group.ID),
			HealthCheckType:        aws.String(group.HealthCheckType),
			HealthCheckGracePeriod: aws.Int64(group.HealthCheckGracePeriod),
		})
		return translate(err)
	})
	return errors.Wrapf(err, "aws: failed to update health check of autoscaling group %s", group.ID)
}

func convertGroup(g *autoscaling.Group) *cloud.Group {
	group := &cloud.Group{
		ID:                     aws.StringValue(g.AutoScalingGroupName),
		HealthCheckType:        aws.StringValue(g.HealthCheckType),
		HealthCheckGracePeriod: aws.Int64Value(g.HealthCheckGracePeriod),
		MinSize:                aws.Int64Value(g.MinSize),
		MaxSize:                aws.Int64Value(g.MaxSize),
		DesiredCapacity:        aws.Int64Value(g.DesiredCapacity),
		LoadBalancerNames:      aws.StringValueSlice(g.LoadBalancerNames),
		TargetGroupARNs:        aws.StringValueSlice(g.TargetGroupARNs),
		Tags:                   parseTags(g.Tags),
	}
	for _, inst := range g.Instances {
		group.Instances = append(group.Instances, cloud.GroupInstance{
			ID:             aws.StringValue(inst.InstanceId),
			LifecycleState: aws.StringValue(inst.LifecycleState),
			HealthStatus:   aws.StringValue(inst.HealthStatus),
		})
	}
	return group
}

func parseTags(tags []*autoscaling.TagDescription) map[string]string {
	parsed := make(map[string]string, len(tags))
	for _, tag := range tags {
		parsed[aws.StringValue(tag.Key)] = aws.StringValue(tag.Value)
	}
	return parsed
}

func hasTags(have, want map[string]string) bool {
	for k, v := range want {
		if have[k] != v {
			return false
		}
	}
	return true
}
