package aws

import (
	"context"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/autoscaling"
	"github.com/aws/aws-sdk-go/service/elb"
	"github.com/aws/aws-sdk-go/service/elbv2"
	"github.com/pkg/errors"

	"github.com/manicminer/ansible-modules-asg-deployments/cloud"
)

// ClassicELBBinder attaches, detaches and reads health for classic elastic
// load balancers.
type ClassicELBBinder struct {
	clients *Clients
}

// ClassicELBBinder returns the binder for classic load balancers.
func (c *Clients) ClassicELBBinder() *ClassicELBBinder {
	return &ClassicELBBinder{clients: c}
}

func (b *ClassicELBBinder) Kind() cloud.Kind { return cloud.KindClassicELB }

func (b *ClassicELBBinder) Attach(ctx context.Context, groupID, lbID string) error {
	c := b.clients
	err := c.retry.do(ctx, func() error {
		_, err := c.autoScaling.AttachLoadBalancersWithContext(ctx, &autoscaling.AttachLoadBalancersInput{
			AutoScalingGroupName: aws.String(groupID),
			LoadBalancerNames:    aws.StringSlice([]string{lbID}),
		})
		return translate(err)
	})
	return errors.Wrapf(err, "aws: failed to attach load balancer %s to group %s", lbID, groupID)
}

func (b *ClassicELBBinder) Detach(ctx context.Context, groupID, lbID string) error {
	c := b.clients
	attached, err := b.Attached(ctx, groupID)
	if err != nil {
		return err
	}
	if !contains(attached, lbID) {
		return nil
	}
	err = c.retry.do(ctx, func() error {
		_, err := c.autoScaling.DetachLoadBalancersWithContext(ctx, &autoscaling.DetachLoadBalancersInput{
			AutoScalingGroupName: aws.String(groupID),
			LoadBalancerNames:    aws.StringSlice([]string{lbID}),
		})
		return translate(err)
	})
	return errors.Wrapf(err, "aws: failed to detach load balancer %s from group %s", lbID, groupID)
}

func (b *ClassicELBBinder) Attached(ctx context.Context, groupID string) ([]string, error) {
	c := b.clients
	var names []string
	var next *string
	for {
		out, err := c.autoScaling.DescribeLoadBalancersWithContext(ctx, &autoscaling.DescribeLoadBalancersInput{
			AutoScalingGroupName: aws.String(groupID),
			NextToken:            next,
		})
		if err != nil {
			return nil, errors.Wrapf(translate(err), "aws: failed to list load balancers of group %s", groupID)
		}
		for _, state := range out.LoadBalancers {
			if aws.StringValue(state.State) == "Removing" {
				continue
			}
			names = append(names, aws.StringValue(state.LoadBalancerName))
		}
		next = out.NextToken
		if aws.StringValue(next) == "" {
			return names, nil
		}
	}
}

func (b *ClassicELBBinder) InstanceHealth(ctx context.Context, groupID, lbID string) (map[string]cloud.InstanceHealth, error) {
	c := b.clients
	out, err := c.elb.DescribeInstanceHealthWithContext(ctx, &elb.DescribeInstanceHealthInput{
		LoadBalancerName: aws.String(lbID),
	})
	if err != nil {
		return nil, errors.Wrapf(translate(err), "aws: failed to describe instance health on load balancer %s", lbID)
	}
	health := make(map[string]cloud.InstanceHealth, len(out.InstanceStates))
	now := time.Now()
	for _, state := range out.InstanceStates {
		id := aws.StringValue(state.InstanceId)
		health[id] = cloud.InstanceHealth{
			InstanceID: id,
			State:      classicState(aws.StringValue(state.State)),
			CheckedAt:  now,
		}
	}
	return health, nil
}

// TargetGroupBinder attaches, detaches and reads health for ALB/NLB target
// groups.
type TargetGroupBinder struct {
	clients *Clients
}

// TargetGroupBinder returns the binder for target groups.
func (c *Clients) TargetGroupBinder() *TargetGroupBinder {
	return &TargetGroupBinder{clients: c}
}

func (b *TargetGroupBinder) Kind() cloud.Kind { return cloud.KindTargetGroup }

func (b *TargetGroupBinder) Attach(ctx context.Context, groupID, tgARN string) error {
	c := b.clients
	err := c.retry.do(ctx, func() error {
		_, err := c.autoScaling.AttachLoadBalancerTargetGroupsWithContext(ctx, &autoscaling.AttachLoadBalancerTargetGroupsInput{
			AutoScalingGroupName: aws.String(groupID),
			TargetGroupARNs:      aws.StringSlice([]string{tgARN}),
		})
		return translate(err)
	})
	return errors.Wrapf(err, "aws: failed to attach target group %s to group %s", tgARN, groupID)
}

func (b *TargetGroupBinder) Detach(ctx context.Context, groupID, tgARN string) error {
	c := b.clients
	attached, err := b.Attached(ctx, groupID)
	if err != nil {
		return err
	}
	if !contains(attached, tgARN) {
		return nil
	}
	err = c.retry.do(ctx, func() error {
		_, err := c.autoScaling.DetachLoadBalancerTargetGroupsWithContext(ctx, &autoscaling.DetachLoadBalancerTargetGroupsInput{
			AutoScalingGroupName: aws.String(groupID),
			TargetGroupARNs:      aws.StringSlice([]string{tgARN}),
		})
		return translate(err)
	})
	return errors.Wrapf(err, "aws: failed to detach target group %s from group %s", tgARN, groupID)
}

func (b *TargetGroupBinder) Attached(ctx context.Context, groupID string) ([]string, error) {
	c := b.clients
	var arns []string
	var next *string
	for {
		out, err := c.autoScaling.DescribeLoadBalancerTargetGroupsWithContext(ctx, &autoscaling.DescribeLoadBalancerTargetGroupsInput{
			AutoScalingGroupName: aws.String(groupID),
			NextToken:            next,
		})
		if err != nil {
			return nil, errors.Wrapf(translate(err), "aws: failed to list target groups of group %s", groupID)
		}
		for _, state := range out.LoadBalancerTargetGroups {
			if aws.StringValue(state.State) == "Removing" {
				continue
			}
			arns = append(arns, aws.StringValue(state.LoadBalancerTargetGroupARN))
		}
		next = out.NextToken
		if aws.StringValue(next) == "" {
			return arns, nil
		}
	}
}

func (b *TargetGroupBinder) InstanceHealth(ctx context.Context, groupID, tgARN string) (map[string]cloud.InstanceHealth, error) {
	c := b.clients
	out, err := c.elbv2.DescribeTargetHealthWithContext(ctx, &elbv2.DescribeTargetHealthInput{
		TargetGroupArn: aws.String(tgARN),
	})
	if err != nil {
		return nil, errors.Wrapf(translate(err), "aws: failed to describe target health of %s", tgARN)
	}
	health := make(map[string]cloud.InstanceHealth, len(out.TargetHealthDescriptions))
	now := time.Now()
	for _, desc := range out.TargetHealthDescriptions {
		if desc.Target == nil {
			continue
		}
		id := aws.StringValue(desc.Target.Id)
		state := ""
		if desc.TargetHealth != nil {
			state = aws.StringValue(desc.TargetHealth.State)
		}
		health[id] = cloud.InstanceHealth{
			InstanceID: id,
			State:      targetState(state),
			CheckedAt:  now,
		}
	}
	return health, nil
}

func classicState(s string) cloud.InstanceState {
	switch s {
	case "InService":
		return cloud.StateInService
	case "OutOfService":
		return cloud.StateOutOfService
	default:
		return cloud.StateUnknown
	}
}

func targetState(s string) cloud.InstanceState {
	switch s {
	case elbv2.TargetHealthStateEnumHealthy:
		return cloud.StateInService
	case elbv2.TargetHealthStateEnumInitial:
		return cloud.StateRegistering
	case elbv2.TargetHealthStateEnumUnhealthy,
		elbv2.TargetHealthStateEnumDraining,
		elbv2.TargetHealthStateEnumUnused:
		return cloud.StateOutOfService
	default:
		return cloud.StateUnknown
	}
}

func contains(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}
