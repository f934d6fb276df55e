package aws

import (
	"context"
	"time"

	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/elb"
	"github.com/aws/aws-sdk-go/service/elbv2"
	"github.com/cenkalti/backoff/v4"

	"github.com/manicminer/ansible-modules-asg-deployments/cloud"
)

// translate maps AWS errors onto the cloud error classes so callers can
// decide between retrying, failing fast and treating an identifier as stale.
func translate(err error) error {
	if err == nil {
		return nil
	}
	if isNotFound(err) {
		return &cloud.NotFoundError{Resource: "resource", Err: err}
	}
	if isTransient(err) {
		return &cloud.TransientError{Err: err}
	}
	return err
}

func isNotFound(err error) bool {
	aerr, ok := err.(awserr.Error)
	if !ok {
		return false
	}
	switch aerr.Code() {
	// elbv2.ErrCodeLoadBalancerNotFoundException has the same string value
	// as elb.ErrCodeAccessPointNotFoundException, so it is covered here too.
	case elb.ErrCodeAccessPointNotFoundException,
		elbv2.ErrCodeTargetGroupNotFoundException:
		return true
	}
	return false
}

func isTransient(err error) bool {
	if request.IsErrorThrottle(err) || request.IsErrorRetryable(err) {
		return true
	}
	aerr, ok := err.(awserr.Error)
	if !ok {
		return false
	}
	switch aerr.Code() {
	case "ServiceUnavailable", "InternalFailure", "RequestTimeout":
		return true
	}
	return false
}

// retryConfig is the small fixed retry budget applied to mutating provider
// calls. Transient failures are retried with exponential backoff;
// everything else propagates immediately.
type retryConfig struct {
	maxRetries      uint64
	initialInterval time.Duration
	maxInterval     time.Duration
}

var defaultRetryConfig = retryConfig{
	maxRetries:      4,
	initialInterval: time.Second,
	maxInterval:     10 * time.Second,
}

func (r retryConfig) do(ctx context.Context, fn func() error) error {
	operation := func() error {
		err := fn()
		if err == nil {
			return nil
		}
		if cloud.IsTransient(err) {
			return err
		}
		return backoff.Permanent(err)
	}
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = r.initialInterval
	policy.MaxInterval = r.maxInterval
	policy.MaxElapsedTime = 0
	return backoff.Retry(operation, backoff.WithContext(backoff.WithMaxRetries(policy, r.maxRetries), ctx))
}
