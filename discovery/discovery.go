// Package discovery resolves auto scaling groups by their deployment-state
// tags. A fleet is a set of groups sharing an app tag; the tooling moves each
// group through pre, live and post as deployments promote and retire it.
package discovery

import (
	"context"
	"sort"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/manicminer/ansible-modules-asg-deployments/cloud"
)

// Tag keys understood by the deployment tooling.
const (
	TagApp   = "app"
	TagState = "deploy_state"
)

// Deployment states a group moves through.
const (
	StatePre  = "pre"
	StateLive = "live"
	StatePost = "post"
)

// Descriptor is the subset of group fields the workflow layer needs to
// sequence a cutover.
type Descriptor struct {
	ID              string
	HealthCheckType string
	Tags            map[string]string
}

// Service finds and retags groups. The cutover engine itself never touches
// tags; resolved identifiers are passed to it as plain values.
type Service struct {
	groups cloud.GroupService
	log    logrus.FieldLogger
}

func New(groups cloud.GroupService, log logrus.FieldLogger) *Service {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Service{groups: groups, log: log}
}

// FindByState returns the app's groups in the given deployment state,
// ordered by name.
func (s *Service) FindByState(ctx context.Context, app, state string) ([]Descriptor, error) {
	groups, err := s.groups.FindGroupsByTags(ctx, map[string]string{TagApp: app, TagState: state})
	if err != nil {
		return nil, errors.Wrapf(err, "discovery: failed to find %s groups for app %s", state, app)
	}
	descriptors := make([]Descriptor, 0, len(groups))
	for _, g := range groups {
		descriptors = append(descriptors, Descriptor{
			ID:              g.ID,
			HealthCheckType: g.HealthCheckType,
			Tags:            g.Tags,
		})
	}
	sort.Slice(descriptors, func(i, j int) bool { return descriptors[i].ID < descriptors[j].ID })
	return descriptors, nil
}

// Resolve returns the group to promote and the currently live group for an
// app. Exactly one group must be tagged pre; at most one may be tagged live.
// An empty currentGroup means this is the app's first deployment.
func (s *Service) Resolve(ctx context.Context, app string) (newGroup, currentGroup string, err error) {
	pre, err := s.FindByState(ctx, app, StatePre)
	if err != nil {
		return "", "", err
	}
	if len(pre) == 0 {
		return "", "", errors.Errorf("discovery: no group tagged %s=%s for app %s", TagState, StatePre, app)
	}
	if len(pre) > 1 {
		return "", "", errors.Errorf("discovery: %d groups tagged %s=%s for app %s, want exactly one",
			len(pre), TagState, StatePre, app)
	}

	live, err := s.FindByState(ctx, app, StateLive)
	if err != nil {
		return "", "", err
	}
	if len(live) > 1 {
		return "", "", errors.Errorf("discovery: %d groups tagged %s=%s for app %s, want at most one",
			len(live), TagState, StateLive, app)
	}
	if len(live) == 1 {
		currentGroup = live[0].ID
	}
	return pre[0].ID, currentGroup, nil
}

// Promote rewrites deployment-state tags after a successful cutover: the
// promoted group becomes live and the retired group becomes post. Run this
// only once the cutover has returned success, so a failed cutover leaves the
// tags describing reality.
func (s *Service) Promote(ctx context.Context, promoted, retired string) error {
	if err := s.groups.SetGroupTags(ctx, promoted, map[string]string{TagState: StateLive}); err != nil {
		return errors.Wrapf(err, "discovery: failed to tag group %s as %s", promoted, StateLive)
	}
	s.log.WithField("group", promoted).Info("tagged group live")
	if retired == "" {
		return nil
	}
	if err := s.groups.SetGroupTags(ctx, retired, map[string]string{TagState: StatePost}); err != nil {
		return errors.Wrapf(err, "discovery: failed to tag group %s as %s", retired, StatePost)
	}
	s.log.WithField("group", retired).Info("tagged group post")
	return nil
}
