package cutover

import (
	"context"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/manicminer/ansible-modules-asg-deployments/cloud"
)

// eventLog records mutations across fakes so tests can assert on ordering.
type eventLog struct {
	mu     sync.Mutex
	events []string
}

func (l *eventLog) add(ev string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

func (l *eventLog) all() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.events...)
}

func (l *eventLog) index(ev string) int {
	for i, e := range l.all() {
		if e == ev {
			return i
		}
	}
	return -1
}

type fakeBinder struct {
	kind cloud.Kind
	mu   sync.Mutex

	attached  map[string]map[string]bool
	health    map[string]map[string]cloud.InstanceState
	healthSeq map[string][]map[string]cloud.InstanceState
	attachErr map[string]error
	detachErr map[string]error
	healthErr map[string][]error

	healthCalls map[string]int

	// invGroups, when set, asserts a detached load balancer is still
	// attached to at least one of these groups.
	invGroups  []string
	violations []string

	events *eventLog
}

func newFakeBinder(kind cloud.Kind, events *eventLog) *fakeBinder {
	if events == nil {
		events = &eventLog{}
	}
	return &fakeBinder{
		kind:        kind,
		attached:    make(map[string]map[string]bool),
		health:      make(map[string]map[string]cloud.InstanceState),
		healthSeq:   make(map[string][]map[string]cloud.InstanceState),
		attachErr:   make(map[string]error),
		detachErr:   make(map[string]error),
		healthErr:   make(map[string][]error),
		healthCalls: make(map[string]int),
		events:      events,
	}
}

func (b *fakeBinder) setAttached(groupID string, lbs ...string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.attached[groupID] == nil {
		b.attached[groupID] = make(map[string]bool)
	}
	for _, lb := range lbs {
		b.attached[groupID][lb] = true
	}
}

func (b *fakeBinder) isAttached(groupID, lbID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.attached[groupID][lbID]
}

func (b *fakeBinder) attachedTo(groupID string) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	var lbs []string
	for lb := range b.attached[groupID] {
		lbs = append(lbs, lb)
	}
	sort.Strings(lbs)
	return lbs
}

func (b *fakeBinder) Kind() cloud.Kind { return b.kind }

func (b *fakeBinder) Attach(ctx context.Context, groupID, lbID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.attachErr[lbID]; err != nil {
		return err
	}
	if b.attached[groupID] == nil {
		b.attached[groupID] = make(map[string]bool)
	}
	if !b.attached[groupID][lbID] {
		b.attached[groupID][lbID] = true
		b.events.add(fmt.Sprintf("attach:%s:%s", groupID, lbID))
	}
	return nil
}

func (b *fakeBinder) Detach(ctx context.Context, groupID, lbID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.detachErr[lbID]; err != nil {
		return err
	}
	if b.attached[groupID][lbID] {
		delete(b.attached[groupID], lbID)
		b.events.add(fmt.Sprintf("detach:%s:%s", groupID, lbID))
		if len(b.invGroups) > 0 {
			still := false
			for _, g := range b.invGroups {
				if b.attached[g][lbID] {
					still = true
				}
			}
			if !still {
				b.violations = append(b.violations, lbID)
			}
		}
	}
	return nil
}

func (b *fakeBinder) Attached(ctx context.Context, groupID string) ([]string, error) {
	return b.attachedTo(groupID), nil
}

func (b *fakeBinder) InstanceHealth(ctx context.Context, groupID, lbID string) (map[string]cloud.InstanceHealth, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.healthCalls[lbID]++
	if q := b.healthErr[lbID]; len(q) > 0 {
		err := q[0]
		b.healthErr[lbID] = q[1:]
		if err != nil {
			return nil, err
		}
	}
	states := b.health[lbID]
	if seq := b.healthSeq[lbID]; len(seq) > 0 {
		states = seq[0]
		if len(seq) > 1 {
			b.healthSeq[lbID] = seq[1:]
		}
	}
	out := make(map[string]cloud.InstanceHealth, len(states))
	now := time.Now()
	for id, st := range states {
		out[id] = cloud.InstanceHealth{InstanceID: id, State: st, CheckedAt: now}
	}
	return out, nil
}

type fakeGroups struct {
	mu                 sync.Mutex
	groups             map[string]*cloud.Group
	describeErr        map[string]error
	healthCheckEnabled []string
}

func newFakeGroups(groups ...*cloud.Group) *fakeGroups {
	f := &fakeGroups{
		groups:      make(map[string]*cloud.Group),
		describeErr: make(map[string]error),
	}
	for _, g := range groups {
		f.groups[g.ID] = g
	}
	return f
}

func (f *fakeGroups) DescribeGroup(ctx context.Context, id string) (*cloud.Group, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.describeErr[id]; err != nil {
		return nil, err
	}
	g, ok := f.groups[id]
	if !ok {
		return nil, &cloud.NotFoundError{Resource: "autoscaling group " + id}
	}
	cp := *g
	return &cp, nil
}

func (f *fakeGroups) FindGroupsByTags(ctx context.Context, tags map[string]string) ([]*cloud.Group, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var ids []string
	for id := range f.groups {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	var out []*cloud.Group
	for _, id := range ids {
		g := f.groups[id]
		match := true
		for k, v := range tags {
			if g.Tags[k] != v {
				match = false
			}
		}
		if match {
			cp := *g
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *fakeGroups) SetGroupTags(ctx context.Context, id string, tags map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	g, ok := f.groups[id]
	if !ok {
		return &cloud.NotFoundError{Resource: "autoscaling group " + id}
	}
	if g.Tags == nil {
		g.Tags = make(map[string]string)
	}
	for k, v := range tags {
		g.Tags[k] = v
	}
	return nil
}

func (f *fakeGroups) EnableELBHealthCheck(ctx context.Context, group *cloud.Group) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.healthCheckEnabled = append(f.healthCheckEnabled, group.ID)
	return nil
}

func servingInstances(ids ...string) []cloud.GroupInstance {
	instances := make([]cloud.GroupInstance, 0, len(ids))
	for _, id := range ids {
		instances = append(instances, cloud.GroupInstance{
			ID:             id,
			LifecycleState: "InService",
			HealthStatus:   "Healthy",
		})
	}
	return instances
}

func healthStates(state cloud.InstanceState, ids ...string) map[string]cloud.InstanceState {
	states := make(map[string]cloud.InstanceState, len(ids))
	for _, id := range ids {
		states[id] = state
	}
	return states
}

func mergeStates(maps ...map[string]cloud.InstanceState) map[string]cloud.InstanceState {
	out := make(map[string]cloud.InstanceState)
	for _, m := range maps {
		for k, v := range m {
			out[k] = v
		}
	}
	return out
}

func quietLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}
