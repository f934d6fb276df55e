package cutover

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/manicminer/ansible-modules-asg-deployments/cloud"
)

const (
	blue  = "webapp-01"
	green = "webapp-02"
)

func newTestEngine(t *testing.T, groups cloud.GroupService, clock clockwork.Clock, binders []cloud.LoadBalancerBinder, opts ...Option) *Engine {
	t.Helper()
	all := append([]Option{
		WithClock(clock),
		WithLogger(quietLogger()),
		WithPollInterval(10 * time.Second),
	}, opts...)
	e, err := NewEngine(groups, binders, all...)
	require.NoError(t, err)
	for _, p := range e.probes {
		p.RetryInterval = time.Millisecond
	}
	return e
}

// successFixture wires two groups, a classic ELB and a target group, with the
// green group immediately healthy everywhere.
func successFixture() (*fakeGroups, *fakeBinder, *fakeBinder, *eventLog, Operation) {
	events := &eventLog{}

	groups := newFakeGroups(
		&cloud.Group{ID: blue, HealthCheckType: "EC2", Instances: servingInstances("i-old1")},
		&cloud.Group{ID: green, HealthCheckType: "ELB", Instances: servingInstances("i-new1", "i-new2")},
	)

	classic := newFakeBinder(cloud.KindClassicELB, events)
	classic.invGroups = []string{blue, green}
	classic.setAttached(blue, "web")
	classic.health["web"] = mergeStates(
		healthStates(cloud.StateInService, "i-new1", "i-new2"),
		healthStates(cloud.StateInService, "i-old1"),
	)

	tg := newFakeBinder(cloud.KindTargetGroup, events)
	tg.invGroups = []string{blue, green}
	tg.setAttached(blue, "tg-1")
	tg.health["tg-1"] = healthStates(cloud.StateInService, "i-new1", "i-new2", "i-old1")

	op := Operation{
		CurrentGroup: blue,
		NewGroup:     green,
		LoadBalancers: []cloud.LoadBalancer{
			{ID: "web", Kind: cloud.KindClassicELB},
			{ID: "tg-1", Kind: cloud.KindTargetGroup},
		},
		WaitTimeout: time.Minute,
	}
	return groups, classic, tg, events, op
}

func TestCutoverSuccess(t *testing.T) {
	groups, classic, tg, events, op := successFixture()
	engine := newTestEngine(t, groups, clockwork.NewFakeClock(), []cloud.LoadBalancerBinder{classic, tg})

	outcome, err := engine.Cutover(context.Background(), op)
	require.NoError(t, err)
	assert.Equal(t, green, outcome.Promoted)
	assert.Equal(t, blue, outcome.Retired)

	assert.True(t, classic.isAttached(green, "web"))
	assert.False(t, classic.isAttached(blue, "web"))
	assert.True(t, tg.isAttached(green, "tg-1"))
	assert.False(t, tg.isAttached(blue, "tg-1"))

	// The new group is attached before the old group loses anything.
	for _, attach := range []string{"attach:" + green + ":web", "attach:" + green + ":tg-1"} {
		for _, detach := range []string{"detach:" + blue + ":web", "detach:" + blue + ":tg-1"} {
			assert.Less(t, events.index(attach), events.index(detach))
		}
	}
	assert.Empty(t, classic.violations)
	assert.Empty(t, tg.violations)

	// Green uses ELB health checks, so the check was reasserted after attach.
	assert.Contains(t, groups.healthCheckEnabled, green)
}

func TestCutoverNoPriorLiveGroup(t *testing.T) {
	groups, classic, tg, events, op := successFixture()
	op.CurrentGroup = ""
	engine := newTestEngine(t, groups, clockwork.NewFakeClock(), []cloud.LoadBalancerBinder{classic, tg})

	outcome, err := engine.Cutover(context.Background(), op)
	require.NoError(t, err)
	assert.Equal(t, green, outcome.Promoted)
	assert.Empty(t, outcome.Retired)

	// Blue is untouched: no detach phase ran.
	assert.True(t, classic.isAttached(blue, "web"))
	assert.True(t, tg.isAttached(blue, "tg-1"))
	for _, ev := range events.all() {
		assert.NotContains(t, ev, "detach:")
	}
}

func TestCutoverCurrentGroupMissing(t *testing.T) {
	groups, classic, tg, _, op := successFixture()
	op.CurrentGroup = "webapp-gone"
	engine := newTestEngine(t, groups, clockwork.NewFakeClock(), []cloud.LoadBalancerBinder{classic, tg})

	outcome, err := engine.Cutover(context.Background(), op)
	require.NoError(t, err)
	assert.Equal(t, green, outcome.Promoted)
	assert.Empty(t, outcome.Retired)
	assert.True(t, classic.isAttached(green, "web"))
}

func TestCutoverRejectsInvalidInput(t *testing.T) {
	cases := map[string]func(op *Operation){
		"same groups":        func(op *Operation) { op.CurrentGroup = op.NewGroup },
		"missing new group":  func(op *Operation) { op.NewGroup = "" },
		"empty lb set":       func(op *Operation) { op.LoadBalancers = nil },
		"negative timeout":   func(op *Operation) { op.WaitTimeout = -time.Second },
		"empty lb id":        func(op *Operation) { op.LoadBalancers[0].ID = "" },
		"unknown lb kind":    func(op *Operation) { op.LoadBalancers[0].Kind = "network-lb" },
		"duplicate lb":       func(op *Operation) { op.LoadBalancers[1] = op.LoadBalancers[0] },
		"unknown new group":  func(op *Operation) { op.NewGroup = "webapp-nope" },
	}

	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			groups, classic, tg, events, op := successFixture()
			engine := newTestEngine(t, groups, clockwork.NewFakeClock(), []cloud.LoadBalancerBinder{classic, tg})
			mutate(&op)

			_, err := engine.Cutover(context.Background(), op)
			var invalid *InvalidInputError
			require.ErrorAs(t, err, &invalid)

			// Rejected before any mutation.
			assert.Empty(t, events.all())
		})
	}
}

func TestCutoverRejectsEmptyOrUnhealthyNewGroup(t *testing.T) {
	t.Run("no instances", func(t *testing.T) {
		groups, classic, tg, events, op := successFixture()
		groups.groups[green].Instances = nil
		engine := newTestEngine(t, groups, clockwork.NewFakeClock(), []cloud.LoadBalancerBinder{classic, tg})

		_, err := engine.Cutover(context.Background(), op)
		var invalid *InvalidInputError
		require.ErrorAs(t, err, &invalid)
		assert.Contains(t, invalid.Reason, "no instances")
		assert.Empty(t, events.all())
	})

	t.Run("instance not in service", func(t *testing.T) {
		groups, classic, tg, events, op := successFixture()
		groups.groups[green].Instances = []cloud.GroupInstance{
			{ID: "i-new1", LifecycleState: "Pending", HealthStatus: "Healthy"},
		}
		engine := newTestEngine(t, groups, clockwork.NewFakeClock(), []cloud.LoadBalancerBinder{classic, tg})

		_, err := engine.Cutover(context.Background(), op)
		var invalid *InvalidInputError
		require.ErrorAs(t, err, &invalid)
		assert.Empty(t, events.all())
	})
}

func TestCutoverHealthTimeoutRollsBack(t *testing.T) {
	events := &eventLog{}
	groups := newFakeGroups(
		&cloud.Group{ID: blue, Instances: servingInstances("i-old1")},
		&cloud.Group{ID: green, Instances: servingInstances("i-new1")},
	)
	classic := newFakeBinder(cloud.KindClassicELB, events)
	classic.invGroups = []string{blue, green}
	classic.setAttached(blue, "web")
	// "keep" was already attached to green before the cutover and must
	// survive the rollback.
	classic.setAttached(green, "keep")
	classic.health["web"] = healthStates(cloud.StateOutOfService, "i-new1")
	classic.health["keep"] = healthStates(cloud.StateInService, "i-new1")

	fc := clockwork.NewFakeClock()
	engine := newTestEngine(t, groups, fc, []cloud.LoadBalancerBinder{classic})

	op := Operation{
		CurrentGroup: blue,
		NewGroup:     green,
		LoadBalancers: []cloud.LoadBalancer{
			{ID: "web", Kind: cloud.KindClassicELB},
			{ID: "keep", Kind: cloud.KindClassicELB},
		},
		WaitTimeout: 30 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		_, err := engine.Cutover(context.Background(), op)
		errCh <- err
	}()

	for i := 0; i < 3; i++ {
		fc.BlockUntil(1)
		fc.Advance(10 * time.Second)
	}
	err := <-errCh

	var timeout *HealthTimeoutError
	require.ErrorAs(t, err, &timeout)
	assert.Equal(t, 30*time.Second, timeout.Elapsed)
	assert.Equal(t, []string{"i-new1"}, timeout.Unhealthy["web"])

	// Green is back to its pre-call attachments, blue untouched.
	assert.Equal(t, []string{"keep"}, classic.attachedTo(green))
	assert.Equal(t, []string{"web"}, classic.attachedTo(blue))
	assert.Empty(t, classic.violations)
}

func TestCutoverCancellationRollsBack(t *testing.T) {
	events := &eventLog{}
	groups := newFakeGroups(
		&cloud.Group{ID: blue, Instances: servingInstances("i-old1")},
		&cloud.Group{ID: green, Instances: servingInstances("i-new1")},
	)
	classic := newFakeBinder(cloud.KindClassicELB, events)
	classic.setAttached(blue, "web")
	classic.health["web"] = healthStates(cloud.StateOutOfService, "i-new1")

	fc := clockwork.NewFakeClock()
	engine := newTestEngine(t, groups, fc, []cloud.LoadBalancerBinder{classic})

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := engine.Cutover(ctx, Operation{
			CurrentGroup:  blue,
			NewGroup:      green,
			LoadBalancers: []cloud.LoadBalancer{{ID: "web", Kind: cloud.KindClassicELB}},
			WaitTimeout:   time.Hour,
		})
		errCh <- err
	}()

	fc.BlockUntil(1)
	cancel()
	err := <-errCh

	require.Error(t, err)
	assert.Contains(t, err.Error(), "interrupted")

	// Cancellation rolls back exactly like a timeout.
	assert.Empty(t, classic.attachedTo(green))
	assert.Equal(t, []string{"web"}, classic.attachedTo(blue))
}

func TestCutoverIdempotentReRun(t *testing.T) {
	groups, classic, tg, events, op := successFixture()
	engine := newTestEngine(t, groups, clockwork.NewFakeClock(), []cloud.LoadBalancerBinder{classic, tg})

	first, err := engine.Cutover(context.Background(), op)
	require.NoError(t, err)
	mutations := len(events.all())

	second, err := engine.Cutover(context.Background(), op)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	// Re-running on already-correct state issues no further mutations.
	assert.Len(t, events.all(), mutations)
}

func TestCutoverPartialAttachFailure(t *testing.T) {
	events := &eventLog{}
	groups := newFakeGroups(
		&cloud.Group{ID: blue, Instances: servingInstances("i-old1")},
		&cloud.Group{ID: green, Instances: servingInstances("i-new1")},
	)
	classic := newFakeBinder(cloud.KindClassicELB, events)
	classic.invGroups = []string{blue, green}
	classic.setAttached(blue, "lb-1", "lb-2", "lb-3")
	classic.attachErr["lb-2"] = assert.AnError

	engine := newTestEngine(t, groups, clockwork.NewFakeClock(), []cloud.LoadBalancerBinder{classic})

	_, err := engine.Cutover(context.Background(), Operation{
		CurrentGroup: blue,
		NewGroup:     green,
		LoadBalancers: []cloud.LoadBalancer{
			{ID: "lb-1", Kind: cloud.KindClassicELB},
			{ID: "lb-2", Kind: cloud.KindClassicELB},
			{ID: "lb-3", Kind: cloud.KindClassicELB},
		},
		WaitTimeout: time.Minute,
	})

	var attachErr *AttachError
	require.ErrorAs(t, err, &attachErr)
	assert.Equal(t, "lb-2", attachErr.LoadBalancer.ID)

	// The attachments that did land were rolled back; blue is untouched.
	assert.Empty(t, classic.attachedTo(green))
	assert.Equal(t, []string{"lb-1", "lb-2", "lb-3"}, classic.attachedTo(blue))
	// Both surviving load balancers were attempted before backing out.
	assert.NotEqual(t, -1, events.index("attach:"+green+":lb-1"))
	assert.NotEqual(t, -1, events.index("attach:"+green+":lb-3"))
	assert.Empty(t, classic.violations)
}

func TestCutoverDetachFailureIsPartialSuccess(t *testing.T) {
	groups, classic, tg, _, op := successFixture()
	classic.detachErr["web"] = assert.AnError
	engine := newTestEngine(t, groups, clockwork.NewFakeClock(), []cloud.LoadBalancerBinder{classic, tg})

	outcome, err := engine.Cutover(context.Background(), op)

	var partial *PartialDetachError
	require.ErrorAs(t, err, &partial)
	require.NotNil(t, outcome)
	assert.Equal(t, green, outcome.Promoted)
	assert.Equal(t, blue, outcome.Retired)

	// The promotion stands: green serves on everything, only the stale blue
	// attachment lingers.
	assert.True(t, classic.isAttached(green, "web"))
	assert.True(t, classic.isAttached(blue, "web"))
	assert.False(t, tg.isAttached(blue, "tg-1"))
}

func TestCutoverWithoutRollbackLeavesAttachments(t *testing.T) {
	events := &eventLog{}
	groups := newFakeGroups(
		&cloud.Group{ID: blue, Instances: servingInstances("i-old1")},
		&cloud.Group{ID: green, Instances: servingInstances("i-new1")},
	)
	classic := newFakeBinder(cloud.KindClassicELB, events)
	classic.setAttached(blue, "web")
	classic.health["web"] = healthStates(cloud.StateOutOfService, "i-new1")

	fc := clockwork.NewFakeClock()
	engine := newTestEngine(t, groups, fc, []cloud.LoadBalancerBinder{classic}, WithoutRollback())

	errCh := make(chan error, 1)
	go func() {
		_, err := engine.Cutover(context.Background(), Operation{
			CurrentGroup:  blue,
			NewGroup:      green,
			LoadBalancers: []cloud.LoadBalancer{{ID: "web", Kind: cloud.KindClassicELB}},
			WaitTimeout:   10 * time.Second,
		})
		errCh <- err
	}()

	fc.BlockUntil(1)
	fc.Advance(10 * time.Second)
	err := <-errCh

	var timeout *HealthTimeoutError
	require.ErrorAs(t, err, &timeout)
	assert.True(t, classic.isAttached(green, "web"))
	assert.True(t, classic.isAttached(blue, "web"))
}

func TestCutoverConvergesAfterSlowRegistration(t *testing.T) {
	events := &eventLog{}
	groups := newFakeGroups(
		&cloud.Group{ID: blue, Instances: servingInstances("i-old1")},
		&cloud.Group{ID: green, Instances: servingInstances("i-new1")},
	)
	classic := newFakeBinder(cloud.KindClassicELB, events)
	classic.setAttached(blue, "web")
	classic.healthSeq["web"] = []map[string]cloud.InstanceState{
		healthStates(cloud.StateRegistering, "i-new1"),
		healthStates(cloud.StateRegistering, "i-new1"),
		healthStates(cloud.StateInService, "i-new1"),
	}

	fc := clockwork.NewFakeClock()
	engine := newTestEngine(t, groups, fc, []cloud.LoadBalancerBinder{classic})

	type result struct {
		outcome *Outcome
		err     error
	}
	resCh := make(chan result, 1)
	go func() {
		outcome, err := engine.Cutover(context.Background(), Operation{
			CurrentGroup:  blue,
			NewGroup:      green,
			LoadBalancers: []cloud.LoadBalancer{{ID: "web", Kind: cloud.KindClassicELB}},
			WaitTimeout:   time.Minute,
		})
		resCh <- result{outcome, err}
	}()

	for i := 0; i < 2; i++ {
		fc.BlockUntil(1)
		fc.Advance(10 * time.Second)
	}
	res := <-resCh

	require.NoError(t, res.err)
	assert.Equal(t, 20*time.Second, res.outcome.Elapsed)
	assert.True(t, classic.isAttached(green, "web"))
	assert.False(t, classic.isAttached(blue, "web"))
}
