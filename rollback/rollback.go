package rollback

import (
	"context"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Rollback accumulates undo actions for the cloud mutations an operation has
// made so far, and replays them in reverse order when the operation backs out.
type Rollback interface {
	AddStep(step Step) int
	Clear()
	Len() int
	Run(ctx context.Context) (bool, error)
}

// Step is a single undo action. Steps with StopOnError abort the remainder
// of the rollback when they fail; others let the rollback keep unwinding.
type Step struct {
	Fn          func(ctx context.Context) error
	Name        string
	StopOnError bool
}

type impl struct {
	steps []Step
	log   logrus.FieldLogger
}

func New(log logrus.FieldLogger) Rollback {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &impl{log: log}
}

// AddStep records an undo action. Steps run in the reverse of the order they
// were added.
func (i *impl) AddStep(step Step) int {
	i.steps = append(i.steps, step)
	return len(i.steps)
}

// Clear drops all recorded steps. Called once an operation passes the point
// where undoing its work would do more harm than keeping it.
func (i *impl) Clear() {
	i.steps = nil
}

// Len returns the number of recorded steps.
func (i *impl) Len() int {
	return len(i.steps)
}

// Run unwinds the recorded steps as a stack. It returns whether every step
// was attempted, along with the accumulated errors of those that failed.
func (i *impl) Run(ctx context.Context) (bool, error) {
	var err error
	for idx := len(i.steps) - 1; idx >= 0; idx-- {
		step := i.steps[idx]
		i.log.WithField("step", step.Name).Info("rolling back")
		if e := step.Fn(ctx); e != nil {
			err = multierror.Append(err, errors.Wrapf(e, "rollback: step %s failed", step.Name))
			if step.StopOnError {
				for j := idx - 1; j >= 0; j-- {
					err = multierror.Append(err, errors.Errorf("rollback: step not run %s", i.steps[j].Name))
				}
				return false, err
			}
		}
	}
	return true, err
}
