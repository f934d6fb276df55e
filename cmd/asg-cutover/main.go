package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/jessevdk/go-flags"
	"github.com/sirupsen/logrus"

	"github.com/manicminer/ansible-modules-asg-deployments/cloud"
	awscloud "github.com/manicminer/ansible-modules-asg-deployments/cloud/aws"
	"github.com/manicminer/ansible-modules-asg-deployments/cutover"
	"github.com/manicminer/ansible-modules-asg-deployments/discovery"
)

var opts struct {
	Region         string        `short:"r" long:"region" default:"us-east-1" description:"AWS region"`
	App            string        `short:"a" long:"app" description:"resolve current/new groups from app and deploy_state tags instead of naming them"`
	CurrentGroup   string        `short:"c" long:"current-group" description:"auto scaling group currently serving production"`
	NewGroup       string        `short:"n" long:"new-group" description:"auto scaling group to promote"`
	LoadBalancers  []string      `short:"l" long:"load-balancer" description:"classic load balancer to cut over (repeatable); defaults to the current group's attachments"`
	TargetGroups   []string      `short:"t" long:"target-group" description:"target group ARN to cut over (repeatable); defaults to the current group's attachments"`
	Standby        []string      `long:"standby-load-balancer" description:"classic load balancer to attach to the retired group (repeatable)"`
	StandbyTargets []string      `long:"standby-target-group" description:"target group ARN to attach to the retired group (repeatable)"`
	WaitTimeout    time.Duration `short:"w" long:"wait-timeout" default:"300s" description:"how long to wait for the new group to report healthy"`
	PollInterval   time.Duration `long:"poll-interval" default:"10s" description:"how often to poll instance health"`
	NoRollback     bool          `long:"no-rollback" description:"leave attachments in place when health confirmation fails"`
	WaitDeregister bool          `long:"wait-deregister" description:"wait for the retired instances to deregister from the promoted load balancers"`
	VerifyStandby  bool          `long:"verify-standby" description:"wait for the retired instances to report healthy on the standby load balancers"`
	PromoteTags    bool          `long:"promote-tags" description:"rewrite deploy_state tags after a successful cutover"`
	Verbose        bool          `short:"v" long:"verbose" description:"enable debug logging"`
}

func main() {
	args, err := flags.Parse(&opts)
	if err != nil {
		os.Exit(1)
	}
	if len(args) != 0 {
		log.Fatalln("Invalid commandline arguments: ", args)
	}
	if opts.App == "" && opts.NewGroup == "" {
		log.Fatalln("Either --app or --new-group must be given")
	}

	if opts.Verbose {
		logrus.SetLevel(logrus.DebugLevel)
	}
	logger := logrus.WithField("component", "asg-cutover")

	sess, err := session.NewSession(aws.NewConfig().WithRegion(opts.Region))
	if err != nil {
		log.Fatalln("Failed to create aws session: ", err)
	}
	clients := awscloud.New(sess).WithLogger(logger)
	binders := []cloud.LoadBalancerBinder{clients.ClassicELBBinder(), clients.TargetGroupBinder()}

	engineOpts := []cutover.Option{
		cutover.WithLogger(logger),
		cutover.WithPollInterval(opts.PollInterval),
	}
	if opts.NoRollback {
		engineOpts = append(engineOpts, cutover.WithoutRollback())
	}
	engine, err := cutover.NewEngine(clients, binders, engineOpts...)
	if err != nil {
		log.Fatalln("Failed to build cutover engine: ", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	disc := discovery.New(clients, logger)
	currentGroup, newGroup := opts.CurrentGroup, opts.NewGroup
	if opts.App != "" {
		newGroup, currentGroup, err = disc.Resolve(ctx, opts.App)
		if err != nil {
			log.Fatalln("Failed to resolve groups by tag: ", err)
		}
		fmt.Printf("Resolved app %s: promoting %s", opts.App, newGroup)
		if currentGroup != "" {
			fmt.Printf(", retiring %s", currentGroup)
		}
		fmt.Println()
	}

	lbs := loadBalancerSet(opts.LoadBalancers, opts.TargetGroups)
	if len(lbs) == 0 && currentGroup != "" {
		group, err := clients.DescribeGroup(ctx, currentGroup)
		if err != nil {
			log.Fatalln("Failed to describe current group: ", err)
		}
		lbs = loadBalancerSet(group.LoadBalancerNames, group.TargetGroupARNs)
	}

	op := cutover.SwapOperation{
		Operation: cutover.Operation{
			CurrentGroup:  currentGroup,
			NewGroup:      newGroup,
			LoadBalancers: lbs,
			WaitTimeout:   opts.WaitTimeout,
		},
		Standby:        loadBalancerSet(opts.Standby, opts.StandbyTargets),
		WaitDeregister: opts.WaitDeregister,
		VerifyStandby:  opts.VerifyStandby,
	}

	result, err := engine.Swap(ctx, op)
	if err != nil {
		var partial *cutover.PartialDetachError
		if errors.As(err, &partial) {
			logger.WithError(partial.Err).Warn("cutover partially succeeded: new group is live, retired group needs cleanup")
			fmt.Printf("Promoted %s; stale attachments remain on %s\n",
				partial.Outcome.Promoted, partial.Outcome.Retired)
			os.Exit(2)
		}
		log.Fatalln("Cutover failed: ", err)
	}

	fmt.Printf("Promoted group %s in %s\n", result.Outcome.Promoted, result.Outcome.Elapsed)
	if result.OldGroup != nil {
		fmt.Printf("Retired group %s\n", result.OldGroup.Name)
	}
	for id, status := range result.NewGroup.InstanceStatus {
		fmt.Printf("  instance %s: %s\n", id, status)
	}

	if opts.PromoteTags {
		if err := disc.Promote(ctx, result.Outcome.Promoted, result.Outcome.Retired); err != nil {
			log.Fatalln("Cutover succeeded but tag rewrite failed: ", err)
		}
	}
}

func loadBalancerSet(classic, targetGroups []string) []cloud.LoadBalancer {
	var lbs []cloud.LoadBalancer
	for _, name := range classic {
		lbs = append(lbs, cloud.LoadBalancer{ID: name, Kind: cloud.KindClassicELB})
	}
	for _, arn := range targetGroups {
		lbs = append(lbs, cloud.LoadBalancer{ID: arn, Kind: cloud.KindTargetGroup})
	}
	return lbs
}
