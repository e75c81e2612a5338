// Command marketctl drives a running marketsim over its HTTP API.
//
//	marketctl status
//	marketctl start -interval 2s
//	marketctl stop
//	marketctl step
//	marketctl intervals -demand 3 -renewal 120
//	marketctl evaluate -npc <id> -service <id> [-price 120.50] [-months 12]
//	marketctl events -limit 20 -name contract.renewed
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/shopspring/decimal"

	"github.com/talgya/npc-market/internal/control"
	"github.com/talgya/npc-market/internal/engine"
	"github.com/talgya/npc-market/internal/evaluator"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}
	c := control.New(envOrDefault("MARKETSIM_API_URL", "http://localhost:8080"), os.Getenv("MARKETSIM_API_ADMIN_KEY"))
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := dispatch(ctx, c, os.Args[1], os.Args[2:]); err != nil {
		fmt.Fprintln(os.Stderr, "marketctl:", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: marketctl <status|start|stop|step|intervals|evaluate|events> [flags]")
}

func dispatch(ctx context.Context, c *control.Client, cmd string, args []string) error {
	switch cmd {
	case "status":
		st, err := c.Status(ctx)
		if err != nil {
			return err
		}
		printStatus(st)
	case "start":
		fs := flag.NewFlagSet("start", flag.ExitOnError)
		interval := fs.Duration("interval", 0, "tick interval (>= 1s; 0 keeps the current one)")
		fs.Parse(args)
		st, err := c.Start(ctx, *interval)
		if err != nil {
			return err
		}
		printStatus(st)
	case "stop":
		st, err := c.Stop(ctx)
		if err != nil {
			return err
		}
		printStatus(st)
	case "step":
		t, err := c.Step(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("tick %s at %s  sentiment %.3f\n",
			humanize.Comma(int64(t.Number)), t.Timestamp.Format(time.RFC3339), t.Snapshot.MarketSentiment)
	case "intervals":
		return intervals(ctx, c, args)
	case "evaluate":
		return evaluate(ctx, c, args)
	case "events":
		fs := flag.NewFlagSet("events", flag.ExitOnError)
		limit := fs.Int("limit", 20, "number of events")
		name := fs.String("name", "", "only events with this name")
		fs.Parse(args)
		evs, err := c.Events(ctx, *limit, *name)
		if err != nil {
			return err
		}
		for _, e := range evs {
			payload, _ := json.Marshal(e.Payload)
			fmt.Printf("#%-8d %-22s %s  %s\n", e.Tick, e.Name, humanize.Time(e.Timestamp), truncate(string(payload), 100))
		}
	default:
		usage()
		return fmt.Errorf("unknown command %q", cmd)
	}
	return nil
}

func intervals(ctx context.Context, c *control.Client, args []string) error {
	fs := flag.NewFlagSet("intervals", flag.ExitOnError)
	demand := fs.Int("demand", 0, "demand generation interval in ticks")
	evaluation := fs.Int("evaluation", 0, "contract evaluation interval in ticks")
	renewal := fs.Int("renewal", 0, "contract renewal interval in ticks")
	rev := fs.Int("revenue", 0, "revenue processing interval in ticks")
	fs.Parse(args)

	var u engine.IntervalUpdate
	set := false
	fs.Visit(func(f *flag.Flag) {
		set = true
		switch f.Name {
		case "demand":
			u.DemandGeneration = demand
		case "evaluation":
			u.ContractEvaluation = evaluation
		case "renewal":
			u.ContractRenewal = renewal
		case "revenue":
			u.RevenueProcessing = rev
		}
	})

	var iv engine.Intervals
	var err error
	if set {
		iv, err = c.UpdateIntervals(ctx, u)
	} else {
		iv, err = c.Intervals(ctx)
	}
	if err != nil {
		return err
	}
	fmt.Printf("demand %d  evaluation %d  renewal %d  revenue %d (ticks)\n",
		iv.DemandGeneration, iv.ContractEvaluation, iv.ContractRenewal, iv.RevenueProcessing)
	return nil
}

func evaluate(ctx context.Context, c *control.Client, args []string) error {
	fs := flag.NewFlagSet("evaluate", flag.ExitOnError)
	npcID := fs.String("npc", "", "NPC id")
	serviceID := fs.String("service", "", "service id")
	price := fs.String("price", "", "proposed monthly price (default: list price)")
	months := fs.Int("months", 0, "proposed duration in months (default: service default)")
	fs.Parse(args)
	if *npcID == "" || *serviceID == "" {
		return fmt.Errorf("evaluate needs -npc and -service")
	}

	req := evaluator.OfferRequest{NPCID: *npcID, ServiceID: *serviceID}
	if *price != "" {
		p, err := decimal.NewFromString(*price)
		if err != nil {
			return fmt.Errorf("bad -price: %w", err)
		}
		req.ProposedPrice = &p
	}
	if *months > 0 {
		req.ProposedDurationMonths = months
	}

	d, err := c.EvaluateOffer(ctx, req)
	if err != nil {
		return err
	}
	verdict := "REJECTED"
	if d.Accepted {
		verdict = "ACCEPTED"
	}
	fmt.Printf("%s  score %.1f / threshold %.1f  (%s)\n", verdict, d.Score, d.Threshold, d.Reason)
	for _, r := range d.Reasons {
		fmt.Println("  -", r)
	}
	if d.Contract != nil {
		fmt.Printf("  contract %s  %s/month until %s\n",
			d.Contract.Number, d.Contract.MonthlyPrice.StringFixed(2), d.Contract.EndDate.Format("2006-01-02"))
	}
	return nil
}

func printStatus(st *control.Status) {
	state := "stopped"
	if st.Running {
		state = "running"
	}
	fmt.Printf("clock %s at tick %s (every %s)\n",
		state, humanize.Comma(int64(st.Tick)), time.Duration(st.IntervalMs)*time.Millisecond)
	e := st.Engine
	fmt.Printf("queue %d  active contracts %d  in flight %d\n", e.QueueDepth, e.ActiveContracts, e.InFlight)
	fmt.Printf("requests %s  accepted %s  rejected %s  counter-offers %s\n",
		humanize.Comma(int64(e.Totals.Requests)), humanize.Comma(int64(e.Totals.Accepted)),
		humanize.Comma(int64(e.Totals.Rejected)), humanize.Comma(int64(e.Totals.CounterOffers)))
	fmt.Printf("renewed %d  not renewed %d  expired %d  cancelled %d  breached %d\n",
		e.Totals.Renewed, e.Totals.NotRenewed, e.Totals.Expired, e.Totals.Cancelled, e.Totals.Breached)
	fmt.Printf("revenue %s  penalties %s\n", e.Totals.Revenue.StringFixed(2), e.Totals.Penalties.StringFixed(2))

	if len(e.BranchErrors) > 0 {
		names := make([]string, 0, len(e.BranchErrors))
		for n := range e.BranchErrors {
			names = append(names, n)
		}
		sort.Strings(names)
		for _, n := range names {
			fmt.Printf("  %s errors: %d\n", n, e.BranchErrors[n])
		}
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
