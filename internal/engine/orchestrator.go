package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/talgya/npc-market/internal/contract"
	"github.com/talgya/npc-market/internal/demand"
	"github.com/talgya/npc-market/internal/evaluator"
	"github.com/talgya/npc-market/internal/events"
	"github.com/talgya/npc-market/internal/fault"
	"github.com/talgya/npc-market/internal/lifecycle"
	"github.com/talgya/npc-market/internal/metrics"
	"github.com/talgya/npc-market/internal/persistence"
	"github.com/talgya/npc-market/internal/revenue"
	"github.com/talgya/npc-market/internal/sla"
)

// Branch names, as they appear in logs, metrics and tick reports.
const (
	BranchDemand     = "demand"
	BranchEvaluation = "evaluation"
	BranchRenewal    = "renewal"
	BranchRevenue    = "revenue"
	BranchHealth     = "health"
)

// ReportEvery is how many ticks pass between market report log lines.
const ReportEvery = 60

// Intervals are the branch cadences in orchestrator ticks.
type Intervals struct {
	DemandGeneration   int `json:"demand_generation" mapstructure:"demand_generation"`
	ContractEvaluation int `json:"contract_evaluation" mapstructure:"contract_evaluation"`
	ContractRenewal    int `json:"contract_renewal" mapstructure:"contract_renewal"`
	RevenueProcessing  int `json:"revenue_processing" mapstructure:"revenue_processing"`
}

// DefaultIntervals: demand every 5 ticks, evaluation 10, renewal 60,
// revenue 30.
var DefaultIntervals = Intervals{
	DemandGeneration:   5,
	ContractEvaluation: 10,
	ContractRenewal:    60,
	RevenueProcessing:  30,
}

// Validate requires every cadence to be at least one tick.
func (iv Intervals) Validate() error {
	for name, v := range map[string]int{
		"demand_generation":   iv.DemandGeneration,
		"contract_evaluation": iv.ContractEvaluation,
		"contract_renewal":    iv.ContractRenewal,
		"revenue_processing":  iv.RevenueProcessing,
	} {
		if v < 1 {
			return fault.Validation("interval %s must be at least 1 tick, got %d", name, v)
		}
	}
	return nil
}

// IntervalUpdate changes some cadences; nil fields keep their value.
type IntervalUpdate struct {
	DemandGeneration   *int `json:"demand_generation,omitempty"`
	ContractEvaluation *int `json:"contract_evaluation,omitempty"`
	ContractRenewal    *int `json:"contract_renewal,omitempty"`
	RevenueProcessing  *int `json:"revenue_processing,omitempty"`
}

func (iv Intervals) apply(u IntervalUpdate) Intervals {
	set := func(dst *int, v *int) {
		if v != nil {
			*dst = *v
		}
	}
	set(&iv.DemandGeneration, u.DemandGeneration)
	set(&iv.ContractEvaluation, u.ContractEvaluation)
	set(&iv.ContractRenewal, u.ContractRenewal)
	set(&iv.RevenueProcessing, u.RevenueProcessing)
	return iv
}

// Deps are the components the orchestrator drives. Sink and Metrics may be nil.
type Deps struct {
	Store     persistence.Store
	Demand    *demand.Generator
	Evaluator *evaluator.Evaluator
	Lifecycle *lifecycle.Manager
	Revenue   *revenue.Processor
	Sampler   *sla.Sampler
	Health    sla.HealthPolicy
	Sink      events.Sink
	Metrics   *metrics.Metrics
}

// BranchResult is one branch's outcome within a tick.
type BranchResult struct {
	Branch   string        `json:"branch"`
	Items    int           `json:"items"`
	Duration time.Duration `json:"duration"`
	Error    string        `json:"error,omitempty"`
}

// TickReport summarises a finished tick.
type TickReport struct {
	Tick      uint64         `json:"tick"`
	Counter   uint64         `json:"counter"`
	Timestamp time.Time      `json:"timestamp"`
	Sentiment float64        `json:"sentiment"`
	Branches  []BranchResult `json:"branches"`
}

// Totals accumulate since the orchestrator started.
type Totals struct {
	Requests      int             `json:"requests"`
	Accepted      int             `json:"accepted"`
	Rejected      int             `json:"rejected"`
	CounterOffers int             `json:"counter_offers"`
	Renewed       int             `json:"renewed"`
	NotRenewed    int             `json:"not_renewed"`
	Expired       int             `json:"expired"`
	Cancelled     int             `json:"cancelled"`
	Breached      int             `json:"breached"`
	Revenue       decimal.Decimal `json:"revenue"`
	Penalties     decimal.Decimal `json:"penalties"`
}

// Status is the orchestrator's view for the control surface.
type Status struct {
	Counter         uint64         `json:"counter"`
	Intervals       Intervals      `json:"intervals"`
	QueueDepth      int            `json:"queue_depth"`
	ActiveContracts int            `json:"active_contracts"`
	InFlight        int            `json:"in_flight"`
	LastTick        *TickReport    `json:"last_tick,omitempty"`
	BranchErrors    map[string]int `json:"branch_errors"`
	Totals          Totals         `json:"totals"`
}

// Orchestrator runs the simulation branches due on each tick. It is safe to
// call HandleTick from overlapping goroutines.
type Orchestrator struct {
	deps Deps

	mu           sync.Mutex
	counter      uint64
	intervals    Intervals
	inFlight     int
	last         *TickReport
	branchErrors map[string]int
	totals       Totals
	active       int

	qmu   sync.Mutex
	queue []demand.Request
}

type branch struct {
	name string
	fn   func(context.Context, Tick) (int, error)
}

// NewOrchestrator creates an orchestrator with the given cadences.
func NewOrchestrator(deps Deps, iv Intervals) (*Orchestrator, error) {
	if err := iv.Validate(); err != nil {
		return nil, err
	}
	if deps.Store == nil || deps.Demand == nil || deps.Evaluator == nil ||
		deps.Lifecycle == nil || deps.Revenue == nil || deps.Sampler == nil {
		return nil, fault.Validation("orchestrator is missing a component")
	}
	return &Orchestrator{
		deps:         deps,
		intervals:    iv,
		branchErrors: make(map[string]int),
		totals:       Totals{Revenue: decimal.Zero, Penalties: decimal.Zero},
	}, nil
}

// HandleTick runs every branch due on this tick concurrently and waits for
// all of them. A failing or panicking branch is logged and counted; its
// siblings and later ticks carry on.
func (o *Orchestrator) HandleTick(t Tick) {
	o.mu.Lock()
	o.counter++
	n := o.counter
	iv := o.intervals
	o.inFlight++
	o.mu.Unlock()

	if m := o.deps.Metrics; m != nil {
		m.Ticks.Inc()
		m.InFlightTicks.Inc()
		m.Sentiment.Set(t.Snapshot.MarketSentiment)
		defer m.InFlightTicks.Dec()
	}

	results, err := o.fanOut(t, o.branchesDue(n, iv))

	report := &TickReport{
		Tick:      t.Number,
		Counter:   n,
		Timestamp: t.Timestamp,
		Sentiment: t.Snapshot.MarketSentiment,
		Branches:  results,
	}
	o.mu.Lock()
	o.inFlight--
	if o.last == nil || o.last.Counter < n {
		o.last = report
	}
	for _, r := range results {
		if r.Error != "" {
			o.branchErrors[r.Branch]++
		}
	}
	o.mu.Unlock()

	if err != nil {
		slog.Warn("tick finished with failed branches", "tick", t.Number, "first", err)
	}
	if n%ReportEvery == 0 {
		o.logReport(t)
	}
}

func (o *Orchestrator) branchesDue(n uint64, iv Intervals) []branch {
	var due []branch
	if n%uint64(iv.DemandGeneration) == 0 {
		due = append(due, branch{BranchDemand, o.generateDemand})
	}
	if n%uint64(iv.ContractEvaluation) == 0 {
		due = append(due, branch{BranchEvaluation, o.evaluateQueue})
	}
	if n%uint64(iv.ContractRenewal) == 0 {
		due = append(due, branch{BranchRenewal, o.renewContracts})
	}
	if n%uint64(iv.RevenueProcessing) == 0 {
		due = append(due, branch{BranchRevenue, o.processRevenue})
	}
	return append(due, branch{BranchHealth, o.sweepHealth})
}

// fanOut runs the branches concurrently and waits for all of them. The
// error is the first branch failure, for logging.
func (o *Orchestrator) fanOut(t Tick, due []branch) ([]BranchResult, error) {
	results := make([]BranchResult, len(due))
	var g errgroup.Group
	for i, b := range due {
		g.Go(func() error {
			results[i] = o.run(t, b)
			if results[i].Error != "" {
				return fmt.Errorf("%s: %s", b.name, results[i].Error)
			}
			return nil
		})
	}
	return results, g.Wait()
}

func (o *Orchestrator) run(t Tick, b branch) (res BranchResult) {
	res.Branch = b.name
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			res.Error = fmt.Sprintf("panic: %v", r)
			slog.Error("tick branch panicked", "branch", b.name, "tick", t.Number, "panic", r, "stack", string(debug.Stack()))
		}
		res.Duration = time.Since(start)
		if m := o.deps.Metrics; m != nil {
			m.ObserveBranch(b.name, res.Duration, res.Error != "")
		}
	}()

	items, err := b.fn(context.Background(), t)
	res.Items = items
	if err != nil {
		res.Error = err.Error()
		slog.Warn("tick branch failed", "branch", b.name, "tick", t.Number, "kind", fault.Kind(err), "error", err)
	}
	return res
}

// UpdateIntervals changes cadences at runtime and returns the new set.
// Ticks already running keep the cadences they started with.
func (o *Orchestrator) UpdateIntervals(u IntervalUpdate) (Intervals, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	next := o.intervals.apply(u)
	if err := next.Validate(); err != nil {
		return o.intervals, err
	}
	o.intervals = next
	slog.Info("tick intervals updated",
		"demand", next.DemandGeneration,
		"evaluation", next.ContractEvaluation,
		"renewal", next.ContractRenewal,
		"revenue", next.RevenueProcessing,
	)
	return next, nil
}

// Intervals returns the current cadences.
func (o *Orchestrator) Intervals() Intervals {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.intervals
}

// Status reports counters, cadences and the last finished tick.
func (o *Orchestrator) Status() Status {
	depth := o.QueueDepth()
	o.mu.Lock()
	defer o.mu.Unlock()
	errs := make(map[string]int, len(o.branchErrors))
	for k, v := range o.branchErrors {
		errs[k] = v
	}
	return Status{
		Counter:         o.counter,
		Intervals:       o.intervals,
		QueueDepth:      depth,
		ActiveContracts: o.active,
		InFlight:        o.inFlight,
		LastTick:        o.last,
		BranchErrors:    errs,
		Totals:          o.totals,
	}
}

// Snapshot feeds the clock: counters from the latest sweep and totals.
func (o *Orchestrator) Snapshot() Snapshot {
	npcs := 0
	if active, err := o.deps.Store.ListActiveNPCs(context.Background()); err == nil {
		npcs = len(active)
	} else {
		slog.Debug("snapshot: list active npcs", "error", err)
	}
	depth := o.QueueDepth()
	o.mu.Lock()
	defer o.mu.Unlock()
	return Snapshot{
		ActiveContracts:      o.active,
		ActiveNPCs:           npcs,
		PendingRequests:      depth,
		SettledRevenue:       o.totals.Revenue,
		AccumulatedPenalties: o.totals.Penalties,
	}
}

// QueueDepth is the number of demand requests awaiting evaluation.
func (o *Orchestrator) QueueDepth() int {
	o.qmu.Lock()
	defer o.qmu.Unlock()
	return len(o.queue)
}

func (o *Orchestrator) enqueue(reqs ...demand.Request) {
	o.qmu.Lock()
	o.queue = append(o.queue, reqs...)
	depth := len(o.queue)
	o.qmu.Unlock()
	if m := o.deps.Metrics; m != nil {
		m.QueueDepth.Set(float64(depth))
	}
}

func (o *Orchestrator) drain() []demand.Request {
	o.qmu.Lock()
	pending := o.queue
	o.queue = nil
	o.qmu.Unlock()
	if m := o.deps.Metrics; m != nil {
		m.QueueDepth.Set(0)
	}
	return pending
}

func (o *Orchestrator) tally(fn func(*Totals)) {
	o.mu.Lock()
	fn(&o.totals)
	o.mu.Unlock()
}

func (o *Orchestrator) publish(ctx context.Context, name string, tick uint64, payload any) {
	if o.deps.Sink != nil {
		o.deps.Sink.Publish(ctx, events.New(name, tick, payload))
	}
	if m := o.deps.Metrics; m != nil {
		m.Events.WithLabelValues(name).Inc()
	}
}

func (o *Orchestrator) decided(outcome string) {
	if m := o.deps.Metrics; m != nil {
		m.Decisions.WithLabelValues(outcome).Inc()
	}
}

func (o *Orchestrator) generateDemand(ctx context.Context, t Tick) (int, error) {
	results, err := o.deps.Demand.Run(ctx, t.Timestamp)
	if err != nil {
		return 0, err
	}
	queued := 0
	for _, r := range results {
		if len(r.Requests) == 0 {
			continue
		}
		o.enqueue(r.Requests...)
		o.publish(ctx, events.DemandGenerated, t.Number, r)
		for _, req := range r.Requests {
			o.publish(ctx, events.ContractRequested, t.Number, req)
		}
		queued += len(r.Requests)
	}
	o.tally(func(tt *Totals) { tt.Requests += queued })
	return queued, nil
}

func (o *Orchestrator) evaluateQueue(ctx context.Context, t Tick) (int, error) {
	pending := o.drain()
	var errs []error
	for _, req := range pending {
		d, err := o.deps.Evaluator.EvaluateRequest(ctx, req)
		if err != nil {
			o.decided("failed")
			errs = append(errs, fmt.Errorf("request %s from %s: %w", req.ID, req.NPCID, err))
			continue
		}
		switch {
		case d.Accepted:
			o.decided("accepted")
			o.tally(func(tt *Totals) { tt.Accepted++ })
			o.publish(ctx, events.ContractAccepted, t.Number, d)
		case d.CounterOffer != nil:
			o.decided("counter_offer")
			o.tally(func(tt *Totals) { tt.CounterOffers++ })
			o.publish(ctx, events.ContractCounterOffer, t.Number, d)
		default:
			o.decided("rejected")
			o.tally(func(tt *Totals) { tt.Rejected++ })
			o.publish(ctx, events.ContractRejected, t.Number, d)
		}
	}
	return len(pending), errors.Join(errs...)
}

func (o *Orchestrator) renewContracts(ctx context.Context, t Tick) (int, error) {
	active, err := o.deps.Store.ListContractsByStatus(ctx, contract.StatusActive)
	if err != nil {
		return 0, fmt.Errorf("list active contracts: %w", err)
	}
	var errs []error
	decided := 0
	for _, c := range active {
		if !c.DueForRenewal(t.Timestamp) {
			continue
		}
		if !c.IsNPC() {
			expired, err := o.deps.Lifecycle.Expire(ctx, c.ID)
			if errors.Is(err, fault.ErrRule) {
				continue
			}
			if err != nil {
				errs = append(errs, err)
				continue
			}
			decided++
			o.tally(func(tt *Totals) { tt.Expired++ })
			o.publish(ctx, events.ContractExpired, t.Number, expired)
			continue
		}

		out, err := o.deps.Evaluator.RenewIfDue(ctx, c.ID, t.Timestamp)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if out == nil {
			continue
		}
		decided++
		if out.Renewed {
			o.tally(func(tt *Totals) { tt.Renewed++ })
			o.publish(ctx, events.ContractRenewed, t.Number, out)
		} else {
			o.tally(func(tt *Totals) { tt.NotRenewed++ })
			o.publish(ctx, events.ContractNotRenewed, t.Number, out)
		}
	}
	return decided, errors.Join(errs...)
}

func (o *Orchestrator) processRevenue(ctx context.Context, t Tick) (int, error) {
	sum, err := o.deps.Revenue.ProcessDue(ctx, t.Timestamp)
	for _, s := range sum.Settled {
		o.publish(ctx, events.RevenueProcessed, t.Number, s)
	}
	o.tally(func(tt *Totals) {
		tt.Revenue = tt.Revenue.Add(sum.Revenue)
		tt.Penalties = tt.Penalties.Add(sum.Penalties)
	})
	if m := o.deps.Metrics; m != nil {
		m.Revenue.Add(sum.Revenue.InexactFloat64())
		m.Penalties.Add(sum.Penalties.InexactFloat64())
	}
	return len(sum.Settled), err
}

// sweepHealth samples telemetry for every ACTIVE contract, charges the
// period for SLA violations once enough readings are in, and ends contracts
// in critical breach: NPCs cancel, human clients' contracts are BREACHED.
func (o *Orchestrator) sweepHealth(ctx context.Context, t Tick) (int, error) {
	active, err := o.deps.Store.ListContractsByStatus(ctx, contract.StatusActive)
	if err != nil {
		return 0, fmt.Errorf("list active contracts: %w", err)
	}
	o.mu.Lock()
	o.active = len(active)
	o.mu.Unlock()
	if m := o.deps.Metrics; m != nil {
		m.ActiveContracts.Set(float64(len(active)))
	}

	policy := o.deps.Health
	reliability := make(map[string]float64)
	var errs []error
	for _, c := range active {
		rel, ok := reliability[c.ProviderID]
		if !ok {
			p, err := o.deps.Store.GetProvider(ctx, c.ProviderID)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			rel = p.Reliability
			reliability[p.ID] = rel
		}

		var critical bool
		var reason string
		if _, err := o.deps.Store.UpdateContract(ctx, c.ID, func(c *contract.Contract) error {
			if c.Status != contract.StatusActive {
				return persistence.ErrNoChange
			}
			sla.Record(c, o.deps.Sampler.Draw(c.SLA, rel))
			if !c.PenaltiesPosted() && c.Current.SampleCount >= policy.MinSamples {
				for _, p := range sla.Penalize(c, sla.Check(c)) {
					slog.Debug("sla penalty", "contract", c.Number, "axis", p.Axis, "amount", p.Amount.StringFixed(2))
				}
			}
			critical, reason = sla.Critical(c, policy)
			return nil
		}); err != nil {
			errs = append(errs, err)
			continue
		}
		if critical {
			if err := o.endInBreach(ctx, t, c, reason); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return len(active), errors.Join(errs...)
}

func (o *Orchestrator) endInBreach(ctx context.Context, t Tick, c *contract.Contract, reason string) error {
	reason = "sla breach: " + reason
	if c.IsNPC() {
		cancelled, err := o.deps.Evaluator.CancelContract(ctx, c.ID, reason)
		if errors.Is(err, fault.ErrRule) {
			return nil
		}
		if cancelled != nil {
			o.tally(func(tt *Totals) { tt.Cancelled++ })
			o.publish(ctx, events.ContractCancelled, t.Number, cancelled)
		}
		return err
	}
	breached, err := o.deps.Lifecycle.Breach(ctx, c.ID, reason)
	if errors.Is(err, fault.ErrRule) {
		return nil
	}
	if err != nil {
		return err
	}
	o.tally(func(tt *Totals) { tt.Breached++ })
	o.publish(ctx, events.ContractBreached, t.Number, breached)
	return nil
}

func (o *Orchestrator) logReport(t Tick) {
	st := o.Status()
	slog.Info("market report",
		"tick", t.Number,
		"active_contracts", st.ActiveContracts,
		"queue", st.QueueDepth,
		"requests", humanize.Comma(int64(st.Totals.Requests)),
		"accepted", st.Totals.Accepted,
		"rejected", st.Totals.Rejected,
		"renewed", st.Totals.Renewed,
		"cancelled", st.Totals.Cancelled,
		"revenue", humanize.CommafWithDigits(st.Totals.Revenue.InexactFloat64(), 2),
		"penalties", humanize.CommafWithDigits(st.Totals.Penalties.InexactFloat64(), 2),
		"sentiment", fmt.Sprintf("%.3f", t.Snapshot.MarketSentiment),
	)
}
