package rategate

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"github.com/parkerroan/rategate/block"
	"github.com/parkerroan/rategate/broker"
	"github.com/parkerroan/rategate/clock"
	"github.com/parkerroan/rategate/limiter"
	"github.com/parkerroan/rategate/rule"
	"github.com/parkerroan/rategate/tier"
	"golang.org/x/exp/slog"
	"golang.org/x/time/rate"
)

// Policy selects the rule that applies to an identifier on a resource.
// *tier.Resolver and *ipclass.Classifier both implement it.
type Policy interface {
	Resolve(ctx context.Context, identifier, resource string) (tier.Resolution, error)
}

// sweeper is implemented by components holding in-memory state that expires.
type sweeper interface {
	Sweep(now time.Time) int
}

// Gate coordinates rule resolution, blocks and consumption. All state lives in
// the instance and its injected components; separate gates never interact
// unless they share a backend.
type Gate struct {
	rules   *rule.Registry
	tiers   *tier.Resolver
	policy  Policy
	backend limiter.Backend
	blocks  block.Manager
	broker  broker.Broker

	clock  clock.Clock
	logger *slog.Logger

	listeners      []Listener
	sweepInterval  time.Duration
	publishTimeout time.Duration
	failOpenLog    rate.Sometimes
	publishLog     rate.Sometimes

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	// running is set between Start and Close; violations are only published
	// while it is.
	running atomic.Bool
}

// Option configures a Gate.
type Option func(*Gate)

// WithBackend sets the consumption backend.
// default: limiter.NewLocalBackend()
func WithBackend(b limiter.Backend) Option {
	return func(g *Gate) {
		g.backend = b
	}
}

// WithBlockManager sets where blocks are stored.
// default: block.NewMemoryManager()
func WithBlockManager(m block.Manager) Option {
	return func(g *Gate) {
		g.blocks = m
	}
}

// WithRegistry sets the rule registry used by CheckLimit, ConsumeToken and as
// the last resort of the default tier resolver.
func WithRegistry(r *rule.Registry) Option {
	return func(g *Gate) {
		g.rules = r
	}
}

// WithTiers sets the tier resolver. It should fall back to the gate's
// registry (tier.WithFallback) when rules outside tiers are wanted.
func WithTiers(r *tier.Resolver) Option {
	return func(g *Gate) {
		g.tiers = r
	}
}

// WithPolicy replaces the tier resolver as the rule source of Evaluate, for
// example with an ipclass.Classifier. A policy that is also a Listener is
// subscribed to violations.
func WithPolicy(p Policy) Option {
	return func(g *Gate) {
		g.policy = p
	}
}

// WithListener subscribes listeners to violations.
func WithListener(l ...Listener) Option {
	return func(g *Gate) {
		g.listeners = append(g.listeners, l...)
	}
}

// WithBroker publishes violations to, and receives them from, other instances.
func WithBroker(b broker.Broker) Option {
	return func(g *Gate) {
		g.broker = b
	}
}

func WithClock(c clock.Clock) Option {
	return func(g *Gate) {
		g.clock = c
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(g *Gate) {
		g.logger = logger
	}
}

// WithSweepInterval sets how often Start purges expired in-memory state.
// default: 1m
func WithSweepInterval(d time.Duration) Option {
	return func(g *Gate) {
		g.sweepInterval = d
	}
}

// New returns a gate with in-memory defaults for every component not supplied.
func New(opts ...Option) (*Gate, error) {
	g := &Gate{
		clock:          clock.System(),
		logger:         slog.Default(),
		sweepInterval:  time.Minute,
		publishTimeout: 100 * time.Millisecond,
		failOpenLog:    rate.Sometimes{First: 1, Interval: 10 * time.Second},
		publishLog:     rate.Sometimes{First: 1, Interval: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(g)
	}

	if g.rules == nil {
		reg, err := rule.NewRegistry()
		if err != nil {
			return nil, err
		}
		g.rules = reg
	}
	if g.tiers == nil {
		tiers, err := tier.NewResolver(tier.WithFallback(g.rules))
		if err != nil {
			return nil, err
		}
		g.tiers = tiers
	}
	if g.policy == nil {
		g.policy = g.tiers
	}
	if g.backend == nil {
		g.backend = limiter.NewLocalBackend()
	}
	if g.blocks == nil {
		g.blocks = block.NewMemoryManager()
	}
	if l, ok := g.policy.(Listener); ok && !g.subscribed(l) {
		g.listeners = append(g.listeners, l)
	}

	return g, nil
}

func (g *Gate) subscribed(l Listener) bool {
	if !reflect.TypeOf(l).Comparable() {
		return false
	}
	for _, existing := range g.listeners {
		if existing == l {
			return true
		}
	}
	return false
}

// Start launches the background sweep and, when a broker is configured, the
// exchange of violations with other instances. It returns immediately.
func (g *Gate) Start(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.started {
		return ErrAlreadyStarted
	}
	g.started = true

	ctx, g.cancel = context.WithCancel(ctx)

	if g.sweepInterval > 0 {
		g.wg.Add(1)
		go func() {
			defer g.wg.Done()
			g.janitor(ctx)
		}()
	}

	if g.broker != nil {
		g.broker.Start(ctx, g.handleRemote)
	}
	g.running.Store(true)
	return nil
}

// Close stops everything Start launched and waits for it to finish. The gate
// keeps serving requests and may be started again.
func (g *Gate) Close() error {
	g.mu.Lock()
	cancel := g.cancel
	g.cancel = nil
	g.running.Store(false)
	g.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	g.wg.Wait()

	if w, ok := g.broker.(interface{ Wait() }); ok {
		w.Wait()
	}

	g.mu.Lock()
	g.started = false
	g.mu.Unlock()
	return nil
}

func (g *Gate) janitor(ctx context.Context) {
	ticker := time.NewTicker(g.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.Sweep()
		}
	}
}

// Sweep purges expired in-memory windows, blocks and suspicion marks once.
func (g *Gate) Sweep() {
	now := g.clock.Now()
	for _, c := range []interface{}{g.backend, g.blocks, g.policy} {
		s, ok := c.(sweeper)
		if !ok {
			continue
		}
		if n := s.Sweep(now); n > 0 {
			g.logger.Debug("swept expired entries",
				slog.String("component", fmt.Sprintf("%T", c)),
				slog.Int("removed", n),
			)
		}
	}
}

// SetRule adds or replaces a rule in the registry.
func (g *Gate) SetRule(r rule.Rule) error {
	return g.rules.Set(r)
}

// DeleteRule removes a rule from the registry. Windows already recorded under
// it are left to expire.
func (g *Gate) DeleteRule(name string) {
	g.rules.Delete(name)
}

// RuleNames returns the registered rule names.
func (g *Gate) RuleNames() []string {
	return g.rules.Names()
}

// GetRule returns a registered rule.
func (g *Gate) GetRule(name string) (rule.Rule, error) {
	return g.rules.Get(name)
}

// SetTier assigns identifier to a tier.
func (g *Gate) SetTier(ctx context.Context, identifier, tierName string) error {
	if identifier == "" || tierName == "" {
		return fmt.Errorf("%w: identifier and tier are required", ErrInvalidArgument)
	}
	return g.tiers.SetTier(ctx, identifier, tierName)
}

// GetTier returns the tier of identifier, or the default tier.
func (g *Gate) GetTier(ctx context.Context, identifier string) (string, error) {
	if identifier == "" {
		return "", fmt.Errorf("%w: identifier is required", ErrInvalidArgument)
	}
	return g.tiers.GetTier(ctx, identifier)
}

// PutTier adds or replaces a tier definition.
func (g *Gate) PutTier(t tier.Tier) error {
	return g.tiers.PutTier(t)
}

// SetDefaultTier changes the tier of unassigned identifiers.
func (g *Gate) SetDefaultTier(name string) error {
	return g.tiers.SetDefaultTier(name)
}

// CheckLimit reports whether identifier could consume one token of the named
// rule right now, without consuming it.
func (g *Gate) CheckLimit(ctx context.Context, identifier, ruleName string) (Decision, error) {
	if identifier == "" || ruleName == "" {
		return Decision{}, fmt.Errorf("%w: identifier and rule are required", ErrInvalidArgument)
	}
	r, err := g.rules.Get(ruleName)
	if err != nil {
		return Decision{}, err
	}
	return g.check(ctx, identifier, ruleName, tier.Resolution{Rule: r}), nil
}

// ConsumeToken consumes tokens of the named rule for identifier.
func (g *Gate) ConsumeToken(ctx context.Context, identifier, ruleName string, tokens int64) (Decision, error) {
	if err := validate(identifier, ruleName, tokens); err != nil {
		return Decision{}, err
	}
	r, err := g.rules.Get(ruleName)
	if err != nil {
		return Decision{}, err
	}

	d := g.consume(ctx, identifier, ruleName, tier.Resolution{Rule: r}, tokens)
	g.observe(ruleName, d)
	return d, nil
}

// ResetLimit clears both the window and any block of identifier on ruleName.
func (g *Gate) ResetLimit(ctx context.Context, identifier, ruleName string) error {
	if identifier == "" || ruleName == "" {
		return fmt.Errorf("%w: identifier and rule are required", ErrInvalidArgument)
	}
	return errors.Join(
		g.backend.Reset(ctx, identifier, ruleName),
		g.blocks.Clear(ctx, identifier, ruleName),
	)
}

// Evaluate resolves the rule for identifier on resource through the policy and
// consumes tokens against it. Only argument and rule resolution errors are
// returned; storage failures produce an allowed decision with Reason
// ReasonFailOpen.
func (g *Gate) Evaluate(ctx context.Context, identifier, resource string, tokens int64) (Decision, error) {
	if err := validate(identifier, resource, tokens); err != nil {
		return Decision{}, err
	}

	res, short, err := g.resolve(ctx, identifier, resource)
	if err != nil {
		return Decision{}, err
	}
	if short != nil {
		g.observe(resource, *short)
		return *short, nil
	}

	d := g.consume(ctx, identifier, resource, res, tokens)
	g.observe(resource, d)
	return d, nil
}

// Check is Evaluate without consumption.
func (g *Gate) Check(ctx context.Context, identifier, resource string) (Decision, error) {
	if identifier == "" || resource == "" {
		return Decision{}, fmt.Errorf("%w: identifier and resource are required", ErrInvalidArgument)
	}

	res, short, err := g.resolve(ctx, identifier, resource)
	if err != nil {
		return Decision{}, err
	}
	if short != nil {
		return *short, nil
	}
	return g.check(ctx, identifier, resource, res), nil
}

func validate(identifier, name string, tokens int64) error {
	if identifier == "" || name == "" {
		return fmt.Errorf("%w: identifier and rule or resource are required", ErrInvalidArgument)
	}
	if tokens < 1 {
		return fmt.Errorf("%w: tokens must be >= 1, got %d", ErrInvalidArgument, tokens)
	}
	return nil
}

// resolve runs the policy. A non-nil decision short-circuits the request:
// the identifier is denied outright or the policy store failed open.
func (g *Gate) resolve(ctx context.Context, identifier, resource string) (tier.Resolution, *Decision, error) {
	res, err := g.policy.Resolve(ctx, identifier, resource)
	switch {
	case errors.Is(err, ErrBackendUnavailable):
		d := g.failOpen(identifier, resource, Decision{}, err)
		return tier.Resolution{}, &d, nil
	case err != nil:
		return tier.Resolution{}, nil, err
	case res.Denied:
		return res, &Decision{
			Tier:   res.Tier,
			Rule:   res.Rule.Name,
			Reason: ReasonBlacklisted,
		}, nil
	}
	return res, nil, nil
}

func (g *Gate) check(ctx context.Context, identifier, resource string, res tier.Resolution) Decision {
	r := res.Rule
	d := Decision{Tier: res.Tier, Rule: r.Name, Limit: r.Limit}
	if r.Unlimited() {
		d.Allowed = true
		d.Remaining = rule.Unlimited
		return d
	}

	now := g.clock.Now()
	if expiresAt, blocked, err := g.blocks.Lookup(ctx, identifier, r.Name, now); err != nil {
		return g.failOpen(identifier, resource, d, err)
	} else if blocked {
		d.Blocked, d.ResetAt, d.Reason = true, expiresAt, ReasonBlocked
		return d
	}

	result, err := g.backend.Check(ctx, identifier, r, now)
	if err != nil {
		return g.failOpen(identifier, resource, d, err)
	}
	d.Allowed, d.Remaining, d.ResetAt = result.Allowed, result.Remaining, result.ResetAt
	if !d.Allowed {
		d.Reason = ReasonLimitExceeded
	}
	return d
}

func (g *Gate) consume(ctx context.Context, identifier, resource string, res tier.Resolution, tokens int64) Decision {
	r := res.Rule
	d := Decision{Tier: res.Tier, Rule: r.Name, Limit: r.Limit}
	if r.Unlimited() {
		d.Allowed = true
		d.Remaining = rule.Unlimited
		return d
	}

	now := g.clock.Now()
	if expiresAt, blocked, err := g.blocks.Lookup(ctx, identifier, r.Name, now); err != nil {
		return g.failOpen(identifier, resource, d, err)
	} else if blocked {
		d.Blocked, d.ResetAt, d.Reason = true, expiresAt, ReasonBlocked
		return d
	}

	result, err := g.backend.Consume(ctx, identifier, r, tokens, now)
	if err != nil {
		return g.failOpen(identifier, resource, d, err)
	}
	d.Allowed, d.Remaining, d.ResetAt = result.Allowed, result.Remaining, result.ResetAt
	if d.Allowed {
		return d
	}

	d.Reason = ReasonLimitExceeded
	if r.BlockDuration > 0 {
		expiresAt, err := g.blocks.Block(ctx, identifier, r.Name, now, r.BlockDuration)
		if err != nil {
			g.logger.Error("failed to block identifier",
				slog.String("identifier", identifier),
				slog.String("rule", r.Name),
				slog.Any("error", err),
			)
		} else {
			d.Blocked, d.ResetAt = true, expiresAt
		}
	}

	g.violation(ctx, identifier, resource)
	return d
}

// failOpen turns a storage failure into an allowed decision.
func (g *Gate) failOpen(identifier, resource string, d Decision, err error) Decision {
	d.Allowed = true
	d.Blocked = false
	d.Remaining = d.Limit
	d.Reason = ReasonFailOpen
	d.Err = err

	g.failOpenLog.Do(func() {
		g.logger.Warn("rate limit backend unavailable, allowing request",
			slog.String("identifier", identifier),
			slog.String("resource", resource),
			slog.Any("error", err),
		)
	})

	for _, l := range g.listeners {
		if fl, ok := l.(FailOpenListener); ok {
			fl.OnFailOpen(identifier, resource, err)
		}
	}
	return d
}

func (g *Gate) violation(ctx context.Context, identifier, resource string) {
	for _, l := range g.listeners {
		l.OnViolation(identifier, resource)
	}

	if g.broker == nil || !g.running.Load() {
		return
	}

	pubCtx, cancel := context.WithTimeout(ctx, g.publishTimeout)
	defer cancel()

	err := g.broker.Publish(pubCtx, broker.Event{
		Kind:       broker.Violation,
		Identifier: identifier,
		Resource:   resource,
		Timestamp:  g.clock.Now(),
	})
	if err != nil {
		g.publishLog.Do(func() {
			g.logger.Warn("failed to publish violation",
				slog.String("identifier", identifier),
				slog.Any("error", err),
			)
		})
	}
}

func (g *Gate) handleRemote(e broker.Event) {
	if e.Kind != broker.Violation {
		return
	}
	for _, l := range g.listeners {
		if rl, ok := l.(RemoteViolationListener); ok {
			rl.OnRemoteViolation(e.Identifier, e.Resource)
		}
	}
}

func (g *Gate) observe(resource string, d Decision) {
	for _, l := range g.listeners {
		if o, ok := l.(DecisionObserver); ok {
			o.ObserveDecision(resource, d)
		}
	}
}
