package router

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/gobwas/glob"
	"github.com/rs/zerolog"
	"github.com/samber/lo"

	"github.com/runnerhub/runnerhub/pkg/log"
	"github.com/runnerhub/runnerhub/pkg/storage"
	"github.com/runnerhub/runnerhub/pkg/types"
)

// refreshInterval bounds how stale the rule cache may get when no
// mutation invalidates it first.
const refreshInterval = time.Minute

// compiledRule pairs a rule with its pre-compiled glob patterns so the
// hot path never re-parses.
type compiledRule struct {
	rule       *types.RoutingRule
	repository glob.Glob
	workflow   glob.Glob
	branch     glob.Glob
}

func compile(rule *types.RoutingRule) (*compiledRule, error) {
	cr := &compiledRule{rule: rule}
	var err error
	if p := rule.Conditions.RepositoryPattern; p != "" {
		if cr.repository, err = glob.Compile(p, '/'); err != nil {
			return nil, types.Validationf("rule %s: bad repository pattern %q: %v", rule.Name, p, err)
		}
	}
	if p := rule.Conditions.WorkflowPattern; p != "" {
		if cr.workflow, err = glob.Compile(p, '/'); err != nil {
			return nil, types.Validationf("rule %s: bad workflow pattern %q: %v", rule.Name, p, err)
		}
	}
	if p := rule.Conditions.BranchPattern; p != "" {
		if cr.branch, err = glob.Compile(p, '/'); err != nil {
			return nil, types.Validationf("rule %s: bad branch pattern %q: %v", rule.Name, p, err)
		}
	}
	return cr, nil
}

// matches evaluates the non-label conditions against a job.
func (cr *compiledRule) matches(job *types.Job) bool {
	c := cr.rule.Conditions
	if cr.repository != nil && !cr.repository.Match(job.Repository) {
		return false
	}
	if cr.workflow != nil && !cr.workflow.Match(job.Workflow) {
		return false
	}
	if cr.branch != nil && !cr.branch.Match(job.Branch) {
		return false
	}
	if c.Event != "" && c.Event != job.Event {
		return false
	}
	return true
}

// Decision is the outcome of one routing invocation.
type Decision struct {
	MatchedRule *types.RoutingRule `json:"matched_rule,omitempty"`
	Candidates  []*types.Runner    `json:"candidates"`
	Selected    *types.Runner      `json:"selected,omitempty"`
	Reason      string             `json:"reason"`
}

// Router evaluates routing rules against jobs and selects target
// runners. Enabled rules are cached sorted by priority descending,
// with an inverted label index for the pre-filter; the cache refreshes
// on mutation and once a minute.
type Router struct {
	store storage.Store

	mu        sync.RWMutex
	rules     []*compiledRule            // priority desc
	byLabel   map[string][]*compiledRule // required label → rules
	unlabeled []*compiledRule            // rules with no label conditions
	loadedAt  time.Time

	logger zerolog.Logger
}

// New creates a router over the store's rules.
func New(store storage.Store) *Router {
	return &Router{
		store:  store,
		logger: log.WithComponent("router"),
	}
}

// Refresh reloads and recompiles the enabled rules. Rules that fail to
// compile are skipped with a warning rather than poisoning the set.
func (r *Router) Refresh(ctx context.Context) error {
	rules, err := r.store.ListRules(ctx, true)
	if err != nil {
		return err
	}

	compiled := make([]*compiledRule, 0, len(rules))
	byLabel := make(map[string][]*compiledRule)
	var unlabeled []*compiledRule
	for _, rule := range rules {
		cr, err := compile(rule)
		if err != nil {
			r.logger.Warn().Err(err).Str("rule", rule.Name).Msg("Skipping rule that does not compile")
			continue
		}
		compiled = append(compiled, cr)
		if len(rule.Conditions.Labels) == 0 {
			unlabeled = append(unlabeled, cr)
			continue
		}
		for _, label := range rule.Conditions.Labels {
			byLabel[label] = append(byLabel[label], cr)
		}
	}
	sort.SliceStable(compiled, func(i, j int) bool {
		return compiled[i].rule.Priority > compiled[j].rule.Priority
	})

	r.mu.Lock()
	r.rules = compiled
	r.byLabel = byLabel
	r.unlabeled = unlabeled
	r.loadedAt = time.Now()
	r.mu.Unlock()
	return nil
}

// Invalidate forces the next routing call to reload the rules. Called
// by the API after any rule mutation.
func (r *Router) Invalidate() {
	r.mu.Lock()
	r.loadedAt = time.Time{}
	r.mu.Unlock()
}

func (r *Router) ensureFresh(ctx context.Context) error {
	r.mu.RLock()
	fresh := time.Since(r.loadedAt) < refreshInterval
	r.mu.RUnlock()
	if fresh {
		return nil
	}
	return r.Refresh(ctx)
}

// eligible pre-filters rules through the label index: a rule survives
// only if every label it requires appears on the job. The result keeps
// priority order.
func (r *Router) eligible(job *types.Job) []*compiledRule {
	r.mu.RLock()
	defer r.mu.RUnlock()

	satisfied := make(map[*compiledRule]int)
	for _, label := range job.Labels {
		for _, cr := range r.byLabel[label] {
			satisfied[cr]++
		}
	}

	out := make([]*compiledRule, 0, len(r.unlabeled)+len(satisfied))
	for _, cr := range r.rules {
		if len(cr.rule.Conditions.Labels) == 0 {
			out = append(out, cr)
			continue
		}
		if satisfied[cr] == len(cr.rule.Conditions.Labels) {
			out = append(out, cr)
		}
	}
	return out
}

// Route evaluates the rules for a job and appends a RoutingDecision.
func (r *Router) Route(ctx context.Context, job *types.Job) (*Decision, error) {
	decision, err := r.decide(ctx, job)
	if err != nil {
		return nil, err
	}
	record := &types.RoutingDecision{
		JobID:          job.ID,
		CandidateCount: len(decision.Candidates),
		Reason:         decision.Reason,
		Timestamp:      time.Now().UTC(),
	}
	if decision.MatchedRule != nil {
		record.MatchedRuleID = &decision.MatchedRule.ID
	}
	if decision.Selected != nil {
		record.SelectedRunnerID = &decision.Selected.ID
	}
	if err := r.store.AppendDecision(ctx, record); err != nil {
		return nil, err
	}
	return decision, nil
}

// Preview evaluates the rules without recording a decision. Used by
// the dry-run API.
func (r *Router) Preview(ctx context.Context, job *types.Job) (*Decision, error) {
	return r.decide(ctx, job)
}

func (r *Router) decide(ctx context.Context, job *types.Job) (*Decision, error) {
	if job.Repository == "" {
		return nil, types.Validationf("routing needs a repository")
	}
	if err := r.ensureFresh(ctx); err != nil {
		return nil, err
	}

	for _, cr := range r.eligible(job) {
		if !cr.matches(job) {
			continue
		}
		return r.resolveTargets(ctx, job, cr.rule)
	}
	return r.defaultPolicy(ctx, job)
}

// resolveTargets collects candidate runners for a matched rule. An
// exclusive rule admits only runners whose label set equals the target
// set exactly. An empty candidate set still reports the match; the
// caller reacts by scaling.
func (r *Router) resolveTargets(ctx context.Context, job *types.Job, rule *types.RoutingRule) (*Decision, error) {
	repository := job.Repository
	if rule.Targets.PoolOverride != "" {
		repository = rule.Targets.PoolOverride
	}
	runners, err := r.liveRunners(ctx, repository)
	if err != nil {
		return nil, err
	}

	candidates := lo.Filter(runners, func(runner *types.Runner, _ int) bool {
		if rule.Targets.Exclusive {
			return runner.Labels.Equal(rule.Targets.RunnerLabels)
		}
		return rule.Targets.RunnerLabels.SubsetOf(runner.Labels)
	})

	decision := &Decision{
		MatchedRule: rule,
		Candidates:  candidates,
		Selected:    selectRunner(candidates),
	}
	switch {
	case decision.Selected != nil:
		decision.Reason = fmt.Sprintf("rule %q selected runner %s", rule.Name, decision.Selected.Name)
	case len(candidates) > 0:
		decision.Reason = fmt.Sprintf("rule %q matched, %d candidates, none idle", rule.Name, len(candidates))
	case rule.Targets.Exclusive:
		decision.Reason = fmt.Sprintf("rule %q matched, no runner with exact labels [%s]", rule.Name, rule.Targets.RunnerLabels)
	default:
		decision.Reason = fmt.Sprintf("rule %q matched, no runner with labels [%s]", rule.Name, rule.Targets.RunnerLabels)
	}
	return decision, nil
}

// defaultPolicy applies when no rule matches: any idle runner of the
// job's repository carrying a superset of the job's labels.
func (r *Router) defaultPolicy(ctx context.Context, job *types.Job) (*Decision, error) {
	runners, err := r.liveRunners(ctx, job.Repository)
	if err != nil {
		return nil, err
	}
	candidates := lo.Filter(runners, func(runner *types.Runner, _ int) bool {
		return job.Labels.SubsetOf(runner.Labels)
	})

	decision := &Decision{
		Candidates: candidates,
		Selected:   selectRunner(candidates),
	}
	if decision.Selected != nil {
		decision.Reason = fmt.Sprintf("default policy selected runner %s", decision.Selected.Name)
	} else {
		decision.Reason = fmt.Sprintf("no rule matched, no idle runner with labels [%s]", job.Labels)
	}
	return decision, nil
}

func (r *Router) liveRunners(ctx context.Context, repository string) ([]*types.Runner, error) {
	return r.store.ListRunners(ctx, storage.RunnerFilter{
		Repository: repository,
		Statuses:   []types.RunnerStatus{types.RunnerStatusIdle, types.RunnerStatusBusy},
	})
}

// selectRunner picks the best idle candidate: longest idle first, then
// fewest lifetime jobs served. Busy candidates are never selected;
// they only prove the rule has a live target class.
func selectRunner(candidates []*types.Runner) *types.Runner {
	var best *types.Runner
	for _, runner := range candidates {
		if runner.Status != types.RunnerStatusIdle {
			continue
		}
		if best == nil || idleBefore(runner, best) {
			best = runner
		}
	}
	return best
}

func idleBefore(a, b *types.Runner) bool {
	at, bt := idleSince(a), idleSince(b)
	if !at.Equal(bt) {
		return at.Before(bt)
	}
	return a.JobsServed < b.JobsServed
}

func idleSince(r *types.Runner) time.Time {
	if r.IdleSince != nil {
		return *r.IdleSince
	}
	return r.CreatedAt
}
