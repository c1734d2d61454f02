package auction

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/worklethost/auctionserver/internal/metrics"
	"github.com/worklethost/auctionserver/internal/repository"
	"github.com/worklethost/auctionserver/internal/status"
	"github.com/worklethost/auctionserver/pkg/logger"
)

// maxConcurrentBidders bounds how many generateBid invocations run in
// parallel per auction.
const maxConcurrentBidders = 10

// Driver runs ComputeBid and RunAdAuction against the current
// repository snapshot: acquire the snapshot once at entry, call
// bidders in parallel behind a semaphore, isolate per-candidate
// failures so one bad bidder cannot fail the whole auction, then run
// the seller's scoring function and sort stably by descending
// desirability score.
type Driver struct {
	repo    *repository.Repository
	metrics *metrics.Metrics
}

// NewDriver constructs a Driver reading from repo.
func NewDriver(repo *repository.Repository) *Driver {
	return &Driver{repo: repo}
}

// WithMetrics attaches m so RunAdAuction records auction outcome, bid,
// and candidate-skip metrics. Optional: a Driver with no metrics
// attached runs unmetered, which is what every existing test does.
func (d *Driver) WithMetrics(m *metrics.Metrics) *Driver {
	d.metrics = m
	return d
}

// ComputeBid runs one bidding function, identified by its uri, against
// a single BiddingFunctionInput. A
// missing or unavailable bidder is reported as status.NotFound /
// status.Unavailable; a script invocation failure propagates
// verbatim, never silently swallowed the way RunAdAuction treats a
// losing candidate.
func (d *Driver) ComputeBid(ctx context.Context, name string, input BiddingFunctionInput) (*BiddingFunctionOutput, error) {
	snapshot := d.repo.Current()
	if snapshot == nil {
		return nil, status.New(status.Unavailable, "function repository has no snapshot yet")
	}

	script, avail := snapshot.LookupBidder(name)
	switch avail {
	case repository.NotFound:
		return nil, status.Newf(status.NotFound, "no bidding function registered for uri %q", name)
	case repository.Unavailable:
		return nil, status.Newf(status.Unavailable, "bidding function %q is unavailable", name)
	}

	args, err := json.Marshal([]interface{}{input})
	if err != nil {
		return nil, status.Wrap(status.Internal, "marshal bidding function arguments", err)
	}

	var out BiddingFunctionOutput
	if err := script.Invoke(ctx, args, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// candidateOutcome is the per-interest-group result of running a
// bidder and then the scorer against its bid, kept internal so a
// single candidate's skip reason never leaks into the caller-visible
// result; it stays logging/metrics-only.
type candidateOutcome struct {
	group InterestGroup
	bid   *BiddingFunctionOutput
	score float64
	// skip is the human-readable reason logged for debugging; it can
	// carry free-text like a marshal error's message.
	skip string
	// skipReason is a small, stable set of values safe to use as a
	// Prometheus label, unlike skip.
	skipReason string
}

// RunAdAuction runs every eligible interest group's bidding function,
// scores the resulting bids with the seller's scoring function, and
// returns a winner (desirability score > 0) plus the remaining
// candidates sorted non-increasing by score.
//
// Per-candidate bidder failures (missing/unavailable bidder, a bidder
// invocation error) silently drop that candidate from the result. A non-positive
// score never drops a candidate: it is still returned as a loser, it
// simply can never be the winner. A missing scoring function fails
// the whole auction, since there is no meaningful partial result
// without it.
func (d *Driver) RunAdAuction(ctx context.Context, config AuctionConfiguration, groups []InterestGroup, trustedScoringSignals map[string]json.RawMessage) (result *RunAdAuctionResult, err error) {
	start := time.Now()
	candidateCount := 0
	defer func() {
		if d.metrics == nil {
			return
		}
		outcome := "no_winner"
		if err != nil {
			outcome = "error"
		} else if result != nil && result.Winner != nil {
			outcome = "winner"
		}
		d.metrics.RecordAuction(outcome, time.Since(start), candidateCount)
	}()

	snapshot := d.repo.Current()
	if snapshot == nil {
		return nil, status.New(status.Unavailable, "function repository has no snapshot yet")
	}

	eligible := make([]InterestGroup, 0, len(groups))
	allowed := make(map[string]bool, len(config.InterestGroupBuyers))
	for _, b := range config.InterestGroupBuyers {
		allowed[b] = true
	}
	for _, g := range groups {
		if allowed[g.Owner] {
			eligible = append(eligible, g)
		}
	}

	// A scorer is only resolved once there is at least one eligible
	// candidate to score: the scoring function is only ever needed
	// inside the per-candidate loop, so zero eligible candidates returns
	// OK with an empty result even if decision_logic_url names nothing
	// usable.
	if len(eligible) == 0 {
		return &RunAdAuctionResult{}, nil
	}

	scorer, avail := snapshot.LookupScorer(config.DecisionLogicURL)
	if avail == repository.NotFound {
		return nil, status.Newf(status.NotFound, "no scoring function registered for uri %q", config.DecisionLogicURL)
	}
	if avail == repository.Unavailable {
		return nil, status.Newf(status.Unavailable, "scoring function %q is unavailable", config.DecisionLogicURL)
	}

	outcomes := d.runBidders(ctx, snapshot, config, eligible)

	if err := d.scoreOutcomes(ctx, scorer, config, outcomes, trustedScoringSignals); err != nil {
		return nil, err
	}

	candidates := make([]candidateOutcome, 0, len(outcomes))
	for _, o := range outcomes {
		if o.skip != "" {
			l := logger.FromContext(ctx)
			l.Debug().Str("owner", o.group.Owner).Str("reason", o.skip).Msg("candidate skipped in auction")
			if d.metrics != nil {
				d.metrics.RecordCandidateSkipped(o.skipReason)
			}
			continue
		}
		candidates = append(candidates, o)
	}
	candidateCount = len(candidates)

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].score > candidates[j].score
	})

	out := &RunAdAuctionResult{}
	for i, c := range candidates {
		bid := ScoredBid{
			Owner:             c.group.Owner,
			Name:              c.group.Name,
			RenderURL:         c.bid.RenderURL,
			BidPrice:          c.bid.Bid,
			DesirabilityScore: c.score,
		}
		if i == 0 && c.score > 0 {
			winner := bid
			out.Winner = &winner
			continue
		}
		out.Losers = append(out.Losers, bid)
	}
	return out, nil
}

// runBidders calls each eligible group's bidding function in parallel,
// bounded by maxConcurrentBidders. Each candidate's bidder is
// resolved by its own bidding_logic_url, not by owner: two interest
// groups from the same owner may name different bidding functions.
func (d *Driver) runBidders(ctx context.Context, snapshot *repository.Snapshot, config AuctionConfiguration, groups []InterestGroup) []candidateOutcome {
	outcomes := make([]candidateOutcome, len(groups))
	var wg sync.WaitGroup
	sem := make(chan struct{}, maxConcurrentBidders)

	for i, group := range groups {
		wg.Add(1)
		go func(i int, group InterestGroup) {
			defer wg.Done()

			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				outcomes[i] = candidateOutcome{group: group, skip: "context cancelled", skipReason: "context_cancelled"}
				return
			}

			script, avail := snapshot.LookupBidder(group.BiddingLogicURL)
			if avail != repository.Present {
				outcomes[i] = candidateOutcome{group: group, skip: "bidder " + availabilityLabel(avail), skipReason: "bidder_" + availabilityReason(avail)}
				return
			}

			perBuyer := config.PerBuyerSignals[group.Owner]
			input := BiddingFunctionInput{
				InterestGroup:         group,
				AuctionSignals:        config.AuctionSignals,
				PerBuyerSignals:       perBuyer,
				TrustedBiddingSignals: group.TrustedBiddingSignals,
				BrowserSignals:        group.BrowserSignals,
			}
			args, err := json.Marshal([]interface{}{input})
			if err != nil {
				outcomes[i] = candidateOutcome{group: group, skip: "marshal bidder input: " + err.Error(), skipReason: "marshal_error"}
				return
			}

			var out BiddingFunctionOutput
			if err := script.Invoke(ctx, args, &out); err != nil {
				outcomes[i] = candidateOutcome{group: group, skip: "bidder invocation failed: " + err.Error(), skipReason: "bidder_invocation_error"}
				return
			}
			if d.metrics != nil {
				d.metrics.RecordBid(group.Owner)
			}
			outcomes[i] = candidateOutcome{group: group, bid: &out}
		}(i, group)
	}

	wg.Wait()
	return outcomes
}

// scoreOutcomes runs the seller's scoring function against every
// candidate that produced a bid. The scorer itself failing to invoke
// is a whole-auction failure, not a per-candidate skip, since the
// spec treats a missing/broken scorer as fatal.
func (d *Driver) scoreOutcomes(ctx context.Context, scorer repository.Invoker, config AuctionConfiguration, outcomes []candidateOutcome, trustedScoringSignals map[string]json.RawMessage) error {
	for i := range outcomes {
		o := &outcomes[i]
		if o.skip != "" || o.bid == nil {
			continue
		}

		input := AdScoringFunctionInput{
			AdMetadata:            o.bid.Ad,
			Bid:                   o.bid.Bid,
			AuctionConfig:         config,
			TrustedScoringSignals: trustedScoringSignals[o.bid.RenderURL],
			BrowserSignals:        o.group.BrowserSignals,
		}
		args, err := json.Marshal([]interface{}{input})
		if err != nil {
			return status.Wrap(status.Internal, "marshal scoring function arguments", err)
		}

		var scoreOut AdScoringFunctionOutput
		if err := scorer.Invoke(ctx, args, &scoreOut); err != nil {
			return err
		}
		// A non-positive score still produces a ScoredBid: it can never be
		// the winner (enforced below, in RunAdAuction's winner check), but
		// it belongs in losers like any other scored candidate.
		o.score = scoreOut.DesirabilityScore
	}
	return nil
}

func availabilityLabel(a repository.Availability) string {
	switch a {
	case repository.Unavailable:
		return "unavailable"
	default:
		return "not found"
	}
}

// availabilityReason is availabilityLabel with underscores instead of
// spaces, kept low-cardinality and label-safe for skipReason.
func availabilityReason(a repository.Availability) string {
	switch a {
	case repository.Unavailable:
		return "unavailable"
	default:
		return "not_found"
	}
}
