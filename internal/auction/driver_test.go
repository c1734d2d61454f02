package auction

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/worklethost/auctionserver/internal/repository"
	"github.com/worklethost/auctionserver/internal/scriptengine"
	"github.com/worklethost/auctionserver/internal/status"
)

func compileBidder(t *testing.T, source string) *scriptengine.CompiledScript {
	t.Helper()
	cs, err := scriptengine.Compile(scriptengine.RoleBidder, source, scriptengine.Options{})
	if err != nil {
		t.Fatalf("compile bidder: %v", err)
	}
	return cs
}

func compileScorer(t *testing.T, source string) *scriptengine.CompiledScript {
	t.Helper()
	cs, err := scriptengine.Compile(scriptengine.RoleScorer, source, scriptengine.Options{})
	if err != nil {
		t.Fatalf("compile scorer: %v", err)
	}
	return cs
}

func rawSignals(t *testing.T, v interface{}) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal signals: %v", err)
	}
	return b
}

func TestComputeBidDoublingBidder(t *testing.T) {
	repo := repository.New()
	repo.Swap(&repository.Snapshot{
		Bidders: map[string]repository.Entry{
			"local://double": {Script: compileBidder(t, `input => ({ bid: input.perBuyerSignals.foo * 2 })`), IsAvailable: true},
		},
		Scorers: map[string]repository.Entry{},
	})

	driver := NewDriver(repo)
	out, err := driver.ComputeBid(context.Background(), "local://double", BiddingFunctionInput{
		PerBuyerSignals: rawSignals(t, map[string]int{"foo": 21}),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Bid != 42.0 {
		t.Fatalf("expected bid 42.0, got %v", out.Bid)
	}
}

// TestComputeBidDispatch checks that the same input routed to a
// different uri produces that bidder's result, not a cached one.
func TestComputeBidDispatch(t *testing.T) {
	repo := repository.New()
	repo.Swap(&repository.Snapshot{
		Bidders: map[string]repository.Entry{
			"local://double": {Script: compileBidder(t, `input => ({ bid: input.perBuyerSignals.foo * 2 })`), IsAvailable: true},
			"local://triple": {Script: compileBidder(t, `input => ({ bid: input.perBuyerSignals.foo * 3 })`), IsAvailable: true},
		},
		Scorers: map[string]repository.Entry{},
	})

	driver := NewDriver(repo)
	out, err := driver.ComputeBid(context.Background(), "local://triple", BiddingFunctionInput{
		PerBuyerSignals: rawSignals(t, map[string]int{"foo": 21}),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Bid != 63.0 {
		t.Fatalf("expected bid 63.0, got %v", out.Bid)
	}
}

func TestComputeBidMissingBidder(t *testing.T) {
	repo := repository.New()
	repo.Swap(&repository.Snapshot{Bidders: map[string]repository.Entry{}, Scorers: map[string]repository.Entry{}})

	driver := NewDriver(repo)
	_, err := driver.ComputeBid(context.Background(), "local://missing", BiddingFunctionInput{})
	if status.KindOf(err) != status.NotFound {
		t.Fatalf("expected not-found, got %v", status.KindOf(err))
	}
}

func TestComputeBidUnavailableBidder(t *testing.T) {
	repo := repository.New()
	repo.Swap(&repository.Snapshot{
		Bidders: map[string]repository.Entry{"local://broken": {IsAvailable: false}},
		Scorers: map[string]repository.Entry{},
	})

	driver := NewDriver(repo)
	_, err := driver.ComputeBid(context.Background(), "local://broken", BiddingFunctionInput{})
	if status.KindOf(err) != status.Unavailable {
		t.Fatalf("expected unavailable, got %v", status.KindOf(err))
	}
}

const funnyBidder = `input => ({ ad: { funny: input.interestGroup.ads[0].metadata.funny }, bid: input.perBuyerSignals.foo * 2, renderUrl: input.interestGroup.ads[0].renderUrl })`
const ufoBidder = `input => ({ ad: { funny: false }, bid: input.perBuyerSignals.foo * input.perBuyerSignals.engagement, renderUrl: input.interestGroup.ads[0].renderUrl })`
const preferFunnyScorer = `input => ({ desirabilityScore: input.adMetadata.funny ? input.bid * 2 : input.bid })`

func baseAuctionGroups() []InterestGroup {
	return []InterestGroup{
		{
			Owner: "adnetwork.example", Name: "funnytoons",
			BiddingLogicURL: "local://funnyBidder",
			Ads:             []Ad{{RenderURL: "https://cdn.example/funny.png", Metadata: json.RawMessage(`{"funny":true}`)}},
		},
		{
			Owner: "dsp.example", Name: "ufoconspiracies",
			BiddingLogicURL: "local://ufoBidder",
			Ads:             []Ad{{RenderURL: "https://cdn.example/ufo.png", Metadata: json.RawMessage(`{"funny":false}`)}},
		},
	}
}

func baseAuctionConfig() AuctionConfiguration {
	return AuctionConfiguration{
		Seller:              "seller.example",
		DecisionLogicURL:    "local://preferFunnyAds",
		InterestGroupBuyers: []string{"adnetwork.example", "dsp.example"},
		PerBuyerSignals: map[string]json.RawMessage{
			"adnetwork.example": json.RawMessage(`{"foo":21}`),
			"dsp.example":       json.RawMessage(`{"foo":20,"engagement":3.5}`),
		},
	}
}

func baseSnapshot(t *testing.T) *repository.Snapshot {
	return &repository.Snapshot{
		Bidders: map[string]repository.Entry{
			"local://funnyBidder": {Script: compileBidder(t, funnyBidder), IsAvailable: true},
			"local://ufoBidder":   {Script: compileBidder(t, ufoBidder), IsAvailable: true},
		},
		Scorers: map[string]repository.Entry{
			"local://preferFunnyAds": {Script: compileScorer(t, preferFunnyScorer), IsAvailable: true},
		},
	}
}

func TestRunAdAuctionFunnyWins(t *testing.T) {
	repo := repository.New()
	repo.Swap(baseSnapshot(t))

	driver := NewDriver(repo)
	result, err := driver.RunAdAuction(context.Background(), baseAuctionConfig(), baseAuctionGroups(), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if result.Winner == nil {
		t.Fatal("expected a winner")
	}
	if result.Winner.Name != "funnytoons" || result.Winner.BidPrice != 42 || result.Winner.DesirabilityScore != 84 {
		t.Fatalf("unexpected winner: %+v", result.Winner)
	}
	if len(result.Losers) != 1 || result.Losers[0].Name != "ufoconspiracies" || result.Losers[0].BidPrice != 70 || result.Losers[0].DesirabilityScore != 70 {
		t.Fatalf("unexpected losers: %+v", result.Losers)
	}
}

// TestRunAdAuctionRefreshSwap checks that swapping in a snapshot with a
// different scorer changes the outcome of the next auction.
func TestRunAdAuctionRefreshSwap(t *testing.T) {
	repo := repository.New()
	repo.Swap(baseSnapshot(t))
	driver := NewDriver(repo)

	result, err := driver.RunAdAuction(context.Background(), baseAuctionConfig(), baseAuctionGroups(), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Winner == nil || result.Winner.DesirabilityScore != 84 {
		t.Fatalf("expected pre-refresh winner score 84, got %+v", result.Winner)
	}

	next := baseSnapshot(t)
	next.Scorers["local://preferFunnyAds"] = repository.Entry{
		Script:      compileScorer(t, `input => ({ desirabilityScore: input.adMetadata.funny ? input.bid * 1.5 : input.bid })`),
		IsAvailable: true,
	}
	repo.Swap(next)

	result, err = driver.RunAdAuction(context.Background(), baseAuctionConfig(), baseAuctionGroups(), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Winner == nil || result.Winner.Name != "ufoconspiracies" || result.Winner.DesirabilityScore != 70 {
		t.Fatalf("expected post-refresh winner ufoconspiracies at 70, got %+v", result.Winner)
	}
	if len(result.Losers) != 1 || result.Losers[0].Name != "funnytoons" || result.Losers[0].DesirabilityScore != 63 {
		t.Fatalf("expected post-refresh loser funnytoons at 63, got %+v", result.Losers)
	}
}

func TestRunAdAuctionFailingBidderSkipped(t *testing.T) {
	repo := repository.New()
	repo.Swap(&repository.Snapshot{
		Bidders: map[string]repository.Entry{
			"local://throws": {Script: compileBidder(t, `function generateBid(input) { return 1000 + input.perBuyerSignals.foo.bar.baz; }`), IsAvailable: true},
			"local://valid":  {Script: compileBidder(t, `input => ({ bid: 60, renderUrl: "https://cdn.example/b.png" })`), IsAvailable: true},
		},
		Scorers: map[string]repository.Entry{
			"local://scorer": {Script: compileScorer(t, `input => ({ desirabilityScore: input.bid })`), IsAvailable: true},
		},
	})

	groups := []InterestGroup{
		{Owner: "a.example", Name: "A", BiddingLogicURL: "local://throws"},
		{Owner: "b.example", Name: "B", BiddingLogicURL: "local://valid"},
	}
	config := AuctionConfiguration{
		DecisionLogicURL:    "local://scorer",
		InterestGroupBuyers: []string{"a.example", "b.example"},
		PerBuyerSignals: map[string]json.RawMessage{
			"a.example": json.RawMessage(`{"foo":1}`),
		},
	}

	driver := NewDriver(repo)
	result, err := driver.RunAdAuction(context.Background(), config, groups, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Winner == nil || result.Winner.Name != "B" || result.Winner.BidPrice != 60 {
		t.Fatalf("expected B to win with bid 60, got %+v", result.Winner)
	}
	if len(result.Losers) != 0 {
		t.Fatalf("expected no losers, got %+v", result.Losers)
	}
}

// TestRunAdAuctionAllAdsFiltered: every candidate scores 0, so there
// is no winner and every candidate appears in losers.
func TestRunAdAuctionAllAdsFiltered(t *testing.T) {
	repo := repository.New()
	repo.Swap(&repository.Snapshot{
		Bidders: map[string]repository.Entry{
			"local://a": {Script: compileBidder(t, `input => ({ bid: 10 })`), IsAvailable: true},
			"local://b": {Script: compileBidder(t, `input => ({ bid: 20 })`), IsAvailable: true},
		},
		Scorers: map[string]repository.Entry{
			"local://zero": {Script: compileScorer(t, `input => ({ desirabilityScore: 0 })`), IsAvailable: true},
		},
	})

	groups := []InterestGroup{
		{Owner: "a.example", Name: "A", BiddingLogicURL: "local://a"},
		{Owner: "b.example", Name: "B", BiddingLogicURL: "local://b"},
	}
	config := AuctionConfiguration{
		DecisionLogicURL:    "local://zero",
		InterestGroupBuyers: []string{"a.example", "b.example"},
	}

	driver := NewDriver(repo)
	result, err := driver.RunAdAuction(context.Background(), config, groups, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Winner != nil {
		t.Fatalf("expected no winner, got %+v", result.Winner)
	}
	if len(result.Losers) != 2 {
		t.Fatalf("expected both candidates as losers, got %+v", result.Losers)
	}
	for _, l := range result.Losers {
		if l.DesirabilityScore != 0 {
			t.Fatalf("expected score 0, got %+v", l)
		}
	}
}

func TestRunAdAuctionBidderNotInAllowSet(t *testing.T) {
	repo := repository.New()
	repo.Swap(&repository.Snapshot{
		Bidders: map[string]repository.Entry{
			"local://a": {Script: compileBidder(t, `input => ({ bid: 10 })`), IsAvailable: true},
		},
		Scorers: map[string]repository.Entry{
			"local://scorer": {Script: compileScorer(t, `input => ({ desirabilityScore: input.bid })`), IsAvailable: true},
		},
	})

	groups := []InterestGroup{{Owner: "not-allowed.example", Name: "A", BiddingLogicURL: "local://a"}}
	config := AuctionConfiguration{DecisionLogicURL: "local://scorer", InterestGroupBuyers: []string{"allowed.example"}}

	driver := NewDriver(repo)
	result, err := driver.RunAdAuction(context.Background(), config, groups, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Winner != nil || len(result.Losers) != 0 {
		t.Fatalf("expected an empty result, got winner=%+v losers=%+v", result.Winner, result.Losers)
	}
}

func TestRunAdAuctionNoEligibleCandidates(t *testing.T) {
	repo := repository.New()
	repo.Swap(&repository.Snapshot{
		Bidders: map[string]repository.Entry{},
		Scorers: map[string]repository.Entry{
			"local://scorer": {Script: compileScorer(t, `input => ({ desirabilityScore: input.bid })`), IsAvailable: true},
		},
	})

	driver := NewDriver(repo)
	config := AuctionConfiguration{DecisionLogicURL: "local://scorer", InterestGroupBuyers: []string{}}
	result, err := driver.RunAdAuction(context.Background(), config, nil, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Winner != nil || len(result.Losers) != 0 {
		t.Fatalf("expected an empty result, got winner=%+v losers=%+v", result.Winner, result.Losers)
	}
}

func TestRunAdAuctionMissingScorerFailsWholeAuction(t *testing.T) {
	repo := repository.New()
	repo.Swap(&repository.Snapshot{
		Bidders: map[string]repository.Entry{
			"local://a": {Script: compileBidder(t, `input => ({ bid: 10 })`), IsAvailable: true},
		},
		Scorers: map[string]repository.Entry{},
	})

	groups := []InterestGroup{{Owner: "a.example", Name: "A", BiddingLogicURL: "local://a"}}
	config := AuctionConfiguration{DecisionLogicURL: "local://missing", InterestGroupBuyers: []string{"a.example"}}

	driver := NewDriver(repo)
	_, err := driver.RunAdAuction(context.Background(), config, groups, nil)
	if status.KindOf(err) != status.NotFound {
		t.Fatalf("expected not-found, got %v", status.KindOf(err))
	}
}
