// Package auction implements the auction orchestration pipeline: given a
// set of interest groups and an auction configuration, it runs the
// buyer-supplied bidding functions and the seller-supplied scoring
// function against the current function repository snapshot and produces
// a ranked winner and losers.
//
// This package's exported types follow an AuctionRequest/AuctionResponse
// split: immutable input structs in, a single result struct out, with
// per-candidate bookkeeping kept internal to the driver.
package auction

import "encoding/json"

// FunctionSpec identifies one scoring or bidding function by URI and,
// for local:// URIs, carries its literal source.
type FunctionSpec struct {
	SpecURI      string `json:"uri" yaml:"uri"`
	InlineSource string `json:"inlineSource,omitempty" yaml:"source,omitempty"`
}

// URI satisfies fetch.FunctionSpecSource.
func (f FunctionSpec) URI() string { return f.SpecURI }

// InlineSourceText satisfies fetch.FunctionSpecSource.
func (f FunctionSpec) InlineSourceText() string { return f.InlineSource }

// Ad is a single creative entry inside an interest group.
type Ad struct {
	RenderURL string          `json:"renderUrl"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
}

// InterestGroup is one candidate buyer in an auction.
type InterestGroup struct {
	Owner                 string          `json:"owner"`
	Name                  string          `json:"name"`
	BiddingLogicURL       string          `json:"biddingLogicUrl"`
	Ads                   []Ad            `json:"ads,omitempty"`
	UserBiddingSignals    json.RawMessage `json:"userBiddingSignals,omitempty"`
	TrustedBiddingSignals json.RawMessage `json:"trustedBiddingSignals,omitempty"`
	BrowserSignals        json.RawMessage `json:"browserSignals,omitempty"`
}

// AuctionConfiguration is the seller-supplied configuration for one
// RunAdAuction call.
type AuctionConfiguration struct {
	Seller              string                     `json:"seller"`
	DecisionLogicURL    string                     `json:"decisionLogicUrl"`
	InterestGroupBuyers []string                   `json:"interestGroupBuyers"`
	AuctionSignals      json.RawMessage            `json:"auctionSignals,omitempty"`
	SellerSignals       json.RawMessage            `json:"sellerSignals,omitempty"`
	PerBuyerSignals     map[string]json.RawMessage `json:"perBuyerSignals,omitempty"`
}

// ScoredBid is one fully-scored candidate: the output of running a
// bidder then a scorer against it.
type ScoredBid struct {
	Owner             string  `json:"owner"`
	Name              string  `json:"name"`
	RenderURL         string  `json:"renderUrl"`
	BidPrice          float64 `json:"bidPrice"`
	DesirabilityScore float64 `json:"desirabilityScore"`
}

// BiddingFunctionInput is the five FLEDGE arguments passed to generateBid.
type BiddingFunctionInput struct {
	InterestGroup         InterestGroup   `json:"interestGroup"`
	AuctionSignals        json.RawMessage `json:"auctionSignals,omitempty"`
	PerBuyerSignals       json.RawMessage `json:"perBuyerSignals,omitempty"`
	TrustedBiddingSignals json.RawMessage `json:"trustedBiddingSignals,omitempty"`
	BrowserSignals        json.RawMessage `json:"browserSignals,omitempty"`
}

// BiddingFunctionOutput is generateBid's return shape.
type BiddingFunctionOutput struct {
	Ad        json.RawMessage `json:"ad,omitempty"`
	Bid       float64         `json:"bid"`
	RenderURL string          `json:"renderUrl"`
}

// AdScoringFunctionInput is the five arguments passed to scoreAd.
type AdScoringFunctionInput struct {
	AdMetadata            json.RawMessage      `json:"adMetadata,omitempty"`
	Bid                   float64              `json:"bid"`
	AuctionConfig         AuctionConfiguration `json:"auctionConfig"`
	TrustedScoringSignals json.RawMessage      `json:"trustedScoringSignals,omitempty"`
	BrowserSignals        json.RawMessage      `json:"browserSignals,omitempty"`
}

// AdScoringFunctionOutput is scoreAd's return shape.
type AdScoringFunctionOutput struct {
	DesirabilityScore float64 `json:"desirabilityScore"`
}

// RunAdAuctionResult is the outcome of RunAdAuction: an optional winner
// and the remaining candidates, sorted non-increasing by
// DesirabilityScore.
type RunAdAuctionResult struct {
	Winner *ScoredBid  `json:"winner,omitempty"`
	Losers []ScoredBid `json:"losers,omitempty"`
}
