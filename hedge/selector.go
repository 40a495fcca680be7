// Package hedge picks the protective leg for a new position.
package hedge

import (
	"context"
	"errors"
	"fmt"
	"log"

	"optra/broker"
	"optra/metrics"
)

// Mode selects how the hedge strike is chosen.
type Mode string

const (
	// ModeOffset places the hedge a fixed distance beyond the main strike.
	ModeOffset Mode = "offset"
	// ModePercentage searches for the strike whose premium is closest to a
	// percentage of the main premium.
	ModePercentage Mode = "percentage"
)

// ErrNotFound is returned when no hedge strike can be produced at all.
var ErrNotFound = errors.New("no hedge strike found")

// Config bounds the percentage-mode search. Window and step are heuristics,
// not load-bearing behavior; both are configurable.
type Config struct {
	StrikeStep   float64 // distance between candidate strikes
	SearchWindow int     // candidates examined before falling back
}

// Selection is the chosen hedge leg. Price is zero in pure offset mode,
// where no premium lookup happens; the actual fill price comes from the
// broker at placement time.
type Selection struct {
	Strike   float64 `json:"strike"`
	Price    float64 `json:"price"`
	Mode     Mode    `json:"mode"`
	FellBack bool    `json:"fell_back,omitempty"`
}

// Selector runs the bounded nearest-match search against live market data.
// It runs synchronously on the order-placement path, so its cost is capped by
// SearchWindow.
type Selector struct {
	md       broker.MarketData
	notifier broker.Notifier
	cfg      Config
}

// NewSelector wires a hedge selector. Zero config fields get conservative
// defaults.
func NewSelector(md broker.MarketData, notifier broker.Notifier, cfg Config) *Selector {
	if cfg.StrikeStep <= 0 {
		cfg.StrikeStep = 50
	}
	if cfg.SearchWindow <= 0 {
		cfg.SearchWindow = 10
	}
	if notifier == nil {
		notifier = broker.LogNotifier{}
	}
	return &Selector{md: md, notifier: notifier, cfg: cfg}
}

// hedgeDirection returns the signed step moving away from the main strike:
// lower strikes for a PUT hedge, higher for a CALL hedge.
func hedgeDirection(optType broker.OptionType) float64 {
	if optType == broker.Put {
		return -1
	}
	return 1
}

// Select picks the hedge strike for a main leg. In offset mode targetValue
// is the strike distance; in percentage mode it is the percentage of
// mainPremium to aim for.
func (s *Selector) Select(ctx context.Context, mainStrike float64, optType broker.OptionType, expiry string, mainPremium float64, mode Mode, targetValue float64) (Selection, error) {
	switch mode {
	case ModeOffset:
		return s.selectOffset(mainStrike, optType, targetValue)
	case ModePercentage:
		return s.selectPercentage(ctx, mainStrike, optType, expiry, mainPremium, targetValue)
	}
	return Selection{}, fmt.Errorf("%w: unknown mode %q", ErrNotFound, mode)
}

func (s *Selector) selectOffset(mainStrike float64, optType broker.OptionType, offset float64) (Selection, error) {
	strike := mainStrike + hedgeDirection(optType)*offset
	if strike <= 0 {
		return Selection{}, fmt.Errorf("%w: offset %.2f pushes strike to %.2f", ErrNotFound, offset, strike)
	}
	return Selection{Strike: strike, Mode: ModeOffset}, nil
}

func (s *Selector) selectPercentage(ctx context.Context, mainStrike float64, optType broker.OptionType, expiry string, mainPremium, percentage float64) (Selection, error) {
	target := mainPremium * percentage / 100
	dir := hedgeDirection(optType)

	var (
		bestStrike float64
		bestPrice  float64
		bestDiff   float64
		found      bool
	)

	// Walk candidates nearest-first so a tie keeps the strike closer to
	// the main leg.
	for i := 1; i <= s.cfg.SearchWindow; i++ {
		strike := mainStrike + dir*float64(i)*s.cfg.StrikeStep
		if strike <= 0 {
			break
		}

		price, err := s.md.GetOptionPrice(ctx, strike, optType, expiry)
		if err != nil {
			if broker.IsRetryable(err) {
				continue
			}
			return Selection{}, fmt.Errorf("hedge premium lookup at %.2f: %w", strike, err)
		}
		if price <= 0 {
			continue
		}

		diff := price - target
		if diff < 0 {
			diff = -diff
		}
		if !found || diff < bestDiff {
			found = true
			bestStrike, bestPrice, bestDiff = strike, price, diff
		}
	}

	if found {
		return Selection{Strike: bestStrike, Price: bestPrice, Mode: ModePercentage}, nil
	}

	// No candidate produced a valid premium: fall back to offset mode at
	// the full search distance and tell someone about it.
	metrics.IncHedgeFallbacks()
	fallbackOffset := float64(s.cfg.SearchWindow) * s.cfg.StrikeStep
	log.Printf("[hedge] no valid premium within %d strikes of %.2f, falling back to offset %.2f",
		s.cfg.SearchWindow, mainStrike, fallbackOffset)
	s.notifier.SendAlert(broker.AlertWarning, "Hedge fallback",
		fmt.Sprintf("percentage-mode search found no premium near %.2f %s, using offset mode", mainStrike, optType),
		map[string]any{"main_strike": mainStrike, "target_premium": target})

	sel, err := s.selectOffset(mainStrike, optType, fallbackOffset)
	if err != nil {
		return Selection{}, err
	}
	sel.FellBack = true
	return sel, nil
}
