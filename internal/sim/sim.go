// Package sim runs batches of races on a fixed field without a clock or
// settlement and estimates each entrant's true win probability.
package sim

import (
	"errors"
	"io"
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/cheggaaa/pb/v3"
	"github.com/shopspring/decimal"
	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/horsepicks/race-engine/internal/model"
	"github.com/horsepicks/race-engine/internal/odds"
	"github.com/horsepicks/race-engine/internal/race"
)

const defaultConfidence = 0.95

var (
	ErrNoRaces   = errors.New("sim: races must be > 0")
	ErrNoWorkers = errors.New("sim: workers must be > 0")
	ErrNoField   = errors.New("sim: field is empty")
)

// Options controls a batch.
type Options struct {
	Races        int
	Workers      int
	Seed         uint64
	FinishLine   float64
	Confidence   float64 // defaults to 0.95
	ShowProgress bool
}

// CI is a two-sided confidence interval.
type CI struct {
	Lo float64
	Hi float64
}

// EntrantResult is the estimate for one entrant.
type EntrantResult struct {
	model.Entrant
	Wins           int
	WinRate        float64
	CI             CI
	ExpectedReturn float64 // net return of a unit stake at the observed win rate
}

// Report summarizes a batch.
type Report struct {
	FieldSize  int
	Races      int
	Confidence float64
	Multiplier decimal.Decimal
	Entrants   []EntrantResult
	MeanTicks  float64
	StdTicks   float64
	MinTicks   int
	MaxTicks   int
	Elapsed    time.Duration
}

type partial struct {
	wins  []int
	ticks []float64
}

// Run races the field opts.Races times split across opts.Workers. Each
// worker draws from its own PCG stream so a given seed reproduces the
// same report regardless of scheduling.
func Run(field []model.Entrant, book *odds.Book, opts Options) (*Report, error) {
	if len(field) == 0 {
		return nil, ErrNoField
	}
	if opts.Races < 1 {
		return nil, ErrNoRaces
	}
	if opts.Workers < 1 {
		return nil, ErrNoWorkers
	}
	if opts.Confidence <= 0 || opts.Confidence >= 1 {
		opts.Confidence = defaultConfidence
	}

	bar := pb.StartNew(opts.Races)
	if !opts.ShowProgress {
		bar.SetWriter(io.Discard)
	}

	speeds := race.Speeds(field)
	parts := make([]partial, opts.Workers)
	var wg sync.WaitGroup
	for w := 0; w < opts.Workers; w++ {
		n := opts.Races / opts.Workers
		if w < opts.Races%opts.Workers {
			n++
		}
		wg.Add(1)
		go func(w, n int) {
			defer wg.Done()
			rng := rand.New(rand.NewPCG(opts.Seed, uint64(w)))
			p := partial{wins: make([]int, len(field)), ticks: make([]float64, 0, n)}
			for i := 0; i < n; i++ {
				s, _ := race.NewState(len(field)).Start()
				s = race.Run(s, speeds, rng, opts.FinishLine)
				p.wins[s.Winner]++
				p.ticks = append(p.ticks, float64(s.Ticks))
				bar.Increment()
			}
			parts[w] = p
		}(w, n)
	}
	wg.Wait()
	elapsed := time.Since(bar.StartTime())
	bar.Finish()

	wins := make([]int, len(field))
	ticks := make([]float64, 0, opts.Races)
	for _, p := range parts {
		for i, k := range p.wins {
			wins[i] += k
		}
		ticks = append(ticks, p.ticks...)
	}

	rep := &Report{
		FieldSize:  len(field),
		Races:      opts.Races,
		Confidence: opts.Confidence,
		Multiplier: book.Multiplier(len(field)),
		Entrants:   make([]EntrantResult, len(field)),
		MinTicks:   math.MaxInt,
		Elapsed:    elapsed,
	}
	rep.MeanTicks, rep.StdTicks = stat.MeanStdDev(ticks, nil)
	for _, t := range ticks {
		rep.MinTicks = min(rep.MinTicks, int(t))
		rep.MaxTicks = max(rep.MaxTicks, int(t))
	}
	for i, e := range field {
		p, ci := WilsonCI(wins[i], opts.Races, opts.Confidence)
		rep.Entrants[i] = EntrantResult{
			Entrant:        e,
			Wins:           wins[i],
			WinRate:        p,
			CI:             ci,
			ExpectedReturn: book.ExpectedReturn(p, e.Odds, len(field)),
		}
	}
	return rep, nil
}

// WilsonCI is the Wilson score interval for k successes out of n.
func WilsonCI(k, n int, confidence float64) (pHat float64, ci CI) {
	if n == 0 {
		return 0, CI{0, 1}
	}
	z := distuv.UnitNormal.Quantile(1 - (1-confidence)/2)
	nf := float64(n)
	pHat = float64(k) / nf

	z2 := z * z
	denom := 1 + z2/nf
	center := (pHat + z2/(2*nf)) / denom
	half := z * math.Sqrt(pHat*(1-pHat)/nf+z2/(4*nf*nf)) / denom

	ci.Lo = math.Max(0, center-half)
	ci.Hi = math.Min(1, center+half)
	if k == 0 {
		ci.Lo = 0
	}
	if k == n {
		ci.Hi = 1
	}
	return
}
