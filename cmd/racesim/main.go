// Command racesim races one generated field many times and reports each
// entrant's observed win rate and the expected return of a unit wager.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"os"
	"runtime"

	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/horsepicks/race-engine/internal/config"
	"github.com/horsepicks/race-engine/internal/logger"
	"github.com/horsepicks/race-engine/internal/odds"
	"github.com/horsepicks/race-engine/internal/race"
	"github.com/horsepicks/race-engine/internal/sim"
)

type options struct {
	field      int
	races      int
	workers    int
	seed       uint64
	confidence float64
	rulesPath  string
	quiet      bool
}

func bindFlags() options {
	var o options
	flag.IntVar(&o.field, "field", 4, "number of entrants")
	flag.IntVar(&o.races, "races", 100000, "races to run")
	flag.IntVar(&o.workers, "workers", runtime.NumCPU(), "number of workers")
	flag.Uint64Var(&o.seed, "seed", 0, "random seed (0 = random)")
	flag.Float64Var(&o.confidence, "confidence", 0.95, "confidence level of the win-rate interval")
	flag.StringVar(&o.rulesPath, "rules", "", "rules YAML (default: embedded rules)")
	flag.BoolVar(&o.quiet, "q", false, "hide the progress bar")
	flag.Parse()

	if o.seed == 0 {
		o.seed = rand.Uint64()
	}
	return o
}

func fatal(msg string, err error) {
	slog.Error(msg, "err", err)
	os.Exit(1)
}

func main() {
	o := bindFlags()

	log, _, err := logger.New("racesim", "local")
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	slog.SetDefault(log)

	rules, err := config.LoadRules(o.rulesPath)
	if err != nil {
		fatal("load rules", err)
	}
	book, err := odds.NewBook(rules.OddsMin, rules.OddsMax, rules.Multipliers)
	if err != nil {
		fatal("odds book", err)
	}
	gen, err := race.NewGenerator(rules.NamePool, book, rand.New(rand.NewPCG(o.seed, o.seed)))
	if err != nil {
		fatal("generator", err)
	}
	field, err := gen.Field(o.field)
	if err != nil {
		fatal("field", err)
	}

	green := "\033[1;32m"
	reset := "\033[0m"
	p := message.NewPrinter(language.English)
	p.Fprintf(os.Stderr, "%s[FIELD:%d] [RACES:%d] [WORKERS:%d] [SEED:%d]%s\n", green, o.field, o.races, o.workers, o.seed, reset)

	rep, err := sim.Run(field, book, sim.Options{
		Races:        o.races,
		Workers:      o.workers,
		Seed:         o.seed,
		FinishLine:   rules.FinishLine,
		Confidence:   o.confidence,
		ShowProgress: !o.quiet,
	})
	if err != nil {
		fatal("simulate", err)
	}
	fmt.Print(rep.Format())
}
