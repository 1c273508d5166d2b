// Package race holds the race core: field generation, the race state
// machine with its pure tick transition, and the clock that drives it.
package race

import (
	"errors"
	"strings"
	"sync"

	"github.com/horsepicks/race-engine/internal/model"
	"github.com/horsepicks/race-engine/internal/odds"
)

var (
	ErrNamePoolTooSmall = errors.New("race: name pool must hold at least 6 names")
	ErrInvalidFieldSize = errors.New("race: field size must be between 1 and the name pool size")
)

// minPool is the largest tuned field size.
const minPool = 6

// Source is the randomness a race consumes. *math/rand/v2.Rand satisfies it.
type Source interface {
	Float64() float64
	IntN(n int) int
	Shuffle(n int, swap func(i, j int))
}

// Generator draws fields of entrants from a fixed name pool.
type Generator struct {
	pool []string
	book *odds.Book

	mu  sync.Mutex // guards rng; rand.Rand is not safe for concurrent use
	rng Source
}

// NewGenerator creates a generator over a copy of pool.
func NewGenerator(pool []string, book *odds.Book, rng Source) (*Generator, error) {
	if len(pool) < minPool {
		return nil, ErrNamePoolTooSmall
	}
	return &Generator{
		pool: append([]string(nil), pool...),
		book: book,
		rng:  rng,
	}, nil
}

// Field returns n entrants with distinct names, ids 1..n in shuffle order,
// odds drawn from the book and speed derived from odds.
func (g *Generator) Field(n int) ([]model.Entrant, error) {
	if n < 1 || n > len(g.pool) {
		return nil, ErrInvalidFieldSize
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	names := append([]string(nil), g.pool...)
	g.rng.Shuffle(len(names), func(i, j int) { names[i], names[j] = names[j], names[i] })

	field := make([]model.Entrant, 0, n)
	for i, name := range names[:n] {
		o := g.book.Draw(g.rng)
		field = append(field, model.Entrant{
			ID:    i + 1,
			Name:  name,
			Odds:  o,
			Speed: odds.Speed(o),
			Icon:  IconPath(name),
		})
	}
	return field, nil
}

// IconPath maps an entrant name to its image path: "Iron Hoof" → /images/iron-hoof.png.
func IconPath(name string) string {
	return "/images/" + strings.ToLower(strings.ReplaceAll(name, " ", "-")) + ".png"
}
