// Package game holds the episode templates the runtime can execute and the
// translation of UI actions into their command bytes.
package game

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/ashureev/kdapp-runtime/internal/domain"
)

// TypeTicTacToe is the episode type name of tictactoe.
const TypeTicTacToe = "tictactoe"

var errUnsupportedAction = errors.New("unsupported action")

// ActionParser turns a UI action into command bytes.
type ActionParser func(action json.RawMessage) ([]byte, error)

// Template describes one episode type.
type Template struct {
	Name         string          `json:"name"`
	PlayerCounts []int           `json:"player_counts"`
	Executor     domain.Executor `json:"-"`
	ParseAction  ActionParser    `json:"-"`
}

// Catalog maps type names to templates. It is immutable after construction.
type Catalog struct {
	templates map[string]Template
}

// NewCatalog builds a catalog from templates.
func NewCatalog(templates ...Template) *Catalog {
	c := &Catalog{templates: make(map[string]Template, len(templates))}
	for _, t := range templates {
		c.templates[t.Name] = t
	}
	return c
}

// DefaultCatalog returns the built-in templates.
func DefaultCatalog() *Catalog {
	return NewCatalog(Template{
		Name:         TypeTicTacToe,
		PlayerCounts: []int{2},
		Executor:     TicTacToe{},
		ParseAction:  ParseTicTacToeAction,
	})
}

// Executor returns the executor for episodeType.
func (c *Catalog) Executor(episodeType string) (domain.Executor, bool) {
	t, ok := c.templates[episodeType]
	if !ok {
		return nil, false
	}
	return t.Executor, true
}

// Template returns the template for episodeType.
func (c *Catalog) Template(episodeType string) (Template, bool) {
	t, ok := c.templates[episodeType]
	return t, ok
}

// List returns the templates sorted by name.
func (c *Catalog) List() []Template {
	out := make([]Template, 0, len(c.templates))
	for _, t := range c.templates {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ParseAction converts action for an episode of episodeType.
func (c *Catalog) ParseAction(episodeType string, action json.RawMessage) ([]byte, error) {
	t, ok := c.templates[episodeType]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrUnknownEpisodeType, episodeType)
	}
	return t.ParseAction(action)
}

type uiAction struct {
	Type     string `json:"type"`
	Position []int  `json:"position"`
	Row      *int   `json:"row"`
	Col      *int   `json:"col"`
}

// ParseTicTacToeAction accepts {"type":"GameMove","position":[n]} with n in
// 0..8, or {"row":r,"col":c}, and returns a canonical Move.
func ParseTicTacToeAction(action json.RawMessage) ([]byte, error) {
	var a uiAction
	if err := json.Unmarshal(action, &a); err != nil {
		return nil, fmt.Errorf("decode action: %w", err)
	}

	var mv Move
	switch {
	case a.Row != nil && a.Col != nil:
		mv = Move{Row: *a.Row, Col: *a.Col}
	case a.Type == "GameMove" && len(a.Position) > 0:
		pos := a.Position[0]
		if pos < 0 || pos > 8 {
			return nil, fmt.Errorf("position %d: %w", pos, errOutOfBoard)
		}
		mv = Move{Row: pos / 3, Col: pos % 3}
	default:
		return nil, errUnsupportedAction
	}
	return json.Marshal(mv)
}
