// Package game holds the Tic-Tac-Toe session state machine. Both sides keep
// the full board; each side checks for a winner after its own moves.
package game

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

var (
	ErrUnknownGame = errors.New("game: unknown game")
	ErrGameOver    = errors.New("game: game is not active")
	ErrCellTaken   = errors.New("game: cell already taken")
	ErrBadPosition = errors.New("game: position out of range")
)

// Results carried by TICTACTOE_RESULT.
const (
	ResultWin  = "WIN"
	ResultLoss = "LOSS"
	ResultDraw = "DRAW"
)

// winLines are the eight standard lines: rows, columns, diagonals.
var winLines = [8][3]int{
	{0, 1, 2}, {3, 4, 5}, {6, 7, 8},
	{0, 3, 6}, {1, 4, 7}, {2, 5, 8},
	{0, 4, 8}, {2, 4, 6},
}

// Game is one session, keyed by a short game ID minted by the proposer.
type Game struct {
	ID       string
	Opponent string
	Symbol   byte // local player's symbol, 'X' or 'O'
	Board    [9]byte
	Turn     int
	Active   bool
}

// Other returns the opposing symbol.
func Other(symbol byte) byte {
	if symbol == 'X' {
		return 'O'
	}
	return 'X'
}

// Winner scans the board. It returns the winning symbol and line, or
// draw=true on a full board with no line, or all-zero while play continues.
func Winner(board [9]byte) (symbol byte, line [3]int, draw bool) {
	for _, l := range winLines {
		a := board[l[0]]
		if a != ' ' && a == board[l[1]] && a == board[l[2]] {
			return a, l, false
		}
	}
	for _, c := range board {
		if c == ' ' {
			return 0, line, false
		}
	}
	return 0, line, true
}

// Render draws the board for the REPL.
func Render(board [9]byte) string {
	var b strings.Builder
	for row := 0; row < 3; row++ {
		fmt.Fprintf(&b, " %c | %c | %c \n", board[row*3], board[row*3+1], board[row*3+2])
		if row < 2 {
			b.WriteString("---+---+---\n")
		}
	}
	return b.String()
}

// FormatLine renders a winning line as the wire's csv form ("0,4,8").
func FormatLine(line [3]int) string {
	return fmt.Sprintf("%d,%d,%d", line[0], line[1], line[2])
}

// Manager tracks the active and recently finished games.
type Manager struct {
	mu    sync.Mutex
	games map[string]*Game
}

func NewManager() *Manager {
	return &Manager{games: make(map[string]*Game)}
}

// Start registers a new session and returns a copy of it. symbol is the
// local player's.
func (m *Manager) Start(id, opponent string, symbol byte) Game {
	g := &Game{ID: id, Opponent: opponent, Symbol: symbol, Turn: 1, Active: true}
	for i := range g.Board {
		g.Board[i] = ' '
	}
	m.mu.Lock()
	m.games[id] = g
	m.mu.Unlock()
	return *g
}

// Get returns a copy of a session by ID. Game has no reference fields, so a
// plain struct copy detaches it from the manager.
func (m *Manager) Get(id string) (Game, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.games[id]
	if !ok {
		return Game{}, false
	}
	return *g, true
}

// ApplyMove places symbol at position and advances the turn counter, then
// returns a copy of the updated session. It is used for both local and
// remote moves; duplicate remote moves on the same cell with the same
// symbol are idempotent no-ops.
func (m *Manager) ApplyMove(id string, position int, symbol byte) (Game, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.games[id]
	if !ok {
		return Game{}, fmt.Errorf("%w: %s", ErrUnknownGame, id)
	}
	if !g.Active {
		return Game{}, fmt.Errorf("%w: %s", ErrGameOver, id)
	}
	if position < 0 || position > 8 {
		return Game{}, fmt.Errorf("%w: %d", ErrBadPosition, position)
	}
	if g.Board[position] == symbol {
		return *g, nil
	}
	if g.Board[position] != ' ' {
		return Game{}, fmt.Errorf("%w: %d", ErrCellTaken, position)
	}
	g.Board[position] = symbol
	g.Turn++
	return *g, nil
}

// Finish marks a session inactive once a result arrives or is sent.
func (m *Manager) Finish(id string) {
	m.mu.Lock()
	if g, ok := m.games[id]; ok {
		g.Active = false
	}
	m.mu.Unlock()
}

// Drop removes a finished session.
func (m *Manager) Drop(id string) {
	m.mu.Lock()
	delete(m.games, id)
	m.mu.Unlock()
}

// Snapshot lists copies of the sessions sorted by ID.
func (m *Manager) Snapshot() []Game {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Game, 0, len(m.games))
	for _, g := range m.games {
		out = append(out, *g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
