package game

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDiagonalWin(t *testing.T) {
	m := NewManager()
	m.Start("g1", "bob@10.0.0.3", 'X')

	// A→0, B→1, A→4, B→2, A→8: X wins on {0,4,8}.
	moves := []struct {
		pos int
		sym byte
	}{
		{0, 'X'}, {1, 'O'}, {4, 'X'}, {2, 'O'}, {8, 'X'},
	}
	var g Game
	var err error
	for _, mv := range moves {
		g, err = m.ApplyMove("g1", mv.pos, mv.sym)
		require.NoError(t, err)
	}

	sym, line, draw := Winner(g.Board)
	assert.Equal(t, byte('X'), sym)
	assert.Equal(t, [3]int{0, 4, 8}, line)
	assert.False(t, draw)
	assert.Equal(t, "0,4,8", FormatLine(line))
}

func TestDraw(t *testing.T) {
	// X O X / X O O / O X X has no winning line.
	board := [9]byte{'X', 'O', 'X', 'X', 'O', 'O', 'O', 'X', 'X'}
	sym, _, draw := Winner(board)
	assert.Equal(t, byte(0), sym)
	assert.True(t, draw)
}

func TestInProgress(t *testing.T) {
	board := [9]byte{'X', ' ', ' ', ' ', 'O', ' ', ' ', ' ', ' '}
	sym, _, draw := Winner(board)
	assert.Equal(t, byte(0), sym)
	assert.False(t, draw)
}

func TestMoveValidation(t *testing.T) {
	m := NewManager()
	m.Start("g1", "bob@10.0.0.3", 'X')

	_, err := m.ApplyMove("g1", 9, 'X')
	assert.ErrorIs(t, err, ErrBadPosition)

	_, err = m.ApplyMove("g1", 4, 'X')
	require.NoError(t, err)

	// Same cell, same symbol: duplicate datagram, idempotent.
	g, err := m.ApplyMove("g1", 4, 'X')
	require.NoError(t, err)
	assert.Equal(t, 2, g.Turn)

	_, err = m.ApplyMove("g1", 4, 'O')
	assert.ErrorIs(t, err, ErrCellTaken)

	_, err = m.ApplyMove("nope", 0, 'X')
	assert.ErrorIs(t, err, ErrUnknownGame)
}

func TestFinish(t *testing.T) {
	m := NewManager()
	m.Start("g1", "bob@10.0.0.3", 'O')
	m.Finish("g1")

	_, err := m.ApplyMove("g1", 0, 'O')
	assert.ErrorIs(t, err, ErrGameOver)

	g, ok := m.Get("g1")
	require.True(t, ok)
	assert.False(t, g.Active)
}

func TestOther(t *testing.T) {
	assert.Equal(t, byte('O'), Other('X'))
	assert.Equal(t, byte('X'), Other('O'))
}

func TestRender(t *testing.T) {
	m := NewManager()
	m.Start("g1", "bob@10.0.0.3", 'X')
	g, err := m.ApplyMove("g1", 0, 'X')
	require.NoError(t, err)
	out := Render(g.Board)
	assert.Contains(t, out, " X |   |   ")
	assert.Contains(t, out, "---+---+---")
}

func TestCopiesAreDetached(t *testing.T) {
	m := NewManager()
	g := m.Start("g1", "bob@10.0.0.3", 'X')

	// Writing through a returned copy never reaches the session.
	g.Board[0] = 'O'
	g.Active = false

	got, ok := m.Get("g1")
	require.True(t, ok)
	assert.Equal(t, byte(' '), got.Board[0])
	assert.True(t, got.Active)
}
