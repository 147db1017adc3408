package game

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashureev/kdapp-runtime/internal/domain"
)

func play(t *testing.T, state []byte, moves ...Move) (domain.Result, []byte) {
	t.Helper()
	var res domain.Result
	for _, mv := range moves {
		cmd, err := json.Marshal(mv)
		require.NoError(t, err)
		res, err = TicTacToe{}.Execute(state, cmd)
		require.NoError(t, err)
		state = res.State
	}
	return res, state
}

func decode(t *testing.T, state []byte) TicTacToeState {
	t.Helper()
	var st TicTacToeState
	require.NoError(t, json.Unmarshal(state, &st))
	return st
}

func TestTicTacToeAlternatesTurns(t *testing.T) {
	_, state := play(t, nil, Move{0, 0}, Move{1, 1})
	st := decode(t, state)
	assert.Equal(t, "X", st.Board[0][0])
	assert.Equal(t, "O", st.Board[1][1])
	assert.Equal(t, "X", st.CurrentPlayer)
	assert.Equal(t, 2, st.Turn)
	assert.Equal(t, StatusInProgress, st.Status)
}

func TestTicTacToeWinner(t *testing.T) {
	res, state := play(t, nil, Move{0, 0}, Move{1, 0}, Move{0, 1}, Move{1, 1}, Move{0, 2})
	assert.True(t, res.Concluded)
	assert.Equal(t, "X", res.Winner)
	assert.Equal(t, StatusWinner, decode(t, state).Status)

	_, err := TicTacToe{}.Execute(state, []byte(`{"row":2,"col":2}`))
	assert.ErrorIs(t, err, errGameOver)
}

func TestTicTacToeDraw(t *testing.T) {
	res, state := play(t, nil,
		Move{0, 0}, Move{0, 1}, Move{0, 2},
		Move{1, 1}, Move{1, 0}, Move{1, 2},
		Move{2, 1}, Move{2, 0}, Move{2, 2},
	)
	assert.True(t, res.Concluded)
	assert.Empty(t, res.Winner)
	assert.Equal(t, StatusDraw, decode(t, state).Status)
}

func TestTicTacToeRejectsInvalidMoves(t *testing.T) {
	_, state := play(t, nil, Move{0, 0})

	_, err := TicTacToe{}.Execute(state, []byte(`{"row":0,"col":0}`))
	assert.ErrorIs(t, err, errCellTaken)
	_, err = TicTacToe{}.Execute(state, []byte(`{"row":3,"col":0}`))
	assert.ErrorIs(t, err, errOutOfBoard)
	_, err = TicTacToe{}.Execute(state, []byte(`not json`))
	assert.Error(t, err)
	_, err = TicTacToe{}.Execute([]byte(`garbage`), []byte(`{"row":1,"col":1}`))
	assert.Error(t, err)
}

func TestTicTacToeInitialize(t *testing.T) {
	state, err := TicTacToe{}.Initialize([][]byte{{0xaa}, {0xbb}})
	require.NoError(t, err)
	st := decode(t, state)
	assert.Equal(t, []string{"aa", "bb"}, st.Players)
	assert.Equal(t, "X", st.CurrentPlayer)

	_, err = TicTacToe{}.Initialize([][]byte{{1}, {2}, {3}})
	assert.Error(t, err)
}

func TestParseTicTacToeAction(t *testing.T) {
	cmd, err := ParseTicTacToeAction(json.RawMessage(`{"type":"GameMove","position":[5]}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"row":1,"col":2}`, string(cmd))

	cmd, err = ParseTicTacToeAction(json.RawMessage(`{"row":2,"col":0}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"row":2,"col":0}`, string(cmd))

	_, err = ParseTicTacToeAction(json.RawMessage(`{"type":"GameMove","position":[9]}`))
	assert.ErrorIs(t, err, errOutOfBoard)
	_, err = ParseTicTacToeAction(json.RawMessage(`{"type":"Chat"}`))
	assert.ErrorIs(t, err, errUnsupportedAction)
}

func TestCatalog(t *testing.T) {
	c := DefaultCatalog()
	exec, ok := c.Executor(TypeTicTacToe)
	require.True(t, ok)
	assert.IsType(t, TicTacToe{}, exec)

	_, ok = c.Executor("chess")
	assert.False(t, ok)

	_, err := c.ParseAction("chess", json.RawMessage(`{}`))
	assert.ErrorIs(t, err, domain.ErrUnknownEpisodeType)

	list := c.List()
	require.Len(t, list, 1)
	assert.Equal(t, []int{2}, list[0].PlayerCounts)
}
