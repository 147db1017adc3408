package game

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ashureev/kdapp-runtime/internal/domain"
)

// Game status values carried in the state.
const (
	StatusInProgress = "in_progress"
	StatusWinner     = "winner"
	StatusDraw       = "draw"
)

const (
	markX = "X"
	markO = "O"
)

var (
	errCellTaken  = errors.New("cell already taken")
	errOutOfBoard = errors.New("move is outside the board")
	errGameOver   = errors.New("game is already over")
)

// TicTacToeState is the serialized board.
type TicTacToeState struct {
	Board         [3][3]string `json:"board"`
	Players       []string     `json:"players,omitempty"`
	CurrentPlayer string       `json:"current_player,omitempty"`
	Status        string       `json:"status"`
	Winner        string       `json:"winner,omitempty"`
	Turn          int          `json:"turn"`
}

// Move is the command understood by the tictactoe executor.
type Move struct {
	Row int `json:"row"`
	Col int `json:"col"`
}

// TicTacToe is the executor for two-player tictactoe. X always opens.
type TicTacToe struct{}

// Initialize implements domain.Executor.
func (TicTacToe) Initialize(participants [][]byte) ([]byte, error) {
	if len(participants) > 2 {
		return nil, fmt.Errorf("tictactoe takes at most 2 players, got %d", len(participants))
	}
	st := newBoard()
	for _, p := range participants {
		st.Players = append(st.Players, hex.EncodeToString(p))
	}
	return json.Marshal(st)
}

// Execute implements domain.Executor. An empty state is a fresh board, so
// episodes created without on-chain initialization are playable.
func (TicTacToe) Execute(state, cmd []byte) (domain.Result, error) {
	st := newBoard()
	if len(state) > 0 {
		if err := json.Unmarshal(state, &st); err != nil {
			return domain.Result{}, fmt.Errorf("decode board: %w", err)
		}
	}

	var mv Move
	if err := json.Unmarshal(cmd, &mv); err != nil {
		return domain.Result{}, fmt.Errorf("decode move: %w", err)
	}
	if st.Status != StatusInProgress {
		return domain.Result{}, errGameOver
	}
	if mv.Row < 0 || mv.Row > 2 || mv.Col < 0 || mv.Col > 2 {
		return domain.Result{}, errOutOfBoard
	}
	if st.Board[mv.Row][mv.Col] != "" {
		return domain.Result{}, errCellTaken
	}

	st.Board[mv.Row][mv.Col] = st.CurrentPlayer
	st.Turn++

	var res domain.Result
	switch {
	case hasLine(st.Board, st.CurrentPlayer):
		st.Status = StatusWinner
		st.Winner = st.CurrentPlayer
		st.CurrentPlayer = ""
		res.Concluded = true
		res.Winner = st.Winner
	case st.Turn == 9:
		st.Status = StatusDraw
		st.CurrentPlayer = ""
		res.Concluded = true
	default:
		if st.CurrentPlayer == markX {
			st.CurrentPlayer = markO
		} else {
			st.CurrentPlayer = markX
		}
	}

	b, err := json.Marshal(st)
	if err != nil {
		return domain.Result{}, fmt.Errorf("encode board: %w", err)
	}
	res.State = b
	return res, nil
}

func newBoard() TicTacToeState {
	return TicTacToeState{CurrentPlayer: markX, Status: StatusInProgress}
}

var lines = [8][3][2]int{
	{{0, 0}, {0, 1}, {0, 2}},
	{{1, 0}, {1, 1}, {1, 2}},
	{{2, 0}, {2, 1}, {2, 2}},
	{{0, 0}, {1, 0}, {2, 0}},
	{{0, 1}, {1, 1}, {2, 1}},
	{{0, 2}, {1, 2}, {2, 2}},
	{{0, 0}, {1, 1}, {2, 2}},
	{{0, 2}, {1, 1}, {2, 0}},
}

func hasLine(b [3][3]string, mark string) bool {
	for _, l := range lines {
		if b[l[0][0]][l[0][1]] == mark && b[l[1][0]][l[1][1]] == mark && b[l[2][0]][l[2][1]] == mark {
			return true
		}
	}
	return false
}
