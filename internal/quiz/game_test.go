package quiz_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mkaraca/quizgate/internal/domain"
	"github.com/mkaraca/quizgate/internal/quiz"
)

// shortDelays keeps the bypass sequence observable without slowing the
// suite down.
var shortDelays = quiz.Delays{
	Arm:    5 * time.Millisecond,
	Impact: 5 * time.Millisecond,
	Settle: 5 * time.Millisecond,
	Chain:  5 * time.Millisecond,
}

func makeQuestions(n int) []domain.QuizQuestion {
	qs := make([]domain.QuizQuestion, n)
	for i := range qs {
		qs[i] = domain.QuizQuestion{
			Question:      "2 + 2 = ?",
			Options:       domain.Options{A: "3", B: "5", C: "4", D: "22"},
			CorrectAnswer: "C",
			Solution:      "Count it out.",
		}
	}
	return qs
}

func TestGame_Transitions(t *testing.T) {
	g := quiz.NewGame(quiz.GameConfig{Questions: makeQuestions(2)})

	t.Run("confirm without a selection should be rejected", func(t *testing.T) {
		require.Error(t, g.Confirm())
	})

	t.Run("advance before reveal should be rejected", func(t *testing.T) {
		require.Error(t, g.Advance())
	})

	t.Run("selecting for the wrong index should be rejected", func(t *testing.T) {
		require.Error(t, g.SelectOption(1, "A"))
	})

	t.Run("an unknown option should be rejected", func(t *testing.T) {
		require.Error(t, g.SelectOption(0, "E"))
	})

	t.Run("a selection can be overwritten before confirm", func(t *testing.T) {
		require.NoError(t, g.SelectOption(0, "A"))
		require.NoError(t, g.SelectOption(0, "C"))
		require.Equal(t, "C", g.Snapshot().Selection)
	})

	t.Run("confirm reveals and select is no longer legal", func(t *testing.T) {
		require.NoError(t, g.Confirm())
		require.Equal(t, quiz.StateRevealed, g.Snapshot().State)
		require.Error(t, g.SelectOption(0, "A"))
	})

	t.Run("advance moves to the next question", func(t *testing.T) {
		require.NoError(t, g.Advance())
		snap := g.Snapshot()
		require.Equal(t, quiz.StateAnswering, snap.State)
		require.Equal(t, 1, snap.Index)
	})
}

func TestGame_Scoring(t *testing.T) {
	var result *quiz.Result
	g := quiz.NewGame(quiz.GameConfig{
		Questions: makeQuestions(3),
		OnComplete: func(r quiz.Result) {
			result = &r
		},
	})

	// Correct answer: +25 XP, lives intact.
	require.NoError(t, g.SelectOption(0, "C"))
	require.NoError(t, g.Confirm())
	snap := g.Snapshot()
	assert.Equal(t, int64(25), snap.XP)
	assert.Equal(t, 3, snap.Lives)
	require.NoError(t, g.Advance())

	// Wrong answer: one life lost.
	require.NoError(t, g.SelectOption(1, "A"))
	require.NoError(t, g.Confirm())
	assert.Equal(t, 2, g.Snapshot().Lives)
	require.NoError(t, g.Advance())

	require.NoError(t, g.SelectOption(2, "C"))
	require.NoError(t, g.Confirm())
	require.NoError(t, g.Advance())

	require.NotNil(t, result, "completion should deliver the result")
	assert.Equal(t, 2, result.Score)
	assert.Equal(t, map[int]string{0: "C", 1: "A", 2: "C"}, result.Answers)
	assert.Equal(t, quiz.StateCompleted, g.Snapshot().State)
}

func TestGame_LivesFloorAtZero(t *testing.T) {
	g := quiz.NewGame(quiz.GameConfig{Questions: makeQuestions(5)})

	for i := 0; i < 4; i++ {
		require.NoError(t, g.SelectOption(i, "A"))
		require.NoError(t, g.Confirm())
		require.NoError(t, g.Advance())
	}
	assert.Equal(t, 0, g.Snapshot().Lives)
}

func TestGame_Bypass(t *testing.T) {
	g := quiz.NewGame(quiz.GameConfig{
		Questions: makeQuestions(2),
		Delays:    shortDelays,
	})

	g.Bypass()

	// The chained sequence records the correct answer, grants 100 XP and
	// advances without further input.
	require.Eventually(t, func() bool {
		snap := g.Snapshot()
		return snap.State == quiz.StateAnswering && snap.Index == 1
	}, time.Second, 5*time.Millisecond)

	snap := g.Snapshot()
	assert.Equal(t, int64(100), snap.XP)
	assert.False(t, snap.Bypassing)
}

func TestGame_BypassIsNotReentrant(t *testing.T) {
	g := quiz.NewGame(quiz.GameConfig{
		Questions: makeQuestions(2),
		Delays: quiz.Delays{
			Arm:    50 * time.Millisecond,
			Impact: 5 * time.Millisecond,
			Settle: 5 * time.Millisecond,
			Chain:  5 * time.Millisecond,
		},
	})

	g.Bypass()
	g.Bypass()
	g.Bypass()

	require.Eventually(t, func() bool {
		return g.Snapshot().Index == 1
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, int64(100), g.Snapshot().XP, "repeated triggers must not stack")
}

func TestGame_BypassOnLastQuestionAwaitsManualAdvance(t *testing.T) {
	done := make(chan quiz.Result, 1)
	g := quiz.NewGame(quiz.GameConfig{
		Questions: makeQuestions(1),
		Delays:    shortDelays,
		OnComplete: func(r quiz.Result) {
			done <- r
		},
	})

	g.Bypass()

	// The sequence resolves the question but must not chain past the last
	// index: the game stays revealed until the user advances.
	require.Eventually(t, func() bool {
		snap := g.Snapshot()
		return snap.State == quiz.StateRevealed && !snap.Bypassing
	}, time.Second, 5*time.Millisecond)

	time.Sleep(50 * time.Millisecond)
	snap := g.Snapshot()
	assert.Equal(t, quiz.StateRevealed, snap.State, "the last question never auto-completes")
	assert.Equal(t, "C", snap.Selection)
	assert.Equal(t, int64(100), snap.XP)
	require.Empty(t, done)

	require.NoError(t, g.Advance())

	select {
	case r := <-done:
		assert.Equal(t, 1, r.Score)
		assert.Equal(t, "C", r.Answers[0])
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for completion")
	}
	assert.Equal(t, quiz.StateCompleted, g.Snapshot().State)
}

func TestGame_ExitAbortsBypass(t *testing.T) {
	g := quiz.NewGame(quiz.GameConfig{
		Questions: makeQuestions(2),
		Delays: quiz.Delays{
			Arm:    50 * time.Millisecond,
			Impact: 5 * time.Millisecond,
			Settle: 5 * time.Millisecond,
			Chain:  5 * time.Millisecond,
		},
	})

	g.Bypass()
	g.Exit()

	time.Sleep(100 * time.Millisecond)

	snap := g.Snapshot()
	assert.Equal(t, quiz.StateAnswering, snap.State, "no phase may fire after exit")
	assert.Equal(t, 0, snap.Index)
	assert.Equal(t, int64(0), snap.XP)
}
