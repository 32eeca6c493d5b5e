// Package match runs one translation duel between two connected players.
//
// Each player advances independently through
//
//	START -> question 0 .. question W-1 -> FINISHED -> END -> terminal
//
// on a private event loop fed by both connections. The loop owns both
// connections for the length of the match and hands each one back as soon as
// its player reaches the terminal state. A cancelled context is the match
// deadline: it is observed only between events, and it moves every player
// still answering straight to FINISHED.
package match

import (
	"context"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/NicolasHaas/wordquizzle/pkg/netconn"
	"github.com/NicolasHaas/wordquizzle/pkg/translate"
)

// Rules are the scoring parameters of a match.
type Rules struct {
	CorrectBonus int
	WrongPenalty int
	WinBonus     int
	Duration     time.Duration // announced to players; the caller enforces it
}

// LossFloor is the score of a player who disconnects: strictly below
// anything reachable by answering every word wrong.
func (r Rules) LossFloor(words int) int {
	return -(words*r.WrongPenalty + 1)
}

// Endpoint is the part of a connection the engine uses.
type Endpoint interface {
	SendText(text string) error
	Acquire(r netconn.Route) bool
	Release(pending ...netconn.Event)
}

// Roster tracks who is currently playing.
type Roster interface {
	Leave(username string)
}

// Ledger credits the win bonus to an account.
type Ledger interface {
	IncrementPoints(ctx context.Context, username string, delta int) error
}

// Player is one side of a match.
type Player struct {
	Name        string
	Conn        Endpoint
	PriorPoints int // account total when the match was set up
}

// Round is one word and the translations accepted for it.
type Round struct {
	Word     string
	Accepted []string
}

// Tally counts a player's answers. Correct+Wrong+Unanswered is always the
// number of rounds.
type Tally struct {
	Correct    int
	Wrong      int
	Unanswered int
}

// PlayerResult is one player's final state.
type PlayerResult struct {
	Name      string
	Score     int
	Tally     Tally
	Forfeited bool
}

// Result is returned once both players are terminal.
type Result struct {
	ID       string
	Players  [2]PlayerResult
	TimedOut bool
	Bonus    bool // the winner's bonus was recorded
}

// Winner returns the index of the strictly higher scorer.
func (r Result) Winner() (int, bool) {
	a, b := r.Players[0].Score, r.Players[1].Score
	switch {
	case a > b:
		return 0, true
	case b > a:
		return 1, true
	default:
		return -1, false
	}
}

const stateStart = -1

type player struct {
	Player
	index     int // stateStart, 0..W-1, W (finished), W+1 (end)
	acquired  bool
	awaiting  bool
	queued    []netconn.Event // taken, not yet graded
	score     int
	tally     Tally
	statsSent bool
	terminal  bool
	forfeited bool
}

// Engine is a single-use match. Create with New and call Run once.
type Engine struct {
	id       string
	rules    Rules
	rounds   []Round
	players  [2]player
	roster   Roster
	ledger   Ledger
	timedOut bool
	bonus    bool
	ctx      context.Context
	log      *slog.Logger
}

// New prepares a match between a and b over rounds. roster and ledger may
// be nil.
func New(id string, rules Rules, a, b Player, rounds []Round, roster Roster, ledger Ledger, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	rs := make([]Round, len(rounds))
	for i, r := range rounds {
		rs[i] = Round{Word: r.Word, Accepted: translate.Normalize(r.Accepted)}
	}
	e := &Engine{
		id:     id,
		rules:  rules,
		rounds: rs,
		roster: roster,
		ledger: ledger,
		log:    logger.With("match_id", id),
	}
	for i, p := range []Player{a, b} {
		e.players[i] = player{
			Player: p,
			index:  stateStart,
			tally:  Tally{Unanswered: len(rs)},
		}
	}
	return e
}

// Run plays the match to completion and returns the final scores. Cancelling
// ctx sets the timeout flag; Run still returns only after both players have
// received their outcome or dropped.
func (e *Engine) Run(ctx context.Context) Result {
	// The bonus is owed even if the deadline or a shutdown cancels ctx.
	e.ctx = context.WithoutCancel(ctx)
	events := make(chan netconn.Event, 16)
	done := make(chan struct{})
	defer close(done)
	route := netconn.Route{Events: events, Done: done}

	for i := range e.players {
		e.players[i].acquired = e.players[i].Conn.Acquire(route)
		if !e.players[i].acquired {
			e.log.Info("player unavailable at start", "player", e.players[i].Name)
			e.forfeit(i)
		}
	}
	e.log.Info("match started", "a", e.players[0].Name, "b", e.players[1].Name, "words", len(e.rounds))

	e.advanceAll()

	deadline := ctx.Done()
	for !e.allTerminal() {
		select {
		case ev := <-events:
			e.handle(ev)
		case <-deadline:
			deadline = nil
			e.timedOut = true
			e.log.Info("match timed out")
		}
		e.advanceAll()
	}

	res := Result{ID: e.id, TimedOut: e.timedOut, Bonus: e.bonus}
	for i, p := range e.players {
		res.Players[i] = PlayerResult{Name: p.Name, Score: p.score, Tally: p.tally, Forfeited: p.forfeited}
	}
	e.log.Info("match finished",
		"a", res.Players[0].Name, "a_score", res.Players[0].Score,
		"b", res.Players[1].Name, "b_score", res.Players[1].Score,
		"timed_out", res.TimedOut)
	return res
}

func (e *Engine) indexOf(ev netconn.Event) int {
	for i := range e.players {
		if e.players[i].Conn == ev.Conn {
			return i
		}
	}
	return -1
}

func (e *Engine) handle(ev netconn.Event) {
	i := e.indexOf(ev)
	if i < 0 {
		return
	}
	p := &e.players[i]
	switch ev.Kind {
	case netconn.EventClosed:
		if p.terminal {
			return // Release reports it to the dispatcher
		}
		e.log.Info("player disconnected", "player", p.Name, "err", ev.Err)
		e.forfeit(i)
	case netconn.EventFrame:
		if !ev.Conn.Take(ev) {
			return // already handed back
		}
		p.queued = append(p.queued, ev)
	}
}

func (e *Engine) allTerminal() bool {
	return e.players[0].terminal && e.players[1].terminal
}

func (e *Engine) advanceAll() {
	// A player finishing can unblock the other, so run twice.
	for range 2 {
		for i := range e.players {
			e.advance(i)
		}
	}
}

// advance moves player i forward as far as it can go without input.
func (e *Engine) advance(i int) {
	p := &e.players[i]
	w := len(e.rounds)
	for !p.terminal {
		switch {
		case e.timedOut && p.index < w:
			p.awaiting = false
			p.queued = nil
			if !e.send(i, msgTimeExpired) {
				return
			}
			p.index = w

		case p.index == stateStart:
			opp := e.players[1-i].Name
			if !e.send(i, bannerText(opp, w, e.rules.Duration)) {
				return
			}
			p.index = 0

		case p.index < w:
			if !p.awaiting {
				if !e.send(i, questionText(p.index, w, e.rounds[p.index].Word)) {
					return
				}
				p.awaiting = true
			}
			if len(p.queued) == 0 {
				return
			}
			answer := p.queued[0]
			p.queued = p.queued[1:]
			e.grade(i, answer)

		case p.index == w:
			if !p.statsSent {
				if !e.send(i, statsText(p.tally)) {
					return
				}
				p.statsSent = true
			}
			p.index = w + 1

		default:
			if !e.timedOut && !e.players[1-i].statsSent {
				return
			}
			e.finish(i)
		}
	}
}

func (e *Engine) grade(i int, ev netconn.Event) {
	p := &e.players[i]
	answer := strings.ToLower(strings.TrimSpace(string(ev.Frame)))
	if slices.Contains(e.rounds[p.index].Accepted, answer) {
		p.score += e.rules.CorrectBonus
		p.tally.Correct++
	} else {
		p.score -= e.rules.WrongPenalty
		p.tally.Wrong++
	}
	p.tally.Unanswered--
	p.index++
	p.awaiting = false
}

// send delivers text to player i. A failed send forfeits the player.
func (e *Engine) send(i int, text string) bool {
	if err := e.players[i].Conn.SendText(text); err != nil {
		e.log.Info("send failed", "player", e.players[i].Name, "err", err)
		e.forfeit(i)
		return false
	}
	return true
}

func (e *Engine) forfeit(i int) {
	p := &e.players[i]
	if p.terminal {
		return
	}
	p.score = e.rules.LossFloor(len(e.rounds))
	p.forfeited = true
	p.statsSent = true
	p.queued = nil
	p.index = len(e.rounds) + 1
	p.terminal = true
	if e.roster != nil {
		e.roster.Leave(p.Name)
	}
	e.release(i)
}

// release hands the connection back along with any frames the player sent
// that the match did not use, such as a command typed while waiting.
func (e *Engine) release(i int) {
	p := &e.players[i]
	pending := p.queued
	p.queued = nil
	if p.acquired {
		p.acquired = false
		p.Conn.Release(pending...)
	}
}

func (e *Engine) finish(i int) {
	p := &e.players[i]
	other := e.players[1-i].score
	p.terminal = true
	if e.roster != nil {
		e.roster.Leave(p.Name)
	}
	if p.score > other {
		e.award(i)
	}
	text := outcomeText(p.score, other, e.rules.WinBonus, p.PriorPoints+e.rules.WinBonus)
	if err := p.Conn.SendText(text); err != nil {
		e.log.Info("outcome not delivered", "player", p.Name, "err", err)
	}
	// Commands typed while waiting are answered after the outcome, and see
	// the bonus.
	e.release(i)
}

// award credits the win bonus. Scores are final once either player reaches
// the outcome, so this runs at most once per match.
func (e *Engine) award(i int) {
	if e.ledger == nil || e.bonus {
		return
	}
	name := e.players[i].Name
	if err := e.ledger.IncrementPoints(e.ctx, name, e.rules.WinBonus); err != nil {
		e.log.Error("win bonus not recorded", "winner", name, "err", err)
		return
	}
	e.bonus = true
	e.log.Info("win bonus recorded", "winner", name, "bonus", e.rules.WinBonus)
}
