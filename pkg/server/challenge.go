package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/NicolasHaas/wordquizzle/pkg/match"
	"github.com/NicolasHaas/wordquizzle/pkg/netconn"
	"github.com/NicolasHaas/wordquizzle/pkg/protocol"
)

var (
	errNotAccepted    = errors.New("server: challenge not accepted in time")
	errInviteeGone    = errors.New("server: invitee disconnected")
	errChallengerGone = errors.New("server: challenger disconnected")
)

const (
	msgNotAccepted            = "The challenge was not accepted."
	msgTranslationUnavailable = "Sorry, the translation service is currently unavailable. Please try again later."
)

// challenge is one accepted sfida request on its way to becoming a match.
type challenge struct {
	id             string
	challenger     string
	invitee        string
	challengerConn *netconn.Conn
	inviteeConn    *netconn.Conn
}

// issueChallenge books both users on the board, queues ack for the
// challenger and starts the coordinator. It returns false if either user is
// already busy.
func (s *Server) issueChallenge(challenger, invitee string, cc, ic *netconn.Conn, ack string) bool {
	ch := challenge{
		id:             uuid.NewString(),
		challenger:     challenger,
		invitee:        invitee,
		challengerConn: cc,
		inviteeConn:    ic,
	}
	if !s.board.Open(ch.id, challenger, invitee) {
		return false
	}
	s.metrics.ChallengesIssued.Add(1)
	// Queued before the coordinator exists, so it always precedes the outcome.
	_ = cc.SendText(ack)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.board.Close(ch.id)
		s.coordinate(ch)
	}()
	return true
}

// coordinate runs the handshake, fetches the words and supervises the match.
func (s *Server) coordinate(ch challenge) {
	log := s.log.With("challenge_id", ch.id, "challenger", ch.challenger, "invitee", ch.invitee)

	if err := s.handshake(ch); err != nil {
		switch {
		case errors.Is(err, errNotAccepted):
			s.metrics.ChallengesExpired.Add(1)
			log.Info("challenge expired")
		case errors.Is(err, errChallengerGone):
			s.metrics.ChallengesAbandoned.Add(1)
			log.Info("challenger left before the answer")
			return
		default:
			s.metrics.ChallengesAbandoned.Add(1)
			log.Info("challenge dropped", "err", err)
		}
		if err := ch.challengerConn.SendText(msgNotAccepted); err != nil {
			log.Debug("rejection not delivered", "err", err)
		}
		return
	}
	s.metrics.ChallengesAccepted.Add(1)
	log.Info("challenge accepted")

	rounds, err := s.fetchRounds(s.ctx)
	if err != nil {
		s.metrics.TranslationFailures.Add(1)
		log.Warn("translation failed, match cancelled", "err", err)
		_ = ch.challengerConn.SendText(msgTranslationUnavailable)
		_ = ch.inviteeConn.SendText(msgTranslationUnavailable)
		return
	}

	s.play(ch, rounds, log)
}

// handshake offers the challenge over the invitee's side channel and waits
// for the acceptance, the accept timeout or either user leaving.
func (s *Server) handshake(ch challenge) error {
	peer, err := sideChannelAddr(ch.inviteeConn)
	if err != nil {
		return err
	}
	hs, err := s.openHandshake(peer)
	if err != nil {
		return err
	}
	defer func() { _ = hs.Close() }()

	if err := hs.send(protocol.Notice{Kind: protocol.NoticeAdd, ID: ch.challenger}); err != nil {
		return err
	}

	timed, cancelTimed := context.WithTimeoutCause(s.ctx, s.cfg.AcceptTimeout, errNotAccepted)
	defer cancelTimed()
	ctx, cancel := context.WithCancelCause(timed)
	defer cancel(nil)
	go func() {
		select {
		case <-ch.inviteeConn.Done():
			cancel(errInviteeGone)
		case <-ch.challengerConn.Done():
			cancel(errChallengerGone)
		case <-ctx.Done():
		}
	}()

	if err := hs.awaitAccepted(ctx); err != nil {
		if !errors.Is(err, errInviteeGone) {
			// The invitee may still be showing the offer.
			_ = hs.send(protocol.Notice{Kind: protocol.NoticeRemove, ID: ch.challenger})
		}
		return err
	}
	return hs.send(protocol.Notice{Kind: protocol.NoticeStarting, ID: ch.challenger})
}

// fetchRounds picks the match words and translates them concurrently. The
// first failure short-circuits the rest; results that land afterwards are
// discarded.
func (s *Server) fetchRounds(ctx context.Context) ([]match.Round, error) {
	words, err := s.pickWords()
	if err != nil {
		return nil, err
	}

	rounds := make([]match.Round, len(words))
	var failed atomic.Bool
	g, gctx := errgroup.WithContext(ctx)
	for i, word := range words {
		g.Go(func() error {
			if failed.Load() {
				return nil
			}
			accepted, err := s.translator.Translate(gctx, word)
			if err != nil {
				failed.Store(true)
				return fmt.Errorf("server: translate %q: %w", word, err)
			}
			if failed.Load() {
				return nil
			}
			rounds[i] = match.Round{Word: word, Accepted: accepted}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return rounds, nil
}

func (s *Server) pickWords() ([]string, error) {
	s.rngMu.Lock()
	defer s.rngMu.Unlock()
	words, err := s.dict.Pick(s.cfg.Words, s.rng)
	if err != nil {
		return nil, fmt.Errorf("server: pick words: %w", err)
	}
	return words, nil
}

// play runs the match under the match deadline. The engine posts the win
// bonus itself, before the winner hears the outcome.
func (s *Server) play(ch challenge, rounds []match.Round, log *slog.Logger) {
	priorA, _ := s.registry.PointsOf(ch.challenger)
	priorB, _ := s.registry.PointsOf(ch.invitee)

	matchID := uuid.NewString()
	log = log.With("match_id", matchID)

	s.inGame.Enter(ch.challenger, ch.invitee)
	eng := match.New(matchID, s.cfg.Rules(),
		match.Player{Name: ch.challenger, Conn: ch.challengerConn, PriorPoints: priorA},
		match.Player{Name: ch.invitee, Conn: ch.inviteeConn, PriorPoints: priorB},
		rounds, s.inGame, s.registry, s.log)

	ctx, cancel := context.WithCancel(s.ctx)
	defer cancel()
	deadline := time.AfterFunc(s.cfg.MatchDuration, func() {
		cancel()
		s.notifyAsync(ch.challengerConn, protocol.Notice{Kind: protocol.NoticeTimeout, ID: ch.challenger})
		s.notifyAsync(ch.inviteeConn, protocol.Notice{Kind: protocol.NoticeTimeout, ID: ch.invitee})
	})

	s.metrics.MatchesStarted.Add(1)
	res := eng.Run(ctx)
	deadline.Stop()

	s.metrics.MatchesFinished.Add(1)
	if res.TimedOut {
		s.metrics.MatchesTimedOut.Add(1)
	}
	for _, p := range res.Players {
		if p.Forfeited {
			s.metrics.Forfeits.Add(1)
		}
	}

	idx, ok := res.Winner()
	if !ok {
		log.Info("match tied", "score", res.Players[0].Score)
		return
	}
	log.Info("match won", "winner", res.Players[idx].Name, "score", res.Players[idx].Score, "bonus_recorded", res.Bonus)
}
