package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"

	"golang.org/x/time/rate"

	"github.com/NicolasHaas/wordquizzle/pkg/model"
	"github.com/NicolasHaas/wordquizzle/pkg/netconn"
	"github.com/NicolasHaas/wordquizzle/pkg/protocol"
	"github.com/NicolasHaas/wordquizzle/pkg/registry"
)

// Replies to control commands.
const (
	msgUnknownCommand   = "Unknown command."
	msgWrongArity       = "Wrong number of arguments for %s."
	msgInternal         = "Internal error, please try again."
	msgLoginFirst       = "Please log in first."
	msgRegistered       = "Registration completed successfully."
	msgUsernameTaken    = "This username is already registered."
	msgInvalidUsername  = "Invalid username: %v."
	msgInvalidPassword  = "Invalid password: %v."
	msgLoggedIn         = "Login successful."
	msgAlreadyOnline    = "This user is already logged in."
	msgSessionOpen      = "You are already logged in."
	msgNotRegistered    = "This username is not registered."
	msgWrongPassword    = "Wrong password."
	msgTooManyAttempts  = "Too many failed login attempts, try again later."
	msgLoggedOut        = "Logout successful."
	msgNoSuchUser       = "The specified user does not exist."
	msgSelfFriend       = "You cannot befriend yourself."
	msgFriendAdded      = "Friendship added successfully."
	msgAlreadyFriends   = "You are already friends with the specified user."
	msgNoFriends        = "You have no friends yet."
	msgSelfChallenge    = "You cannot challenge yourself."
	msgNotFriends       = "You can only challenge your friends."
	msgOffline          = "The specified user is not online."
	msgBusy             = "The specified user is busy."
	msgAlreadyChallenge = "You already have a challenge in progress."
	msgChallengeSent    = "Challenge to %s sent. Waiting for acceptance..."
	msgScore            = "Your score is %d."
)

// clientState is the dispatcher's view of one connection.
type clientState struct {
	conn   *netconn.Conn
	logins *rate.Limiter // failed login attempts
}

// StartControl starts the TCP listener and the dispatch goroutine.
func (s *Server) StartControl() error {
	ln, err := net.Listen("tcp", s.cfg.ControlAddr)
	if err != nil {
		return fmt.Errorf("server: listen control: %w", err)
	}
	s.control = ln
	s.log.Info("control plane listening", "addr", ln.Addr().String())

	go s.dispatchLoop()
	go s.acceptLoop(ln)
	return nil
}

func (s *Server) acceptLoop(ln net.Listener) {
	for {
		raw, err := ln.Accept()
		if err != nil {
			select {
			case <-s.ctx.Done():
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.log.Error("accept error", "err", err)
			continue
		}
		c := netconn.New(raw, s.nextConnID.Add(1), s.cfg.MaxMessage, s.home(), s.log)
		select {
		case s.opened <- c:
		case <-s.ctx.Done():
			_ = raw.Close()
			return
		}
	}
}

// dispatchLoop is the only goroutine that handles commands. It never touches
// a socket directly: replies are queued on the connection's outbox.
func (s *Server) dispatchLoop() {
	defer close(s.dispatchDone)
	for {
		select {
		case c := <-s.opened:
			s.admit(c)
		case ev := <-s.events:
			s.handleEvent(ev)
		case <-s.ctx.Done():
			for _, cl := range s.clients {
				_ = cl.conn.Close()
			}
			return
		}
	}
}

func (s *Server) admit(c *netconn.Conn) {
	s.clients[c.ID()] = &clientState{
		conn:   c,
		logins: rate.NewLimiter(rate.Limit(s.cfg.LoginRate), s.cfg.LoginBurst),
	}
	s.metrics.TotalConnections.Add(1)
	s.metrics.ActiveConnections.Add(1)
	s.log.Debug("new connection", "conn", c.ID(), "remote", c.RemoteAddr().String())
	c.Start()
}

func (s *Server) handleEvent(ev netconn.Event) {
	cl, ok := s.clients[ev.Conn.ID()]
	if !ok {
		return
	}
	switch ev.Kind {
	case netconn.EventClosed:
		s.drop(cl, ev.Err)
	case netconn.EventFrame:
		if !ev.Conn.Take(ev) {
			return // a match took the connection after this frame was read
		}
		reply := s.handleCommand(cl, protocol.ParseCommand(ev.Frame))
		if reply == "" {
			return // already queued
		}
		if err := cl.conn.SendText(reply); err != nil {
			s.log.Warn("reply not queued", "conn", cl.conn.ID(), "err", err)
		}
	}
}

// drop forgets a failed connection and its session.
func (s *Server) drop(cl *clientState, cause error) {
	id := cl.conn.ID()
	delete(s.clients, id)
	_ = cl.conn.Close()

	s.metrics.ActiveConnections.Add(-1)
	s.metrics.TotalDisconnects.Add(1)
	if username, ok := s.sessions.Unbind(id); ok {
		s.log.Info("user disconnected", "username", username, "err", cause)
		return
	}
	s.log.Debug("connection closed", "conn", id, "err", cause)
}

// handleCommand executes one request and returns its single reply.
func (s *Server) handleCommand(cl *clientState, cmd protocol.Command) string {
	s.metrics.CommandsHandled.Add(1)

	arity := protocol.Arity(cmd.Verb)
	if arity < 0 {
		s.metrics.CommandsRejected.Add(1)
		return msgUnknownCommand
	}
	if len(cmd.Args) != arity {
		s.metrics.CommandsRejected.Add(1)
		return fmt.Sprintf(msgWrongArity, cmd.Verb)
	}

	switch cmd.Verb {
	case protocol.VerbRegister:
		return s.handleRegister(cmd.Args[0], cmd.Args[1])
	case protocol.VerbLogin:
		return s.handleLogin(cl, cmd.Args[0], cmd.Args[1])
	}

	username, ok := s.sessions.UserOf(cl.conn.ID())
	if !ok {
		return msgLoginFirst
	}

	switch cmd.Verb {
	case protocol.VerbLogout:
		s.sessions.Unbind(cl.conn.ID())
		s.log.Info("user logged out", "username", username)
		return msgLoggedOut
	case protocol.VerbAddFriend:
		return s.handleAddFriend(username, cmd.Args[0])
	case protocol.VerbListFriends:
		return s.handleListFriends(username)
	case protocol.VerbChallenge:
		return s.handleChallenge(cl, username, cmd.Args[0])
	case protocol.VerbScore:
		points, err := s.registry.PointsOf(username)
		if err != nil {
			return msgInternal
		}
		return fmt.Sprintf(msgScore, points)
	case protocol.VerbRanking:
		return s.handleRanking(username)
	default:
		return msgUnknownCommand
	}
}

func (s *Server) handleRegister(username, secret string) string {
	err := s.registry.Register(context.WithoutCancel(s.ctx), username, secret)
	switch {
	case err == nil:
		s.metrics.Registrations.Add(1)
		return msgRegistered
	case errors.Is(err, registry.ErrDuplicateAccount):
		return msgUsernameTaken
	case errors.Is(err, model.ErrUsernameEmpty),
		errors.Is(err, model.ErrUsernameTooLong),
		errors.Is(err, model.ErrUsernameInvalidChars):
		return fmt.Sprintf(msgInvalidUsername, err)
	case errors.Is(err, model.ErrSecretEmpty),
		errors.Is(err, model.ErrSecretTooLong),
		errors.Is(err, model.ErrSecretInvalidChars):
		return fmt.Sprintf(msgInvalidPassword, err)
	default:
		s.log.Error("register failed", "username", username, "err", err)
		return msgInternal
	}
}

func (s *Server) handleLogin(cl *clientState, username, secret string) string {
	if _, ok := s.sessions.UserOf(cl.conn.ID()); ok {
		return msgSessionOpen
	}
	if cl.logins.Tokens() < 1 {
		s.metrics.ThrottledLogins.Add(1)
		return msgTooManyAttempts
	}

	if err := s.registry.VerifyCredentials(username, secret); err != nil {
		s.metrics.FailedLogins.Add(1)
		cl.logins.Allow()
		if errors.Is(err, registry.ErrUnknownAccount) {
			return msgNotRegistered
		}
		return msgWrongPassword
	}
	if !s.sessions.Bind(username, cl.conn) {
		return msgAlreadyOnline
	}
	s.metrics.SuccessfulLogins.Add(1)
	s.log.Info("user logged in", "username", username, "conn", cl.conn.ID())
	return msgLoggedIn
}

func (s *Server) handleAddFriend(username, friend string) string {
	err := s.registry.AddFriendship(context.WithoutCancel(s.ctx), username, friend)
	switch {
	case err == nil:
	case errors.Is(err, registry.ErrSelfFriendship):
		return msgSelfFriend
	case errors.Is(err, registry.ErrUnknownAccount):
		return msgNoSuchUser
	case errors.Is(err, registry.ErrAlreadyFriends):
		return msgAlreadyFriends
	default:
		s.log.Error("add friend failed", "username", username, "friend", friend, "err", err)
		return msgInternal
	}

	if conn, ok := s.sessions.ConnOf(friend); ok {
		s.notifyAsync(conn, protocol.Notice{Kind: protocol.NoticeNewFriend, ID: username})
	}
	return msgFriendAdded
}

func (s *Server) handleListFriends(username string) string {
	friends, err := s.registry.FriendsOf(username)
	if err != nil {
		return msgInternal
	}
	if len(friends) == 0 {
		return msgNoFriends
	}
	data, err := json.Marshal(friends)
	if err != nil {
		return msgInternal
	}
	return string(data)
}

func (s *Server) handleRanking(username string) string {
	ranking, err := s.registry.Ranking(username)
	if err != nil {
		return msgInternal
	}
	data, err := json.Marshal(ranking)
	if err != nil {
		return msgInternal
	}
	return string(data)
}

func (s *Server) handleChallenge(cl *clientState, username, target string) string {
	switch {
	case !s.registry.Exists(target):
		return msgNoSuchUser
	case target == username:
		return msgSelfChallenge
	case !s.registry.IsFriend(username, target):
		return msgNotFriends
	}
	targetConn, ok := s.sessions.ConnOf(target)
	if !ok {
		return msgOffline
	}
	if s.board.Busy(username) {
		return msgAlreadyChallenge
	}
	if !s.issueChallenge(username, target, cl.conn, targetConn, fmt.Sprintf(msgChallengeSent, target)) {
		return msgBusy
	}
	return ""
}
