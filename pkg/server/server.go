// Package server implements the WordQuizzle server: the command dispatcher,
// the challenge coordinator, the UDP side channel and the metrics endpoint.
package server

import (
	"context"
	"io"
	"log/slog"
	"math/rand/v2"
	"net"
	"sync"
	"sync/atomic"

	"github.com/NicolasHaas/wordquizzle/pkg/dictionary"
	"github.com/NicolasHaas/wordquizzle/pkg/netconn"
	"github.com/NicolasHaas/wordquizzle/pkg/registry"
	"github.com/NicolasHaas/wordquizzle/pkg/translate"
)

// Dependencies holds external dependencies for the server.
// Server assumes ownership of Store and will Close() it on shutdown.
type Dependencies struct {
	Registry   *registry.Registry
	Dictionary *dictionary.Dictionary
	Translator translate.Provider
	Store      io.Closer  // optional
	Rand       *rand.Rand // optional; word selection
	Logger     *slog.Logger
}

// Server is the main WordQuizzle server.
type Server struct {
	cfg        Config
	registry   *registry.Registry
	dict       *dictionary.Dictionary
	translator translate.Provider
	store      io.Closer

	sessions *SessionManager
	board    *ChallengeBoard
	inGame   *InGame
	metrics  *Metrics
	log      *slog.Logger

	control      net.Listener
	opened       chan *netconn.Conn
	events       chan netconn.Event
	clients      map[uint64]*clientState // dispatch goroutine only
	nextConnID   atomic.Uint64
	dispatchDone chan struct{}

	rngMu sync.Mutex
	rng   *rand.Rand

	wg     sync.WaitGroup // coordinators and notices
	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once
}

// New creates a new Server instance.
func New(cfg Config, deps Dependencies) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	rng := deps.Rand
	if rng == nil {
		rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	return &Server{
		cfg:          cfg,
		registry:     deps.Registry,
		dict:         deps.Dictionary,
		translator:   deps.Translator,
		store:        deps.Store,
		sessions:     NewSessionManager(),
		board:        NewChallengeBoard(),
		inGame:       NewInGame(),
		metrics:      NewMetrics(),
		log:          logger.With("component", "server"),
		opened:       make(chan *netconn.Conn),
		events:       make(chan netconn.Event, 256),
		clients:      make(map[uint64]*clientState),
		dispatchDone: make(chan struct{}),
		rng:          rng,
		ctx:          ctx,
		cancel:       cancel,
	}
}

// Sessions returns the session manager.
func (s *Server) Sessions() *SessionManager {
	return s.sessions
}

// Metrics returns the server metrics.
func (s *Server) Metrics() *Metrics {
	return s.metrics
}

// InGame returns the set of users currently playing.
func (s *Server) InGame() *InGame {
	return s.inGame
}

// Addr returns the command listener's address once started.
func (s *Server) Addr() net.Addr {
	if s.control == nil {
		return nil
	}
	return s.control.Addr()
}

func (s *Server) home() netconn.Route {
	return netconn.Route{Events: s.events, Done: s.ctx.Done()}
}
