package server

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

// Start validates the dependencies and begins serving. It does not block.
func (s *Server) Start() error {
	if err := s.cfg.Validate(); err != nil {
		return err
	}
	switch {
	case s.registry == nil:
		return errors.New("server: missing registry dependency")
	case s.dict == nil:
		return errors.New("server: missing dictionary dependency")
	case s.translator == nil:
		return errors.New("server: missing translator dependency")
	}
	if s.dict.Len() < s.cfg.Words {
		return fmt.Errorf("server: dictionary has %d words, a match needs %d", s.dict.Len(), s.cfg.Words)
	}

	if err := s.StartControl(); err != nil {
		return err
	}
	if err := s.StartMetricsHTTP(); err != nil {
		s.Shutdown()
		return err
	}
	if s.cfg.MetricsInterval > 0 {
		s.metrics.StartPeriodicLog(s.log, s.cfg.MetricsInterval, s.ctx.Done())
	}

	s.log.Info("WordQuizzle server running",
		"control", s.Addr().String(),
		"metrics", s.cfg.MetricsAddr,
		"accounts", s.registry.Count(),
		"dictionary", s.dict.Len(),
	)
	return nil
}

// Run starts the server and blocks until a shutdown signal.
func (s *Server) Run() error {
	if err := s.Start(); err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	<-sigCh

	s.log.Info("shutting down...")
	s.Shutdown()
	return nil
}

// Shutdown stops accepting, closes every connection, waits for running
// challenges and matches to unwind and closes the store.
func (s *Server) Shutdown() {
	s.once.Do(func() {
		s.cancel()
		if s.control != nil {
			_ = s.control.Close()
			<-s.dispatchDone
		}
		s.wg.Wait()
		if s.store != nil {
			if err := s.store.Close(); err != nil {
				s.log.Error("close store", "err", err)
			}
		}
	})
}
