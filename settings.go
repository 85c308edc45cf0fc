package main

import (
	"fmt"
	"sync"
)

// Settings are the runtime-tunable knobs, seeded from flags and mutable
// through the admin config endpoint. Changes apply to the next shuffle,
// never to a puzzle already in play.
type Settings struct {
	mu        sync.RWMutex
	gridSize  int
	countdown int
}

func newSettings(cfg *Config) *Settings {
	return &Settings{
		gridSize:  cfg.gridSize,
		countdown: cfg.countdown,
	}
}

func (s *Settings) grid() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.gridSize
}

func (s *Settings) setGrid(n int) error {
	if n < minGridSize || n > maxGridSize {
		return errInvalidGridSize
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.gridSize = n
	return nil
}

func (s *Settings) countdownSeconds() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.countdown
}

func (s *Settings) setCountdown(seconds int) error {
	if seconds < 0 || seconds > 60 {
		return fmt.Errorf("countdown must be between 0-60 seconds: %d", seconds)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.countdown = seconds
	return nil
}
