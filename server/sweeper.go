// SPDX-FileCopyrightText: © 2026 Katzenpost Relay Authors
// SPDX-License-Identifier: AGPL-3.0-only

package server

import (
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/relay/core/worker"
	"github.com/katzenpost/relay/server/internal/glue"
	"github.com/katzenpost/relay/server/internal/instrument"
)

// sweeper periodically removes aged messages and publishes the store usage.
type sweeper struct {
	worker.Worker

	glue glue.Glue
	log  *logging.Logger
}

func (s *sweeper) worker() {
	cfg := s.glue.Config().MessageDB
	t := time.NewTicker(time.Duration(cfg.SweepInterval) * time.Millisecond)
	defer t.Stop()

	for {
		select {
		case <-s.HaltCh():
			s.log.Debugf("Terminating gracefully.")
			return
		case <-t.C:
		}
		s.sweep()
	}
}

func (s *sweeper) sweep() {
	cfg := s.glue.Config().MessageDB
	store := s.glue.Messages()

	if cfg.MaxMessageAge > 0 {
		maxAge := time.Duration(cfg.MaxMessageAge) * time.Millisecond
		removed, err := store.RemoveMessages(maxAge, cfg.SweepLimit)
		if err != nil {
			s.log.Errorf("Failed to remove aged messages: %v", err)
		} else if len(removed) > 0 {
			s.log.Noticef("Removed %d messages older than %v", len(removed), maxAge)
		}
	}

	usage, err := store.GetUsage()
	if err != nil {
		s.log.Errorf("Failed to query usage: %v", err)
		return
	}
	var count, size int64
	for _, u := range usage {
		count += u.MessageCount
		size += u.ByteCount
	}
	instrument.StoreUsage(count, size)
}

func newSweeper(glue glue.Glue) *sweeper {
	s := &sweeper{
		glue: glue,
		log:  glue.LogBackend().GetLogger("sweeper"),
	}
	s.Go(s.worker)
	return s
}
