package tele

import (
	"fmt"
	"sync"
	"time"
)

// Stat is updated by Sender only, read from anywhere.
type Stat struct {
	sync.Mutex
	c StatSnapshot
}

type StatSnapshot struct {
	Sent          uint32 // including Resent
	Resent        uint32
	Failed        uint32 // transient, not retried
	Dropped       uint32
	RecoverFailed uint32
	Spooled       uint32
	LastSent      time.Time
}

func (self *Stat) add(field *uint32) {
	self.Lock()
	defer self.Unlock()
	*field++
	if field == &self.c.Sent {
		self.c.LastSent = time.Now()
	}
}

func (self *Stat) Snapshot() StatSnapshot {
	self.Lock()
	defer self.Unlock()
	return self.c
}

func (s StatSnapshot) String() string {
	return fmt.Sprintf("sent=%d resent=%d failed=%d dropped=%d recover_failed=%d spooled=%d",
		s.Sent, s.Resent, s.Failed, s.Dropped, s.RecoverFailed, s.Spooled)
}
