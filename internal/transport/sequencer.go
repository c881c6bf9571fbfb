package transport

import (
	"sync"
	"time"

	"github.com/rmacdonaldsmith/qmsg-go/pkg/shortname"
	"github.com/rmacdonaldsmith/qmsg-go/pkg/transport"
)

type publisher struct {
	groupID  uint64
	objectID uint64
}

// Sequencer tracks registered publishers and numbers their objects. The
// group id is fixed when a name is registered; the object id increments on
// every publish under that name.
type Sequencer struct {
	mu         sync.Mutex
	publishers map[shortname.ShortName]*publisher
	clock      func() time.Time
}

// NewSequencer creates an empty sequencer.
func NewSequencer() *Sequencer {
	return &Sequencer{
		publishers: make(map[shortname.ShortName]*publisher),
		clock:      time.Now,
	}
}

// Register records name as a publisher. Registering twice keeps the
// original group id.
func (s *Sequencer) Register(name shortname.ShortName) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.publishers[name]; ok {
		return
	}
	s.publishers[name] = &publisher{groupID: uint64(s.clock().UnixNano())}
}

// Next returns the ids for the next object published under name.
func (s *Sequencer) Next(name shortname.ShortName) (groupID, objectID uint64, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.publishers[name]
	if !ok {
		return 0, 0, transport.ErrNotRegistered
	}
	objectID = p.objectID
	p.objectID++
	return p.groupID, objectID, nil
}

// Registered reports whether name has been registered.
func (s *Sequencer) Registered(name shortname.ShortName) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.publishers[name]
	return ok
}
