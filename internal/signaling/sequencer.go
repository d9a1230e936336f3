package signaling

import (
	"strconv"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
)

// DefaultSequenceWindow is how long a sender's last sequence is remembered.
const DefaultSequenceWindow = 10 * time.Minute

type lastSeen struct {
	session   string
	seq       uint64
	timestamp int64
}

// Sequencer discards signals that are older than, or repeat, the last accepted signal
// of the same sender. Accept orders signals that replace each other, such as offers and
// answers. Duplicate only filters repeats, for signals that add up, such as ICE candidates.
type Sequencer struct {
	mu    sync.Mutex
	cache *cache.Cache
	seen  *cache.Cache
}

// NewSequencer returns a Sequencer forgetting idle senders after window.
func NewSequencer(window time.Duration) *Sequencer {
	if window <= 0 {
		window = DefaultSequenceWindow
	}
	return &Sequencer{
		cache: cache.New(window, window*2),
		seen:  cache.New(window, window*2),
	}
}

// Accept records stamp for sender and reports whether it is newer than the last one seen.
//
// Within one session a signal is accepted only if its seq is higher. A signal from another
// session is accepted unless its timestamp is older than the last accepted one, which
// covers a sender that restarted.
func (s *Sequencer) Accept(sender string, stamp Stamp) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if v, ok := s.cache.Get(sender); ok {
		last := v.(lastSeen)
		if last.session == stamp.Session {
			if stamp.Seq <= last.seq {
				return false
			}
		} else if stamp.Timestamp < last.timestamp {
			return false
		}
	}
	s.cache.SetDefault(sender, lastSeen{session: stamp.Session, seq: stamp.Seq, timestamp: stamp.Timestamp})
	return true
}

// Forget drops the state of sender.
func (s *Sequencer) Forget(sender string) {
	s.cache.Delete(sender)
}

// Duplicate reports whether stamp was already seen from sender. Order is not checked.
func (s *Sequencer) Duplicate(sender string, stamp Stamp) bool {
	key := sender + "|" + stamp.Session + "|" + strconv.FormatUint(stamp.Seq, 10)
	return s.seen.Add(key, struct{}{}, cache.DefaultExpiration) != nil
}
