package chat

// ChangeKind says which slice of state a change notification covers.
type ChangeKind string

// Change kinds.
const (
	ChangeConversations ChangeKind = "conversations"
	ChangeMessages      ChangeKind = "messages"
	ChangeTyping        ChangeKind = "typing"
)

// Change is one store mutation notice. Consumers pull a fresh snapshot on
// receipt instead of binding to mutable fields.
type Change struct {
	Kind           ChangeKind
	ConversationID string // empty for whole-set changes
}

const subscriberBuffer = 64

// Subscribe registers a change listener. The returned cancel func detaches
// and closes the channel; Close does the same for all remaining subscribers.
//
// Delivery is best-effort: a subscriber that falls subscriberBuffer notices
// behind drops ticks. That is safe because notifications carry no state, only
// the hint to pull a snapshot.
func (s *Store) Subscribe() (<-chan Change, func()) {
	ch := make(chan Change, subscriberBuffer)

	s.subMu.Lock()
	if s.subClosed {
		s.subMu.Unlock()
		close(ch)
		return ch, func() {}
	}
	id := s.nextSub
	s.nextSub++
	s.subs[id] = ch
	s.subMu.Unlock()

	cancel := func() {
		s.subMu.Lock()
		defer s.subMu.Unlock()
		if _, ok := s.subs[id]; ok {
			delete(s.subs, id)
			close(ch)
		}
	}
	return ch, cancel
}

// notify fans changes out to all subscribers without blocking. Sends happen
// under subMu so cancel/Close can never close a channel mid-send.
func (s *Store) notify(changes ...Change) {
	s.subMu.Lock()
	defer s.subMu.Unlock()

	for _, c := range changes {
		for _, ch := range s.subs {
			select {
			case ch <- c:
			default:
				// Drop rather than block the mutation path.
			}
		}
	}
}
