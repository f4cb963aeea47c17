package quantum

// Events is the bitmask ReadPoll returns.
type Events uint32

const (
	// EventContinue means the caller should call read_poll again
	// immediately; more work may be pending.
	EventContinue Events = 1 << iota
	// EventAgain means there is nothing more to do right now.
	EventAgain
	// EventError means the input violated the caller's contract (e.g. a
	// read buffer too small for the next in-order payload).
	EventError
	// EventData means bytes were delivered into the caller's buffer.
	EventData
	// EventAccept means a new inbound connection just completed its
	// handshake.
	EventAccept
	// EventConnected means an outbound handshake just completed.
	EventConnected
	// EventPollout means a previously full send window has freed up.
	EventPollout
)

func (e Events) Has(f Events) bool { return e&f != 0 }
