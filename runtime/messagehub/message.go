package messagehub

import "shardcore/types"

// Message is the hub's unit of cross-worker communication. It carries an
// intrusive FIFO link so it can sit in exactly one list at a time; enqueuing
// an already-linked message is a programmer error and is a fatal assertion
// rather than a silent no-op.
//
// OnThreadSwitch is invoked exactly once, on the destination worker, when
// the hub delivers the message. There is no partial-delivery state: a
// message is either queued somewhere or OnThreadSwitch has already run.
type Message struct {
	Priority       types.Priority
	OnThreadSwitch func()

	isOrdered   bool
	reloopCount int
	linked      bool
	next        *Message
}

// NewMessage allocates a message at the given priority. Ordered messages
// still carry a Priority (it is ignored once StoreMessageOrdered flips
// isOrdered, in favor of the single ordered lane) but callers conventionally
// pass the priority they'd use were the message unordered.
func NewMessage(priority types.Priority, onThreadSwitch func()) *Message {
	return &Message{Priority: priority, OnThreadSwitch: onThreadSwitch}
}

// msgList is an intrusive singly-linked FIFO. All operations are O(1)
// except sizing, which the list tracks as it goes so lane accounting in
// onEvent never has to walk the chain.
type msgList struct {
	head, tail *Message
	count      int
}

func (l *msgList) empty() bool { return l.head == nil }
func (l *msgList) size() int   { return l.count }

func (l *msgList) pushBack(m *Message) {
	if m.linked {
		panicLinked(m)
	}
	m.linked = true
	m.next = nil
	if l.tail == nil {
		l.head, l.tail = m, m
	} else {
		l.tail.next = m
		l.tail = m
	}
	l.count++
}

func (l *msgList) popFront() *Message {
	m := l.head
	if m == nil {
		return nil
	}
	l.head = m.next
	if l.head == nil {
		l.tail = nil
	}
	m.next = nil
	m.linked = false
	l.count--
	return m
}

// appendAndClear splices other onto the back of l in O(1) and empties other.
func (l *msgList) appendAndClear(other *msgList) {
	if other.head == nil {
		return
	}
	if l.tail == nil {
		l.head = other.head
	} else {
		l.tail.next = other.head
	}
	l.tail = other.tail
	l.count += other.count
	other.head, other.tail, other.count = nil, nil, 0
}

func panicLinked(m *Message) {
	panic("shardcore: fatal: message enqueued while already linked into a list")
}
