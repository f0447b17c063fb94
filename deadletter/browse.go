package deadletter

// Iterator is a forward-only view over the head of a queue. Messages are
// fetched lazily and returned to the queue when the iterator is closed.
type Iterator struct {
	ch        Channel
	queue     string
	remaining int
	current   *Message
	err       error
	closed    bool
}

// Next fetches the next message. It returns false at the end of the queue,
// at the limit, on error or after Close.
func (it *Iterator) Next() bool {
	it.current = nil
	if it.closed || it.err != nil || it.remaining <= 0 {
		return false
	}

	d, ok, err := it.ch.Get(it.queue, false)
	if err != nil {
		it.err = brokerIOError("browse", it.queue, 0, err)
		return false
	}
	if !ok {
		it.remaining = 0
		return false
	}

	it.remaining--
	it.current = MessageOf(d)
	return true
}

// Message returns the message fetched by the last call to Next
func (it *Iterator) Message() *Message {
	return it.current
}

// Err returns the error that stopped iteration, if any
func (it *Iterator) Err() error {
	return it.err
}

// Close releases the channel. It is safe to call at any point and more than once.
func (it *Iterator) Close() error {
	if it.closed {
		return nil
	}
	it.closed = true
	it.current = nil
	return it.ch.Close()
}

// Collect drains it into a slice and closes it
func Collect(it *Iterator) ([]*Message, error) {
	defer it.Close()

	var out []*Message
	for it.Next() {
		out = append(out, it.Message())
	}
	return out, it.Err()
}
