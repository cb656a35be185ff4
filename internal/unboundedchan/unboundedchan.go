// Package unboundedchan provides a channel pair backed by an unbounded
// queue. The serial link reader feeds edge records and reply tokens through
// these so the port reader never blocks, whatever the consumer is doing.
package unboundedchan

// UnboundedChannel accepts on In without ever blocking the sender and
// delivers in FIFO order on Out. Closing In drains the queue to Out and then
// closes it. Keep T small; use pointers for large values.
type UnboundedChannel[T any] struct {
	in    chan T
	out   chan T
	queue []T
}

// NewUnboundedChannel creates an UnboundedChannel and starts its pump.
func NewUnboundedChannel[T any]() *UnboundedChannel[T] {
	uc := &UnboundedChannel[T]{
		in:  make(chan T),
		out: make(chan T),
	}
	go uc.run()
	return uc
}

func (uc *UnboundedChannel[T]) run() {
	for {
		// With an empty queue there is nothing to offer, so out stays nil
		// and the select blocks on input alone.
		var out chan T
		var next T
		if len(uc.queue) > 0 {
			out = uc.out
			next = uc.queue[0]
		}
		select {
		case out <- next:
			uc.queue = uc.queue[1:]
		case val, ok := <-uc.in:
			if !ok {
				for _, item := range uc.queue {
					uc.out <- item
				}
				close(uc.out)
				return
			}
			uc.queue = append(uc.queue, val)
		}
	}
}

// In returns the input channel. Sends complete as soon as the pump runs;
// they never wait on the consumer.
func (uc *UnboundedChannel[T]) In() chan<- T {
	return uc.in
}

// Out returns the FIFO output channel.
func (uc *UnboundedChannel[T]) Out() <-chan T {
	return uc.out
}
