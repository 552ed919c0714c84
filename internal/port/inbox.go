package port

import "context"

// inbox decouples connection read loops from Read. With depth 0 every
// message is handed straight to a blocked reader.
type inbox struct {
	ch     chan *Message
	drop   bool
	done   <-chan struct{}
	onDrop func(*Message)
}

func newInbox(depth int, drop bool, done <-chan struct{}, onDrop func(*Message)) *inbox {
	return &inbox{
		ch:     make(chan *Message, depth),
		drop:   drop && depth > 0,
		done:   done,
		onDrop: onDrop,
	}
}

// put queues m. A dropping inbox evicts its oldest message instead of
// waiting; otherwise put blocks until there is room or the port stops.
func (b *inbox) put(m *Message) error {
	if !b.drop {
		select {
		case b.ch <- m:
			return nil
		case <-b.done:
			return ErrClosed
		}
	}
	for {
		select {
		case <-b.done:
			return ErrClosed
		default:
		}
		select {
		case b.ch <- m:
			return nil
		default:
		}
		select {
		case old := <-b.ch:
			old.abandon()
			if b.onDrop != nil {
				b.onDrop(old)
			}
		default:
		}
	}
}

// get returns the next message. A non-blocking get on an empty inbox
// returns nil, nil.
func (b *inbox) get(ctx context.Context, blocking bool) (*Message, error) {
	select {
	case <-b.done:
		return nil, ErrClosed
	default:
	}
	if !blocking {
		select {
		case m := <-b.ch:
			return m, nil
		default:
			return nil, nil
		}
	}
	select {
	case m := <-b.ch:
		return m, nil
	case <-b.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
