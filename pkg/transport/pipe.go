package transport

import "sync"

const pipeBuffer = 256

type pipeEnd struct {
	in   <-chan []byte
	out  chan<- []byte
	done chan struct{}
	once *sync.Once
}

// Pipe returns two connected in-memory wires. Frames are delivered in order;
// frames already buffered when either side closes are still readable.
func Pipe() (Wire, Wire) {
	ab := make(chan []byte, pipeBuffer)
	ba := make(chan []byte, pipeBuffer)
	done := make(chan struct{})
	once := &sync.Once{}
	a := &pipeEnd{in: ba, out: ab, done: done, once: once}
	b := &pipeEnd{in: ab, out: ba, done: done, once: once}
	return a, b
}

func (p *pipeEnd) ReadMessage() ([]byte, error) {
	select {
	case m := <-p.in:
		return m, nil
	case <-p.done:
		select {
		case m := <-p.in:
			return m, nil
		default:
			return nil, ErrClosed
		}
	}
}

func (p *pipeEnd) WriteMessage(data []byte) error {
	select {
	case <-p.done:
		return ErrClosed
	default:
	}
	frame := append([]byte(nil), data...)
	select {
	case p.out <- frame:
		return nil
	case <-p.done:
		return ErrClosed
	}
}

func (p *pipeEnd) Close() error {
	p.once.Do(func() { close(p.done) })
	return nil
}
