package oracle

import (
	"context"
	"fmt"
	"sync"
)

// Reply is one scripted oracle answer.
type Reply struct {
	Text string
	Err  error
}

// Script is a test Oracle that answers per purpose, in order. When a
// purpose runs out of replies the last one repeats. Purposes without any
// script fail with an error.
type Script struct {
	mu      sync.Mutex
	replies map[Purpose][]Reply
	calls   []Request
	hook    func(Request)
}

// NewScript creates an empty script.
func NewScript() *Script {
	return &Script{replies: make(map[Purpose][]Reply)}
}

// On queues text answers for purpose.
func (s *Script) On(p Purpose, texts ...string) *Script {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range texts {
		s.replies[p] = append(s.replies[p], Reply{Text: t})
	}
	return s
}

// Set replaces the queued answers for purpose.
func (s *Script) Set(p Purpose, texts ...string) *Script {
	s.mu.Lock()
	defer s.mu.Unlock()
	queue := make([]Reply, 0, len(texts))
	for _, t := range texts {
		queue = append(queue, Reply{Text: t})
	}
	s.replies[p] = queue
	return s
}

// Fail queues an error for purpose.
func (s *Script) Fail(p Purpose, err error) *Script {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.replies[p] = append(s.replies[p], Reply{Err: err})
	return s
}

// OnCall registers fn to run at the start of every call.
func (s *Script) OnCall(fn func(Request)) *Script {
	s.mu.Lock()
	s.hook = fn
	s.mu.Unlock()
	return s
}

// Invoke implements Oracle.
func (s *Script) Invoke(ctx context.Context, req Request) (string, error) {
	s.mu.Lock()
	s.calls = append(s.calls, req)
	hook := s.hook
	queue := s.replies[req.Purpose]
	var r Reply
	switch len(queue) {
	case 0:
		s.mu.Unlock()
		return "", fmt.Errorf("oracle script: no reply for %q", req.Purpose)
	case 1:
		r = queue[0]
	default:
		r = queue[0]
		s.replies[req.Purpose] = queue[1:]
	}
	s.mu.Unlock()

	if hook != nil {
		hook(req)
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return r.Text, r.Err
}

// Calls returns every request seen so far.
func (s *Script) Calls() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Request, len(s.calls))
	copy(out, s.calls)
	return out
}

// CallsFor returns the requests seen for purpose.
func (s *Script) CallsFor(p Purpose) []Request {
	var out []Request
	for _, c := range s.Calls() {
		if c.Purpose == p {
			out = append(out, c)
		}
	}
	return out
}
