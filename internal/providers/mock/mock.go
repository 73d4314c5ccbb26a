// Package mock is a local stand-in for a language model. It echoes the last
// message back word by word.
package mock

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"starchat/internal/providers"
)

type Provider struct {
	Delay time.Duration
}

var _ providers.Provider = Provider{}

func (p Provider) Stream(ctx context.Context, req providers.ChatRequest) (providers.Stream, error) {
	last := "your message"
	if n := len(req.Messages); n > 0 && req.Messages[n-1].Content != "" {
		last = req.Messages[n-1].Content
	}
	reply := fmt.Sprintf("Hello! I'm a mock assistant running in development mode. You sent: %q. This is a simulated streaming response.", last)
	words := strings.Fields(reply)
	frags := make([]string, len(words))
	for i, w := range words {
		frags[i] = w + " "
	}
	return &Fragments{ctx: ctx, frags: frags, delay: p.Delay}, nil
}

// Fragments replays a fixed list of fragments. It is exported for tests of
// stream consumers.
type Fragments struct {
	ctx   context.Context
	frags []string
	delay time.Duration
	// Err, when set, is returned after the fragments instead of io.EOF.
	Err    error
	Closed bool
}

func NewFragments(ctx context.Context, frags []string, err error) *Fragments {
	return &Fragments{ctx: ctx, frags: frags, Err: err}
}

func (f *Fragments) Recv() (string, error) {
	if f.Closed {
		return "", io.ErrClosedPipe
	}
	if f.delay > 0 {
		t := time.NewTimer(f.delay)
		select {
		case <-f.ctx.Done():
			t.Stop()
			return "", f.ctx.Err()
		case <-t.C:
		}
	} else if err := f.ctx.Err(); err != nil {
		return "", err
	}
	if len(f.frags) == 0 {
		if f.Err != nil {
			return "", f.Err
		}
		return "", io.EOF
	}
	next := f.frags[0]
	f.frags = f.frags[1:]
	return next, nil
}

func (f *Fragments) Close() error {
	f.Closed = true
	return nil
}
