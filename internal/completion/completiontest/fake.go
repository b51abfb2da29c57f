// Package completiontest provides a scripted completion client for tests.
package completiontest

import (
	"context"
	"iter"
	"sync"

	"github.com/xpress/internal/completion"
)

// Script describes one stream. When Steps is set, each fragment waits for a
// receive on Steps. Hold keeps the stream open after the last fragment until
// the context ends.
type Script struct {
	Fragments []string
	Err       error
	Steps     chan struct{}
	Hold      bool
}

// Client plays scripts in order; the last script repeats.
type Client struct {
	mu       sync.Mutex
	scripts  []Script
	calls    int
	requests []completion.Request
}

func New(scripts ...Script) *Client {
	return &Client{scripts: scripts}
}

// Requests returns every request seen so far.
func (c *Client) Requests() []completion.Request {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]completion.Request(nil), c.requests...)
}

func (c *Client) next(req completion.Request) Script {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requests = append(c.requests, req)
	if len(c.scripts) == 0 {
		return Script{}
	}
	i := c.calls
	if i >= len(c.scripts) {
		i = len(c.scripts) - 1
	}
	c.calls++
	return c.scripts[i]
}

func (c *Client) Stream(ctx context.Context, req completion.Request) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		script := c.next(req)
		for _, fragment := range script.Fragments {
			if script.Steps != nil {
				select {
				case <-script.Steps:
				case <-ctx.Done():
					yield("", ctx.Err())
					return
				}
			}
			if ctx.Err() != nil {
				yield("", ctx.Err())
				return
			}
			if !yield(fragment, nil) {
				return
			}
		}
		if script.Hold {
			<-ctx.Done()
			yield("", ctx.Err())
			return
		}
		if ctx.Err() != nil {
			yield("", ctx.Err())
			return
		}
		if script.Err != nil {
			yield("", script.Err)
		}
	}
}
