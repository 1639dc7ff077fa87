package stream

import (
	"strings"
	"sync"
)

// Collector is a Sink that keeps everything in memory. It backs
// non-streaming responses.
type Collector struct {
	mu            sync.Mutex
	text          strings.Builder
	chunks        int
	interruptNode string
	payload       any
	err           error
	status        Status
	completed     bool
}

// Chunk implements Sink.
func (c *Collector) Chunk(text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.text.WriteString(text)
	c.chunks++
	return nil
}

// Interrupt implements Sink.
func (c *Collector) Interrupt(nodeID string, payload any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.interruptNode = nodeID
	c.payload = payload
	return nil
}

// Error implements Sink.
func (c *Collector) Error(err error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.err = err
	return nil
}

// Complete implements Sink.
func (c *Collector) Complete(status Status) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.status = status
	c.completed = true
	return nil
}

// Text returns the concatenated chunks.
func (c *Collector) Text() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.text.String()
}

// Chunks returns how many chunks were received.
func (c *Collector) Chunks() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.chunks
}

// Status returns the completion status and whether Complete was called.
func (c *Collector) Status() (Status, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status, c.completed
}

// Err returns the reported error.
func (c *Collector) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Pending returns the interrupt node and payload, if any.
func (c *Collector) Pending() (string, any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.interruptNode, c.payload
}
