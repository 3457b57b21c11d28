package htcp

import "sync/atomic"

// Counter allocates HTCP transaction ids. The first id is 1 and ids
// increase by one per call, wrapping at 2^32. Zero is never returned.
//
// The zero value is ready to use. A Counter must not be copied after first use.
type Counter struct {
	// issued holds the number of ids handed out; the next id is issued+1.
	issued atomic.Uint32
}

// Next returns the next transaction id.
func (c *Counter) Next() uint32 {
	for {
		id := c.issued.Add(1)
		if id != 0 {
			return id
		}
	}
}

// Peek returns the id the next call to Next will return.
func (c *Counter) Peek() uint32 {
	id := c.issued.Load() + 1
	if id == 0 {
		return 1
	}
	return id
}
