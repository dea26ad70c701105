// Package clock holds the Lamport clock each agent stamps its messages
// with, and the total order over (timestamp, agent) pairs that every agent
// on the ring uses to rank competing requests.
//
// A Clock belongs to one agent's control loop and is not goroutine-safe.
package clock

// Clock is a Lamport logical clock. The zero value reads 0.
type Clock struct {
	ts int64
}

// Tick advances the clock for a send and returns the stamp to put on the
// message.
func (c *Clock) Tick() int64 {
	c.ts++
	return c.ts
}

// Merge folds in the stamp of a received message: the clock becomes
// max(local, received) + 1, so the receive is ordered after the send.
func (c *Clock) Merge(received int64) int64 {
	c.ts = max(c.ts, received) + 1
	return c.ts
}

// Value reads the clock without advancing it.
func (c *Clock) Value() int64 { return c.ts }

// TotalOrderLess reports whether request (tsA, idA) ranks before
// (tsB, idB): lower timestamp first, lower agent id on a tie. Two distinct
// agents never compare equal, so the order is total.
func TotalOrderLess(tsA int64, idA int, tsB int64, idB int) bool {
	if tsA == tsB {
		return idA < idB
	}
	return tsA < tsB
}
