package clock

import "testing"

func TestZeroClock(t *testing.T) {
	var c Clock
	if v := c.Value(); v != 0 {
		t.Fatalf("zero clock reads %d", v)
	}
	if ts := c.Tick(); ts != 1 {
		t.Fatalf("first Tick = %d, want 1", ts)
	}
}

func TestTickStrictlyIncreases(t *testing.T) {
	var c Clock
	prev := c.Value()
	for i := 0; i < 100; i++ {
		ts := c.Tick()
		if ts != prev+1 {
			t.Fatalf("Tick %d = %d, want %d", i, ts, prev+1)
		}
		prev = ts
	}
}

func TestMerge(t *testing.T) {
	tests := []struct {
		name     string
		local    int64
		received int64
		want     int64
	}{
		{"received ahead", 5, 10, 11},
		{"received behind", 11, 3, 12},
		{"equal", 10, 10, 11},
		{"fresh clock", 0, 0, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Clock{ts: tt.local}
			if got := c.Merge(tt.received); got != tt.want {
				t.Fatalf("Merge(%d) from %d = %d, want %d", tt.received, tt.local, got, tt.want)
			}
			if c.Value() != tt.want {
				t.Fatalf("Value after Merge = %d, want %d", c.Value(), tt.want)
			}
		})
	}
}

// A receive is always ordered after the send it answers, however stale or
// fresh the sender's clock was.
func TestMergeOrdersAfterSender(t *testing.T) {
	var sender, receiver Clock
	for i := 0; i < 50; i++ {
		if i%4 == 0 {
			for j := 0; j < 7; j++ {
				sender.Tick()
			}
		}
		stamp := sender.Tick()
		before := receiver.Value()
		got := receiver.Merge(stamp)
		if got <= stamp || got <= before {
			t.Fatalf("round %d: merge of %d from %d gave %d", i, stamp, before, got)
		}
		receiver.Tick()
	}
}

func TestTotalOrderLess(t *testing.T) {
	tests := []struct {
		tsA  int64
		idA  int
		tsB  int64
		idB  int
		want bool
	}{
		{1, 4, 2, 0, true},
		{2, 0, 1, 4, false},
		{10, 2, 10, 3, true},
		{10, 3, 10, 2, false},
		{5, 1, 5, 1, false},
	}
	for _, tt := range tests {
		if got := TotalOrderLess(tt.tsA, tt.idA, tt.tsB, tt.idB); got != tt.want {
			t.Errorf("TotalOrderLess(%d,%d, %d,%d) = %v, want %v", tt.tsA, tt.idA, tt.tsB, tt.idB, got, tt.want)
		}
	}
}

// Every pair of distinct (ts, id) requests is ordered exactly one way.
func TestTotalOrderLess_Total(t *testing.T) {
	type req struct {
		ts int64
		id int
	}
	var reqs []req
	for ts := int64(0); ts < 4; ts++ {
		for id := 0; id < 4; id++ {
			reqs = append(reqs, req{ts, id})
		}
	}
	for _, a := range reqs {
		for _, b := range reqs {
			ab := TotalOrderLess(a.ts, a.id, b.ts, b.id)
			ba := TotalOrderLess(b.ts, b.id, a.ts, a.id)
			if a == b && (ab || ba) {
				t.Fatalf("%v ordered against itself", a)
			}
			if a != b && ab == ba {
				t.Fatalf("%v and %v: less=%v both ways", a, b, ab)
			}
		}
	}
}
