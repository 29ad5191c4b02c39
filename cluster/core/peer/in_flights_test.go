package peer

import "testing"

func TestInFlights_full(t *testing.T) {
	f := makeInFlights(3)
	for position := uint64(1); position <= 3; position++ {
		if f.full() {
			t.Fatalf("window full after %d of 3 sends", position-1)
		}
		f.add(position)
	}
	if !f.full() {
		t.Error("window must be full after 3 of 3 sends")
	}
}

func TestInFlights_freeTo(t *testing.T) {
	tests := []struct {
		window []uint64
		to     uint64
		want   int
	}{
		// acknowledgment below the window is stale
		{[]uint64{4, 5, 6}, 3, 3},
		// partial acknowledgment frees the prefix
		{[]uint64{4, 5, 6}, 5, 1},
		// exact tail acknowledgment empties the window
		{[]uint64{4, 5, 6}, 6, 0},
		// acknowledgment past the window empties it too
		{[]uint64{4, 5, 6}, 9, 0},
	}

	for i := 0; i < len(tests); i++ {
		test := tests[i]
		f := makeInFlights(10)
		for _, position := range test.window {
			f.add(position)
		}
		f.freeTo(test.to)
		if len(f.window) != test.want {
			t.Errorf("#%d: outstanding want: %d, get: %d",
				i, test.want, len(f.window))
		}
	}
}

func TestInFlights_freeKeepsOrder(t *testing.T) {
	f := makeInFlights(10)
	for position := uint64(1); position <= 6; position++ {
		f.add(position)
	}
	f.freeTo(4)
	if len(f.window) != 2 || f.window[0] != 5 || f.window[1] != 6 {
		t.Errorf("window want: [5 6], get: %v", f.window)
	}

	// later sends keep appending after a partial free
	f.add(7)
	if f.window[len(f.window)-1] != 7 {
		t.Errorf("window tail want: 7, get: %v", f.window)
	}
}

func TestInFlights_reset(t *testing.T) {
	f := makeInFlights(2)
	f.add(1)
	f.add(2)
	f.reset()
	if f.full() || len(f.window) != 0 {
		t.Error("reset must empty the window")
	}
}
