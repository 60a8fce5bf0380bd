package audiocapture

import "testing"

func TestChunkerEmitsFullChunks(t *testing.T) {
	c := NewChunker(4)

	chunks := c.Add([]float32{1, 2, 3})
	if len(chunks) != 0 {
		t.Fatalf("got %d chunks before a full chunk accumulated", len(chunks))
	}
	if c.Len() != 3 {
		t.Errorf("Len = %d, want 3", c.Len())
	}

	chunks = c.Add([]float32{4, 5})
	if len(chunks) != 1 {
		t.Fatalf("got %d chunks, want 1", len(chunks))
	}
	want := []float32{1, 2, 3, 4}
	for i, v := range want {
		if chunks[0][i] != v {
			t.Errorf("chunk[%d] = %v, want %v", i, chunks[0][i], v)
		}
	}
	if c.Len() != 1 {
		t.Errorf("remainder Len = %d, want 1", c.Len())
	}
}

func TestChunkerMultipleChunksAtOnce(t *testing.T) {
	c := NewChunker(2)

	chunks := c.Add([]float32{1, 2, 3, 4, 5})
	if len(chunks) != 2 {
		t.Fatalf("got %d chunks, want 2", len(chunks))
	}
	if chunks[0][0] != 1 || chunks[0][1] != 2 || chunks[1][0] != 3 || chunks[1][1] != 4 {
		t.Errorf("chunks out of order: %v", chunks)
	}
	if c.Len() != 1 {
		t.Errorf("remainder Len = %d, want 1", c.Len())
	}
}

func TestChunkerFlush(t *testing.T) {
	c := NewChunker(4)
	c.Add([]float32{1, 2, 3})

	out := c.Flush()
	if len(out) != 3 {
		t.Fatalf("flush len = %d, want 3", len(out))
	}
	if c.Len() != 0 {
		t.Errorf("Len after flush = %d, want 0", c.Len())
	}
	if again := c.Flush(); again != nil {
		t.Errorf("second flush = %v, want nil", again)
	}
}

func TestChunkerReturnsCopies(t *testing.T) {
	c := NewChunker(2)
	chunks := c.Add([]float32{1, 2, 9})
	chunks[0][0] = 42

	c.Add([]float32{8})
	more := c.Add([]float32{})
	_ = more
	out := c.Flush()
	if len(out) != 2 || out[0] != 9 || out[1] != 8 {
		t.Errorf("internal buffer corrupted by caller mutation: %v", out)
	}
}
