package pool

import (
	"testing"
)

func TestFixedBufferPool(t *testing.T) {
	fp := NewFixedBuffer(4096)

	buf := fp.Get()
	if len(*buf) != 4096 {
		t.Fatalf("expected buffer length 4096, got %d", len(*buf))
	}

	// Shrink the slice; Put must restore the full length.
	*buf = (*buf)[:10]
	fp.Put(buf)

	again := fp.Get()
	if len(*again) != 4096 {
		t.Errorf("expected recycled buffer to have length 4096, got %d", len(*again))
	}
}

func TestFixedBufferPool_DefaultSize(t *testing.T) {
	fp := NewFixedBuffer(0)
	if fp.Size() != DefaultBufferSize {
		t.Errorf("expected default size %d, got %d", DefaultBufferSize, fp.Size())
	}
}

func TestFixedBufferPool_RejectsForeignBuffers(t *testing.T) {
	fp := NewFixedBuffer(1024)
	foreign := make([]byte, 2048)
	fp.Put(&foreign) // must not panic or be handed out again

	buf := fp.Get()
	if cap(*buf) != 1024 {
		t.Errorf("expected pool to only return 1024-byte buffers, got cap %d", cap(*buf))
	}
	fp.Put(nil)
}
