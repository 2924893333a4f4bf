package multiplexer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"testing"
	"time"
)

// TestBasicAPIUsage writes through one multiplexer and reads through another.
func TestBasicAPIUsage(t *testing.T) {
	var wire bytes.Buffer

	writer := New(&bytes.Buffer{}, &wire)
	defer writer.Close()

	ctx := context.Background()
	testData := []byte("Hello, World!")

	if err := writer.WriteMessage(ctx, testData); err != nil {
		t.Fatalf("WriteMessage failed: %v", err)
	}
	if wire.Len() == 0 {
		t.Fatal("No data written to writer")
	}

	reader := New(&wire, io.Discard)
	defer reader.Close()

	recv, err := reader.ReadMessage(ctx)
	if err != nil {
		t.Fatalf("ReadMessage failed: %v", err)
	}

	msg, ok := <-recv
	if !ok {
		t.Fatal("channel closed before a message arrived")
	}
	if !bytes.Equal(msg.Data, testData) {
		t.Errorf("Expected %q, got %q", testData, msg.Data)
	}
	if msg.Sequence != 1 {
		t.Errorf("Expected sequence 1, got %d", msg.Sequence)
	}

	if _, ok := <-recv; ok {
		t.Error("Expected channel to close at end of stream")
	}
}

// TestAPIWithConfig tests custom configuration
func TestAPIWithConfig(t *testing.T) {
	writer := &bytes.Buffer{}

	mux := NewWithConfig(&bytes.Buffer{}, writer, Config{MaxMessageSize: 1024})
	defer mux.Close()

	ctx := context.Background()

	if err := mux.WriteMessage(ctx, make([]byte, 1024)); err != nil {
		t.Fatalf("WriteMessage at the limit failed: %v", err)
	}

	written := writer.Len()
	err := mux.WriteMessage(ctx, make([]byte, 1025))
	if !errors.Is(err, ErrMessageTooLarge) {
		t.Fatalf("Expected ErrMessageTooLarge, got %v", err)
	}
	if writer.Len() != written {
		t.Error("Oversized message must not reach the writer")
	}
}

// TestAPISequenceNumbers tests sequence number handling
func TestAPISequenceNumbers(t *testing.T) {
	r, w := io.Pipe()
	defer r.Close()

	sender := New(&bytes.Buffer{}, w)
	receiver := New(r, io.Discard)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	recv, err := receiver.ReadMessage(ctx)
	if err != nil {
		t.Fatalf("ReadMessage failed: %v", err)
	}

	go func() {
		_ = sender.WriteMessageWithSequence(ctx, 42, []byte("reply"))
		_ = sender.WriteMessage(ctx, []byte("auto sequence"))
		_ = w.Close()
	}()

	want := []struct {
		seq  uint32
		data string
	}{
		{42, "reply"},
		{1, "auto sequence"},
	}
	for _, tt := range want {
		select {
		case msg, ok := <-recv:
			if !ok {
				t.Fatalf("channel closed before message %d", tt.seq)
			}
			if msg.Sequence != tt.seq || string(msg.Data) != tt.data {
				t.Errorf("Expected %d/%q, got %d/%q", tt.seq, tt.data, msg.Sequence, msg.Data)
			}
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for message")
		}
	}
}

// TestAPIContextCancellation tests context cancellation
func TestAPIContextCancellation(t *testing.T) {
	mux := New(&bytes.Buffer{}, &bytes.Buffer{})
	defer mux.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := mux.WriteMessage(ctx, []byte("should fail"))
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
}

// TestAPIClose tests proper cleanup
func TestAPIClose(t *testing.T) {
	mux := New(&bytes.Buffer{}, &bytes.Buffer{})

	if err := mux.WriteMessage(context.Background(), []byte("test")); err != nil {
		t.Fatalf("WriteMessage failed: %v", err)
	}

	if err := mux.Close(); err != nil {
		t.Errorf("Close failed: %v", err)
	}
	if err := mux.Close(); err != nil {
		t.Errorf("Second close failed: %v", err)
	}
	if n := mux.GetPendingMessageCount(); n != 0 {
		t.Errorf("Expected no pending messages after close, got %d", n)
	}
}

// BenchmarkAPIPerformance benchmarks the API performance
func BenchmarkAPIPerformance(b *testing.B) {
	sizes := []int{1024, 8 * 1024, 64 * 1024}

	for _, size := range sizes {
		b.Run(fmt.Sprintf("Size_%dKB", size/1024), func(b *testing.B) {
			writer := &bytes.Buffer{}
			mux := New(&bytes.Buffer{}, writer)
			defer mux.Close()

			testData := make([]byte, size)
			for i := range testData {
				testData[i] = byte(i % 256)
			}

			ctx := context.Background()
			b.SetBytes(int64(size))
			b.ResetTimer()

			for i := 0; i < b.N; i++ {
				writer.Reset()
				if err := mux.WriteMessage(ctx, testData); err != nil {
					b.Fatal(err)
				}
			}
		})
	}
}
