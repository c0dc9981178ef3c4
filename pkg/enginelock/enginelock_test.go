package enginelock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestReadReentrantSameToken(t *testing.T) {
	l := New()
	tok := "tx-1"
	l.AcquireRead(tok)
	l.AcquireRead(tok)
	require.Equal(t, 1, l.ReaderCount())
	l.ReleaseRead(tok)
	require.Equal(t, 1, l.ReaderCount())
	l.ReleaseRead(tok)
	require.Equal(t, 0, l.ReaderCount())
}

func TestMultipleReadersConcurrent(t *testing.T) {
	l := New()
	l.AcquireRead("a")
	l.AcquireRead("b")
	require.Equal(t, 2, l.ReaderCount())
	l.ReleaseRead("a")
	l.ReleaseRead("b")
}

func TestWriteBlocksUntilReadersRelease(t *testing.T) {
	l := New()
	l.AcquireRead("reader")

	writeGranted := make(chan struct{})
	go func() {
		l.AcquireWrite("writer", false, nil)
		close(writeGranted)
	}()

	select {
	case <-writeGranted:
		t.Fatal("write acquired while a reader still holds the lock")
	case <-time.After(20 * time.Millisecond):
	}

	l.ReleaseRead("reader")

	select {
	case <-writeGranted:
	case <-time.After(time.Second):
		t.Fatal("write never granted after reader released")
	}
	l.ReleaseWrite("writer")
}

func TestWriteReentrantSameToken(t *testing.T) {
	l := New()
	l.AcquireWrite("writer", false, nil)
	l.AcquireWrite("writer", false, nil)
	l.ReleaseWrite("writer")
	l.ReleaseWrite("writer")

	// Lock is fully released: a new writer can now acquire it.
	done := make(chan struct{})
	go func() {
		l.AcquireWrite("writer2", false, nil)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("second writer never acquired the lock")
	}
	l.ReleaseWrite("writer2")
}

func TestDrainCallsCancelUntilReadersRelease(t *testing.T) {
	l := New()
	l.AcquireRead("reader")

	var cancelCalls int32
	cancelDone := make(chan struct{})
	released := false

	go func() {
		l.AcquireWrite("schema", true, func() {
			n := cancelCalls
			cancelCalls = n + 1
			if !released && cancelCalls >= 1 {
				released = true
				l.ReleaseRead("reader")
			}
		})
		close(cancelDone)
	}()

	select {
	case <-cancelDone:
	case <-time.After(time.Second):
		t.Fatal("drain never completed")
	}
	require.GreaterOrEqual(t, cancelCalls, int32(1))
	l.ReleaseWrite("schema")
}

func TestNewReaderBlocksBehindPendingWriter(t *testing.T) {
	l := New()
	l.AcquireRead("reader")

	writerWaiting := make(chan struct{})
	go func() {
		close(writerWaiting)
		l.AcquireWrite("writer", false, nil)
		l.ReleaseWrite("writer")
	}()
	<-writerWaiting
	time.Sleep(10 * time.Millisecond)

	newReaderGranted := make(chan struct{})
	go func() {
		l.AcquireRead("late-reader")
		close(newReaderGranted)
	}()

	select {
	case <-newReaderGranted:
		t.Fatal("new reader acquired while a writer is pending")
	case <-time.After(20 * time.Millisecond):
	}

	l.ReleaseRead("reader")
	select {
	case <-newReaderGranted:
	case <-time.After(time.Second):
		t.Fatal("late reader never granted after writer finished")
	}
	l.ReleaseRead("late-reader")
}
