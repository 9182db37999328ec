package agent

import (
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

func discardLogger() logrus.FieldLogger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func TestWatcherCloseStopsRun(t *testing.T) {
	queue := NewChangeQueue(0)
	w, err := NewWatcher(t.TempDir(), queue, NewEventIgnoreSet(), discardLogger(), nil)
	if err != nil {
		t.Skipf("inotify unavailable: %v", err)
	}

	done := make(chan struct{})
	go func() {
		w.Run()
		close(done)
	}()

	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	// The read loop polls with a bounded timeout, so it must notice the
	// close without any filesystem activity.
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return after Close")
	}

	if queue.Len() != 0 {
		t.Fatalf("shutdown queued changes: %d", queue.Len())
	}
}
