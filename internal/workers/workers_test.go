package workers

import (
	"testing"
	"time"

	"github.com/ooni/minirfb/internal/model"
)

func TestManager_Lifecycle(t *testing.T) {
	logger := model.NewTestLogger()
	m := NewManager(logger)

	started := make(chan any)
	for i := 0; i < 3; i++ {
		m.StartWorker(func() {
			defer m.OnWorkerDone("test")
			started <- true
			<-m.ShouldShutdown()
		})
	}
	for i := 0; i < 3; i++ {
		<-started
	}

	// multiple calls must not panic on a closed channel
	m.StartShutdown()
	m.StartShutdown()

	done := make(chan any)
	go func() {
		m.WaitWorkersShutdown()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("workers did not shut down")
	}

	if len(logger.Lines) != 3 {
		t.Errorf("expected 3 log lines, got %d", len(logger.Lines))
	}
}
