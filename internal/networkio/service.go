// Package networkio moves bytes between client connections and the
// handshake state machine.
package networkio

import (
	"fmt"
	"net"

	"github.com/ooni/minirfb/internal/model"
	"github.com/ooni/minirfb/internal/workers"
	"github.com/ooni/minirfb/pkg/config"
)

var (
	serviceName = "networkio"
)

// ReadBufferSize is the maximum size of the chunks we read from the network.
const ReadBufferSize = 4096

// Service is the network I/O service. Make sure you initialize
// the channel before invoking [Service.StartWorkers].
//
// Only reading needs a worker: the handshake and the session write
// directly to the conn, so a write has reached the socket when it returns.
type Service struct {
	// ChunksUp moves bytes up from the network to the handshake.
	ChunksUp *chan []byte
}

// StartWorkers starts the network I/O workers. This function TAKES
// OWNERSHIP of the conn, which is closed when the workers shut down.
// Use the returned conn to write.
func (svc *Service) StartWorkers(
	config *config.Config,
	manager *workers.Manager,
	conn net.Conn,
) net.Conn {
	ws := &workersState{
		chunksUp: *svc.ChunksUp,
		conn:     newCloseOnceConn(conn),
		logger:   config.Logger(),
		manager:  manager,
	}

	manager.StartWorker(ws.moveUpWorker)
	manager.StartWorker(ws.closeWorker)
	return ws.conn
}

// workersState contains the service workers state
type workersState struct {
	// chunksUp is the channel for writing incoming bytes
	// that are coming up to us from the net
	chunksUp chan<- []byte

	// conn is the connection to use
	conn net.Conn

	// logger is the logger to use
	logger model.Logger

	// manager controls the workers lifecycle
	manager *workers.Manager
}

// moveUpWorker moves chunks up the stack.
func (ws *workersState) moveUpWorker() {
	workerName := fmt.Sprintf("%s: moveUpWorker", serviceName)

	defer func() {
		// make sure the manager knows we're done
		ws.manager.OnWorkerDone(workerName)

		// tear down everything else because a worker exited
		ws.manager.StartShutdown()
	}()

	ws.logger.Debugf("%s: started", workerName)

	for {
		// POSSIBLY BLOCK on the connection to read new bytes
		buffer := make([]byte, ReadBufferSize)
		count, err := ws.conn.Read(buffer)
		if count > 0 {
			// POSSIBLY BLOCK on the channel to deliver the chunk
			select {
			case ws.chunksUp <- buffer[:count]:
			case <-ws.manager.ShouldShutdown():
				return
			}
		}
		if err != nil {
			ws.logger.Debugf("%s: Read: %s", workerName, err.Error())
			return
		}
	}
}

// closeWorker closes the conn on shutdown, which unblocks the reader
// and any pending write.
func (ws *workersState) closeWorker() {
	workerName := fmt.Sprintf("%s: closeWorker", serviceName)

	defer ws.manager.OnWorkerDone(workerName)

	// POSSIBLY BLOCK until we're shutting down
	<-ws.manager.ShouldShutdown()
	if err := ws.conn.Close(); err != nil {
		ws.logger.Debugf("%s: Close: %s", workerName, err.Error())
	}
}
