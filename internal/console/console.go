// Package console is the operator console collaborator: it reads commands
// from the node's input stream on its own goroutine and enqueues their
// effects onto the core.
package console

import (
	"bufio"
	"io"
	"log/slog"
	"strings"
)

// iNode is the one thing the console can do to the core.
type iNode interface {
	RequestShutdown()
}

// Manager watches the input stream for operator commands. The only command
// is "stop"; trailing arguments are ignored.
type Manager struct {
	in   io.Reader
	node iNode
	log  *slog.Logger
}

func NewManager(in io.Reader, node iNode) *Manager {
	return &Manager{
		in:   in,
		node: node,
		log:  slog.With("component", "console"),
	}
}

// Start launches the reader goroutine. It exits when the input stream ends
// or a stop command is seen.
func (m *Manager) Start() {
	go func() {
		scanner := bufio.NewScanner(m.in)
		for scanner.Scan() {
			fields := strings.Fields(scanner.Text())
			if len(fields) == 0 {
				continue
			}
			if fields[0] == "stop" {
				m.log.Info("stop requested from console")
				m.node.RequestShutdown()
				return
			}
			m.log.Info("unknown console command", "command", fields[0])
		}
	}()
}
