package ipc

import (
	"fmt"
	"net"
	"strings"
	"time"
)

const dispatchTimeout = 2 * time.Second

type socketDispatcher struct {
	path string
}

func newSocketDispatcher() (*socketDispatcher, error) {
	path, err := dispatchSocketPath()
	if err != nil {
		return nil, err
	}
	return &socketDispatcher{path: path}, nil
}

// Dispatch writes a single "dispatch ..." command to the command socket. The
// reply is not read; the caller reconciles against later listings instead.
func (d *socketDispatcher) Dispatch(args ...string) error {
	if len(args) == 0 {
		return nil
	}
	conn, err := net.DialTimeout("unix", d.path, dispatchTimeout)
	if err != nil {
		return fmt.Errorf("connect dispatch socket: %w", err)
	}
	defer conn.Close()
	if err := conn.SetWriteDeadline(time.Now().Add(dispatchTimeout)); err != nil {
		return fmt.Errorf("set dispatch deadline: %w", err)
	}
	payload := "dispatch " + strings.Join(args, " ") + "\n"
	if _, err := conn.Write([]byte(payload)); err != nil {
		return fmt.Errorf("write dispatch payload: %w", err)
	}
	return nil
}

func (d *socketDispatcher) DispatchSocketPath() string {
	return d.path
}

func dispatchSocketPath() (string, error) {
	return instanceSocket(".socket.sock")
}

var _ Dispatcher = (*socketDispatcher)(nil)
