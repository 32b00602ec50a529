package main

import (
	"bufio"
	"fmt"
	"log/slog"
	"net"
	"os"
	"time"

	"campus/protocol"
)

type controlled interface {
	GetStats() string
}

type controlSocket struct {
	path     string
	listener net.Listener
}

// startControlSocket serves management commands on a unix socket. stop is
// called after the shutdown reply has been written.
func startControlSocket(path string, srv controlled, stop func(reason string, completion time.Time), logger *slog.Logger) (*controlSocket, error) {
	os.Remove(path)

	listener, err := net.Listen("unix", path)
	if err != nil {
		return nil, err
	}
	logger.Info("control socket listening", "path", path)

	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			go handleControlCommand(conn, srv, stop, logger)
		}
	}()
	return &controlSocket{path: path, listener: listener}, nil
}

func (c *controlSocket) Close() error {
	err := c.listener.Close()
	os.Remove(c.path)
	return err
}

func handleControlCommand(conn net.Conn, srv controlled, stop func(string, time.Time), logger *slog.Logger) {
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(10 * time.Second))

	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		return
	}

	cmd, err := protocol.ParseCommand(line)
	if err != nil {
		conn.Write([]byte(protocol.FormatReply(false, "Invalid command")))
		return
	}

	switch cmd.Name {
	case protocol.CommandStats:
		conn.Write([]byte(protocol.FormatReply(true, srv.GetStats())))

	case protocol.CommandShutdown:
		reason := "maintenance"
		if cmd.Arg(0) != "" {
			reason = cmd.Arg(0)
		}
		var completion time.Time
		if raw := cmd.Arg(1); raw != "" {
			completion, err = time.Parse(time.RFC3339, raw)
			if err != nil {
				conn.Write([]byte(protocol.FormatReply(false, "Invalid completion time")))
				return
			}
		}

		conn.Write([]byte(protocol.FormatReply(true, "Shutting down")))
		conn.Close()

		logger.Info("shutdown requested", "reason", reason, "completion", completion)
		stop(reason, completion)

	default:
		conn.Write([]byte(protocol.FormatReply(false, "Unknown command")))
	}
}

// sendControl sends one command to a running server and returns its reply.
func sendControl(path, name string, args ...string) (string, error) {
	conn, err := net.DialTimeout("unix", path, 5*time.Second)
	if err != nil {
		return "", fmt.Errorf("connecting to control socket: %w", err)
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(15 * time.Second))

	if _, err := conn.Write([]byte(protocol.FormatCommand(name, args...))); err != nil {
		return "", err
	}
	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		return "", fmt.Errorf("reading reply: %w", err)
	}

	ok, payload, err := protocol.ParseReply(line)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", fmt.Errorf("server refused %s: %s", name, payload)
	}
	return payload, nil
}
