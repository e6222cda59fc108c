// Package singleinstance guards against two agent processes driving the same
// desktop. The guard is a loopback TCP bind: the OS releases the port when
// the process dies, clean exit or crash, so no heartbeat or stale-lock
// cleanup is needed. File locks are flaky across shells and launchers on
// Windows; a port bind is not.
package singleinstance

import (
	"bufio"
	"errors"
	"fmt"
	"log"
	"net"
	"strconv"
	"time"
)

const (
	lockHost     = "127.0.0.1"
	pingRequest  = "PING\n"
	pongResponse = "PONG\n"
)

// ErrAlreadyRunning signals that the lock port is held. Callers must exit
// non-zero without starting a polling loop.
var ErrAlreadyRunning = errors.New("another agent instance is already running")

// Lock holds the bound port for the process lifetime.
type Lock struct {
	lis  net.Listener
	port int
}

// Acquire binds the lock port. On failure it probes the port to tell a live
// agent apart from an unrelated process, and wraps ErrAlreadyRunning either
// way: the operator's fix is the same (stop the other process or change
// AGENT_LOCK_PORT).
func Acquire(port int) (*Lock, error) {
	addr := net.JoinHostPort(lockHost, strconv.Itoa(port))
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		if Probe(port, 300*time.Millisecond) {
			return nil, fmt.Errorf("lock port %d is held by a running agent: %w", port, ErrAlreadyRunning)
		}
		return nil, fmt.Errorf("lock port %d is in use (%v): %w", port, err, ErrAlreadyRunning)
	}

	l := &Lock{lis: lis, port: port}
	go answerLoop(lis)
	log.Printf("singleinstance: holding lock on %s", addr)
	return l, nil
}

// Port returns the bound lock port.
func (l *Lock) Port() int { return l.port }

// Release closes the listener. Implicit release on process exit is the
// normal path; explicit release exists for tests.
func (l *Lock) Release() error {
	if l.lis == nil {
		return nil
	}
	err := l.lis.Close()
	l.lis = nil
	return err
}

// answerLoop replies PONG to PING probes so a second instance can report
// "already running" instead of a bare bind error. It owns its listener
// reference; Release nils the Lock's field concurrently.
func answerLoop(lis net.Listener) {
	for {
		c, err := lis.Accept()
		if err != nil {
			return
		}
		go func(c net.Conn) {
			defer c.Close()
			_ = c.SetDeadline(time.Now().Add(3 * time.Second))
			line, err := bufio.NewReader(c).ReadString('\n')
			if err != nil || line != pingRequest {
				return
			}
			_, _ = c.Write([]byte(pongResponse))
		}(c)
	}
}

// Probe reports whether a live agent answers on the lock port.
func Probe(port int, timeout time.Duration) bool {
	addr := net.JoinHostPort(lockHost, strconv.Itoa(port))
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return false
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(timeout))
	if _, err := conn.Write([]byte(pingRequest)); err != nil {
		return false
	}
	resp, err := bufio.NewReader(conn).ReadString('\n')
	return err == nil && resp == pongResponse
}
