package engine

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/dgnsrekt/narrator/internal/ttypes"
	"github.com/mattn/go-shellwords"
)

// shutdownGrace is how long Close waits for the worker to exit on its own.
var shutdownGrace = 2 * time.Second

// Exec is an engine running as a long-lived child process. Requests are
// written to its stdin and messages read from its stdout, one JSON object
// per line. Stderr lines are logged.
type Exec struct {
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	encoder *Encoder
	mailbox *Mailbox

	mu      sync.Mutex
	pending []Request
	wake    chan struct{}
	closed  bool

	done chan struct{}
	once sync.Once
}

var _ Engine = (*Exec)(nil)

// StartExec parses command with shell quoting rules and starts it.
func StartExec(ctx context.Context, command string, env ...string) (*Exec, error) {
	args, err := shellwords.NewParser().Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse engine command: %w", err)
	}
	if len(args) == 0 {
		return nil, errors.New("engine command empty")
	}

	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	cmd.Env = append(os.Environ(), env...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start engine %s: %w", args[0], err)
	}
	log.Debug("Engine: worker started", "command", args[0], "pid", cmd.Process.Pid)

	e := &Exec{
		cmd:     cmd,
		stdin:   stdin,
		encoder: NewEncoder(stdin),
		mailbox: NewMailbox(),
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}

	go e.logStderr(stderr)
	go e.writeLoop()
	go e.readLoop(stdout)
	return e, nil
}

// Send implements Engine. Requests are written by a separate goroutine so
// a slow worker never blocks the caller.
func (e *Exec) Send(req Request) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ttypes.ErrEngineClosed
	}
	e.pending = append(e.pending, req)
	e.mu.Unlock()

	select {
	case e.wake <- struct{}{}:
	default:
	}
	return nil
}

// Messages implements Engine.
func (e *Exec) Messages() <-chan Message {
	return e.mailbox.C()
}

// Close implements Engine. The worker sees EOF on stdin and is killed if it
// has not exited shortly after.
func (e *Exec) Close() error {
	e.once.Do(func() {
		e.mu.Lock()
		e.closed = true
		e.mu.Unlock()
		select {
		case e.wake <- struct{}{}:
		default:
		}
	})

	select {
	case <-e.done:
	case <-time.After(shutdownGrace):
		_ = e.cmd.Process.Kill()
		<-e.done
	}
	return nil
}

func (e *Exec) writeLoop() {
	defer e.stdin.Close()

	for {
		e.mu.Lock()
		batch := e.pending
		e.pending = nil
		closed := e.closed
		e.mu.Unlock()

		for _, req := range batch {
			if err := e.encoder.EncodeRequest(req); err != nil {
				log.Warn("Engine: write to worker failed", "error", err)
				return
			}
		}
		if closed {
			return
		}
		if len(batch) == 0 {
			select {
			case <-e.wake:
			case <-e.done:
				return
			}
		}
	}
}

func (e *Exec) readLoop(stdout io.Reader) {
	defer close(e.done)
	defer e.mailbox.Close()

	decoder := NewDecoder(stdout)
	for {
		msg, err := decoder.NextMessage()
		if err != nil {
			// A malformed line is reported but does not kill the worker.
			if errors.Is(err, ErrMalformed) {
				log.Warn("Engine: bad worker output", "error", err)
				continue
			}
			if !errors.Is(err, io.EOF) {
				log.Warn("Engine: reading worker output failed", "error", err)
			}
			break
		}
		e.mailbox.Put(msg)
	}

	if err := e.cmd.Wait(); err != nil {
		log.Warn("Engine: worker exited", "error", err)
	}
}

func (e *Exec) logStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		log.Debug("Engine: worker", "stderr", scanner.Text())
	}
}
