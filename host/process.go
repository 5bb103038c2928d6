package host

import (
	"errors"
	"fmt"
	"log"
	"os/exec"
	"sync"
	"time"

	"go-ssr/protocol"
	"go-ssr/transport"
)

// ProcessConfig describes how to start the worker binary.
type ProcessConfig struct {
	Binary string
	Args   []string
	Dir    string
	// Env is appended to the host's environment.
	Env []string
}

// Process supervises one worker child process. The worker speaks the framed
// protocol on its stdin and stdout; its stderr goes to the host log. A
// process whose channel closes is marked dead and respawned on the next
// call to Client.
type Process struct {
	cfg ProcessConfig

	mu     sync.Mutex
	cmd    *exec.Cmd
	exited chan struct{}
	client *Client
	closed bool

	dead   bool
	deadMu sync.RWMutex

	events chan protocol.Message
}

// StartProcess starts the worker.
func StartProcess(cfg ProcessConfig) (*Process, error) {
	p := &Process{cfg: cfg, events: make(chan protocol.Message, eventBuffer)}

	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.spawn(); err != nil {
		return nil, err
	}
	return p, nil
}

// spawn starts a fresh child. Callers hold p.mu.
func (p *Process) spawn() error {
	cmd := exec.Command(p.cfg.Binary, p.cfg.Args...)
	cmd.Dir = p.cfg.Dir
	if len(p.cfg.Env) > 0 {
		cmd.Env = append(cmd.Environ(), p.cfg.Env...)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return err
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return err
	}

	cmd.Stderr = log.Writer()

	if err := cmd.Start(); err != nil {
		stdin.Close()
		stdout.Close()
		return fmt.Errorf("starting worker %s: %w", p.cfg.Binary, err)
	}

	client := NewClient(transport.NewFramed(stdout, stdin))
	go p.watch(client)

	exited := make(chan struct{})
	go func() {
		defer close(exited)
		// Wait closes stdout, so every frame must be read first.
		<-client.Done()
		if err := cmd.Wait(); err != nil {
			log.Printf("[host] worker pid %d exited: %v", cmd.Process.Pid, err)
		}
	}()

	p.cmd, p.exited, p.client = cmd, exited, client
	p.setDead(false)

	log.Printf("[host] started worker pid %d (%s)", cmd.Process.Pid, p.cfg.Binary)
	return nil
}

// watch relays the client's events and marks the process dead once its
// channel closes.
func (p *Process) watch(c *Client) {
	for m := range c.Events() {
		select {
		case p.events <- m:
		default:
			log.Printf("[host] event buffer full, dropping %s", m.Type)
			closeStream(m)
		}
	}

	p.mu.Lock()
	current := p.client == c
	p.mu.Unlock()
	if current {
		log.Printf("[host] worker channel closed: %v", c.Err())
		p.setDead(true)
	}
}

func (p *Process) setDead(dead bool) {
	p.deadMu.Lock()
	p.dead = dead
	p.deadMu.Unlock()
}

// Dead reports whether the current worker has gone away.
func (p *Process) Dead() bool {
	p.deadMu.RLock()
	defer p.deadMu.RUnlock()
	return p.dead
}

// Events returns the unsolicited events of every worker this process has
// run. It is never closed.
func (p *Process) Events() <-chan protocol.Message {
	return p.events
}

// Client returns the client of the running worker, respawning it first if
// it died.
func (p *Process) Client() (*Client, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, errors.New("host: process closed")
	}
	if p.Dead() {
		if err := p.restart(); err != nil {
			return nil, err
		}
	}
	return p.client, nil
}

// Restart kills the worker and starts a new one. In-flight requests on the
// old worker fail with ErrWorkerGone.
func (p *Process) Restart() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return errors.New("host: process closed")
	}
	return p.restart()
}

func (p *Process) restart() error {
	p.stop()
	RestartsTotal.Inc()
	if err := p.spawn(); err != nil {
		p.setDead(true)
		return err
	}
	log.Printf("[host] restarted worker")
	return nil
}

// stop closes the worker's stdio and kills it if it does not exit on its
// own. Callers hold p.mu.
func (p *Process) stop() {
	if p.client != nil {
		_ = p.client.Close()
	}
	if p.cmd == nil || p.cmd.Process == nil {
		return
	}

	// The worker exits when stdin closes; give it a moment to drain.
	select {
	case <-p.exited:
	case <-time.After(2 * time.Second):
		_ = p.cmd.Process.Kill()
		<-p.exited
	}
}

// Close stops the worker for good.
func (p *Process) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	p.stop()
	p.setDead(true)
	return nil
}
