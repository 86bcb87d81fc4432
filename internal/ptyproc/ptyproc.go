// Package ptyproc implements session.LiveSession on top of a real PTY
// process via creack/pty, grounded on the teacher's process-supervision
// style in internal/fs mount loop and the pack's terminal/agent CLIs.
package ptyproc

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"sync"

	"github.com/creack/pty"

	"github.com/agentsh/controlplane/internal/session"
)

// ringBuffer is a bounded byte history used both to satisfy
// attachments that join mid-stream (replay from cursor) and to render
// Snapshot/BufferTail frames.
type ringBuffer struct {
	mu       sync.Mutex
	buf      []byte
	maxBytes int
	cursor   int64 // total bytes ever written
}

func newRingBuffer(maxBytes int) *ringBuffer {
	return &ringBuffer{maxBytes: maxBytes}
}

func (r *ringBuffer) Write(p []byte) (cursor int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buf = append(r.buf, p...)
	if len(r.buf) > r.maxBytes {
		r.buf = r.buf[len(r.buf)-r.maxBytes:]
	}
	r.cursor += int64(len(p))
	return r.cursor
}

func (r *ringBuffer) Since(cursor int64) []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	discarded := r.cursor - int64(len(r.buf))
	if cursor <= discarded {
		return append([]byte(nil), r.buf...)
	}
	offset := cursor - discarded
	if offset >= int64(len(r.buf)) {
		return nil
	}
	return append([]byte(nil), r.buf[offset:]...)
}

func (r *ringBuffer) Cursor() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cursor
}

func (r *ringBuffer) Lines() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return bytesToLines(r.buf)
}

func bytesToLines(b []byte) []string {
	if len(b) == 0 {
		return nil
	}
	parts := bytes.Split(bytes.TrimRight(b, "\n"), []byte("\n"))
	out := make([]string, len(parts))
	for i, p := range parts {
		out[i] = string(p)
	}
	return out
}

// Process is the concrete, pty-backed session.LiveSession.
type Process struct {
	mu          sync.Mutex
	cmd         *exec.Cmd
	pty         *os.File
	ring        *ringBuffer
	attachments map[string]session.Handlers
	nextAttach  int
	closed      bool
	exit        *session.ExitResult
}

// Spawn starts argv[0] with argv[1:] in dir, attaching a PTY, and
// begins copying its output into the ring buffer and all attachments.
func Spawn(dir string, argv []string, env []string) (*Process, error) {
	if len(argv) == 0 {
		return nil, fmt.Errorf("ptyproc: empty argv")
	}
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = dir
	cmd.Env = env

	f, err := pty.Start(cmd)
	if err != nil {
		return nil, fmt.Errorf("ptyproc: start pty: %w", err)
	}

	p := &Process{
		cmd:         cmd,
		pty:         f,
		ring:        newRingBuffer(1 << 20), // 1MiB scrollback
		attachments: make(map[string]session.Handlers),
	}
	go p.pump()
	go p.waitExit()
	return p, nil
}

func (p *Process) pump() {
	buf := make([]byte, 32*1024)
	for {
		n, err := p.pty.Read(buf)
		if n > 0 {
			chunk := append([]byte(nil), buf[:n]...)
			cursor := p.ring.Write(chunk)
			p.mu.Lock()
			handlers := make([]session.Handlers, 0, len(p.attachments))
			for _, h := range p.attachments {
				handlers = append(handlers, h)
			}
			p.mu.Unlock()
			for _, h := range handlers {
				if h.OnData != nil {
					h.OnData(cursor, chunk)
				}
			}
		}
		if err != nil {
			return
		}
	}
}

func (p *Process) waitExit() {
	err := p.cmd.Wait()
	result := session.ExitResult{}
	if p.cmd.ProcessState != nil {
		code := p.cmd.ProcessState.ExitCode()
		result.Code = &code
	}
	if err != nil {
		msg := err.Error()
		result.Signal = &msg
	}
	p.mu.Lock()
	p.exit = &result
	handlers := make([]session.Handlers, 0, len(p.attachments))
	for _, h := range p.attachments {
		handlers = append(handlers, h)
	}
	p.mu.Unlock()
	for _, h := range handlers {
		if h.OnExit != nil {
			h.OnExit(result)
		}
	}
}

func (p *Process) Attach(handlers session.Handlers, sinceCursor int64) string {
	p.mu.Lock()
	p.nextAttach++
	id := fmt.Sprintf("attach-%d", p.nextAttach)
	p.attachments[id] = handlers
	p.mu.Unlock()

	if handlers.OnData != nil {
		backlog := p.ring.Since(sinceCursor)
		if len(backlog) > 0 {
			handlers.OnData(p.ring.Cursor(), backlog)
		}
	}
	return id
}

func (p *Process) Detach(attachmentID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.attachments, attachmentID)
}

func (p *Process) Write(data []byte) error {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return fmt.Errorf("ptyproc: session closed")
	}
	_, err := p.pty.Write(data)
	return err
}

func (p *Process) Snapshot() (session.Frame, error) {
	lines := p.ring.Lines()
	return session.Frame{TotalRows: len(lines), Lines: lines}, nil
}

func (p *Process) BufferTail(tailLines int) (session.Frame, error) {
	f, err := p.Snapshot()
	if err != nil {
		return session.Frame{}, err
	}
	return session.BufferTail(f, tailLines), nil
}

func (p *Process) LatestCursor() int64 {
	return p.ring.Cursor()
}

func (p *Process) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	_ = p.pty.Close()
	if p.cmd.Process != nil {
		_ = p.cmd.Process.Kill()
	}
	return nil
}
