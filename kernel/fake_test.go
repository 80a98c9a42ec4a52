package kernel

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
)

// fakeHandler answers one driver request.
type fakeHandler func(p *fakeProcess, req request)

// fakeLauncher launches in-memory drivers backed by a handler.
type fakeLauncher struct {
	handle fakeHandler

	mu       sync.Mutex
	fail     []error // consumed one per Launch
	launched []*fakeProcess
	specs    []LaunchSpec
}

func (l *fakeLauncher) Launch(_ context.Context, spec LaunchSpec) (Process, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.specs = append(l.specs, spec)
	if len(l.fail) > 0 {
		err := l.fail[0]
		l.fail = l.fail[1:]
		if err != nil {
			return nil, err
		}
	}
	p := newFakeProcess(l.handle)
	l.launched = append(l.launched, p)
	return p, nil
}

func (l *fakeLauncher) last() *fakeProcess {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.launched) == 0 {
		return nil
	}
	return l.launched[len(l.launched)-1]
}

type fakeProcess struct {
	inR  *io.PipeReader
	inW  *io.PipeWriter
	outR *io.PipeReader
	outW *io.PipeWriter
	errR *io.PipeReader
	errW *io.PipeWriter

	interrupts chan struct{}
	killed     chan struct{}
	done       chan struct{}

	writeMu  sync.Mutex
	mu       sync.Mutex
	requests []request
	err      error
	exitOnce sync.Once
	killOnce sync.Once
}

func newFakeProcess(handle fakeHandler) *fakeProcess {
	p := &fakeProcess{
		interrupts: make(chan struct{}, 8),
		killed:     make(chan struct{}),
		done:       make(chan struct{}),
	}
	p.inR, p.inW = io.Pipe()
	p.outR, p.outW = io.Pipe()
	p.errR, p.errW = io.Pipe()
	go p.serve(handle)
	return p
}

// serve reads requests like a real pipe would: writes never wait for the
// handler, which answers requests one at a time.
func (p *fakeProcess) serve(handle fakeHandler) {
	queue := make(chan request, 64)
	handled := make(chan struct{})
	go func() {
		defer close(handled)
		for req := range queue {
			handle(p, req)
		}
	}()

	scanner := bufio.NewScanner(p.inR)
	scanner.Buffer(make([]byte, 64*1024), 16<<20)
	for scanner.Scan() {
		var req request
		if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
			continue
		}
		p.mu.Lock()
		p.requests = append(p.requests, req)
		p.mu.Unlock()
		queue <- req
	}
	close(queue)
	<-handled
	p.exit(nil)
}

func (p *fakeProcess) Stdin() io.WriteCloser { return p.inW }
func (p *fakeProcess) Stdout() io.Reader     { return p.outR }
func (p *fakeProcess) Stderr() io.Reader     { return p.errR }
func (p *fakeProcess) Done() <-chan struct{} { return p.done }
func (p *fakeProcess) Path(host string) string {
	return host
}

func (p *fakeProcess) Err() error {
	select {
	case <-p.done:
		return p.err
	default:
		return nil
	}
}

func (p *fakeProcess) Interrupt() error {
	select {
	case p.interrupts <- struct{}{}:
	default:
	}
	return nil
}

func (p *fakeProcess) Kill() error {
	p.killOnce.Do(func() { close(p.killed) })
	p.inW.Close()
	p.exit(errors.New("signal: killed"))
	return nil
}

// exit simulates the driver process terminating.
func (p *fakeProcess) exit(err error) {
	p.exitOnce.Do(func() {
		p.err = err
		p.outW.Close()
		p.errW.Close()
		close(p.done)
	})
}

func (p *fakeProcess) isKilled() bool {
	select {
	case <-p.killed:
		return true
	default:
		return false
	}
}

func (p *fakeProcess) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.requests))
	for i, r := range p.requests {
		out[i] = r.Type
	}
	return out
}

func (p *fakeProcess) request(typ string) (request, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, r := range p.requests {
		if r.Type == typ {
			return r, true
		}
	}
	return request{}, false
}

// emit writes one driver message. Writes after exit are dropped.
func (p *fakeProcess) emit(parent, typ string, content any) {
	data, _ := json.Marshal(content)
	line, _ := json.Marshal(Message{Parent: parent, Type: typ, Content: data})
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	p.outW.Write(append(line, '\n'))
}

func (p *fakeProcess) status(parent, state string) {
	p.emit(parent, "status", map[string]string{"execution_state": state})
}

func (p *fakeProcess) stream(parent, text string) {
	p.emit(parent, "stream", map[string]string{"name": "stdout", "text": text})
}

func (p *fakeProcess) result(parent string, data map[string]any) {
	p.emit(parent, "execute_result", map[string]any{"data": data, "metadata": map[string]any{}})
}

func (p *fakeProcess) fail(parent, name, value string) {
	p.emit(parent, "error", map[string]any{
		"ename":  name,
		"evalue": value,
		"traceback": []string{
			"Traceback (most recent call last):\n",
			"  File \"<cell-1>\", line 1, in <module>\n",
			name + ": " + value + "\n",
		},
	})
}

// reply wraps body in the busy and idle status messages.
func (p *fakeProcess) reply(req request, body func()) {
	p.status(req.ID, "busy")
	if body != nil {
		body()
	}
	p.status(req.ID, "idle")
}

// control answers a control request with a JSON value.
func (p *fakeProcess) control(req request, value any) {
	p.reply(req, func() {
		p.result(req.ID, map[string]any{MIMEJSON: value, MIMEText: "ok"})
	})
}

// driver builds a handler that answers control requests and delegates
// execute requests to exec.
func driver(exec func(p *fakeProcess, req request)) fakeHandler {
	return func(p *fakeProcess, req request) {
		switch req.Type {
		case "ping":
			p.control(req, map[string]any{"pid": 1})
		case "load":
			p.control(req, map[string]any{"restored": []string{"x"}, "failed": []string{}})
		case "save":
			p.control(req, map[string]any{"saved": []string{"x"}, "skipped": []string{}})
		case "bind":
			p.control(req, map[string]any{"bound": req.Tools})
		case "store":
			p.control(req, 0)
		case "execute":
			if exec == nil {
				p.reply(req, nil)
				return
			}
			exec(p, req)
		}
	}
}

type fakeArtifacts struct {
	mu    sync.Mutex
	names []string
	data  [][]byte
	err   error
}

func (s *fakeArtifacts) Put(_ context.Context, name, _ string, data []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return "", s.err
	}
	s.names = append(s.names, name)
	s.data = append(s.data, data)
	return "art-" + string(rune('0'+len(s.names))), nil
}
