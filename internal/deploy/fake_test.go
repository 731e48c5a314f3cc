package deploy

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/peleka/peleka/internal/model"
	"github.com/peleka/peleka/internal/runtime"
	"github.com/peleka/peleka/internal/sshx"
)

// fakeRuntime is an in-memory Runtime for exercising the state machine.
type fakeRuntime struct {
	mu         sync.Mutex
	containers map[string]*fakeContainer
	networks   map[string]bool
	nextID     int

	pulled  []string
	pullErr error

	createErr error
	startErr  error

	// execFn decides probe results; nil means every exec exits 0.
	execFn func(id string, argv []string) (*runtime.ExecResult, error)
	// execTimes records when each exec happened.
	execTimes []time.Time
}

type fakeContainer struct {
	id      string
	name    string
	image   string
	labels  map[string]string
	running bool
	exit    int
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{
		containers: make(map[string]*fakeContainer),
		networks:   make(map[string]bool),
	}
}

// seed adds a container directly, returning its id.
func (f *fakeRuntime) seed(name string, running bool, labels map[string]string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	id := fmt.Sprintf("ctr-%d", f.nextID)
	copied := make(map[string]string, len(labels))
	for k, v := range labels {
		copied[k] = v
	}
	f.containers[id] = &fakeContainer{id: id, name: name, labels: copied, running: running}
	return id
}

func pelekaLabels(service string, gen int, color model.Color, role model.Role, deployID string) map[string]string {
	return map[string]string{
		model.LabelService:    service,
		model.LabelGeneration: fmt.Sprintf("%d", gen),
		model.LabelColor:      string(color),
		model.LabelRole:       string(role),
		model.LabelDeployID:   deployID,
	}
}

func (f *fakeRuntime) Kind() runtime.Kind { return runtime.KindDocker }

func (f *fakeRuntime) Pull(ctx context.Context, image string, timeout time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pullErr != nil {
		return f.pullErr
	}
	f.pulled = append(f.pulled, image)
	return nil
}

func (f *fakeRuntime) Create(ctx context.Context, spec *runtime.ContainerSpec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return "", f.createErr
	}
	for _, c := range f.containers {
		if c.name == spec.Name {
			return "", fmt.Errorf("container name %q already in use", spec.Name)
		}
	}
	f.nextID++
	id := fmt.Sprintf("ctr-%d", f.nextID)
	labels := make(map[string]string, len(spec.Labels))
	for k, v := range spec.Labels {
		labels[k] = v
	}
	f.containers[id] = &fakeContainer{id: id, name: spec.Name, image: spec.Image, labels: labels}
	return id, nil
}

func (f *fakeRuntime) Start(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return f.startErr
	}
	c, ok := f.containers[id]
	if !ok {
		return fmt.Errorf("no such container %s", id)
	}
	if c.running {
		return fmt.Errorf("container %s already started", id)
	}
	c.running = true
	return nil
}

func (f *fakeRuntime) Stop(ctx context.Context, id string, grace time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.containers[id]; ok {
		c.running = false
	}
	return nil
}

func (f *fakeRuntime) Remove(ctx context.Context, id string, force bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.containers, id)
	return nil
}

func (f *fakeRuntime) Exec(ctx context.Context, id string, argv []string, timeout time.Duration) (*runtime.ExecResult, error) {
	f.mu.Lock()
	f.execTimes = append(f.execTimes, time.Now())
	fn := f.execFn
	f.mu.Unlock()
	if fn == nil {
		return &runtime.ExecResult{ExitCode: 0}, nil
	}
	return fn(id, argv)
}

func (f *fakeRuntime) Inspect(ctx context.Context, id string) (*runtime.ContainerState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[id]
	if !ok {
		return nil, fmt.Errorf("no such container %s", id)
	}
	status := "exited"
	if c.running {
		status = "running"
	}
	return &runtime.ContainerState{Status: status, Running: c.running, ExitCode: c.exit, Health: "none"}, nil
}

func (f *fakeRuntime) ListByService(ctx context.Context, service model.ServiceName) ([]runtime.ContainerSummary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []runtime.ContainerSummary
	for _, c := range f.containers {
		if c.labels[model.LabelService] != service.String() {
			continue
		}
		state := "exited"
		if c.running {
			state = "running"
		}
		labels := make(map[string]string, len(c.labels))
		for k, v := range c.labels {
			labels[k] = v
		}
		out = append(out, runtime.ContainerSummary{ID: c.id, Name: c.name, State: state, Labels: labels})
	}
	return out, nil
}

func (f *fakeRuntime) UpdateLabels(ctx context.Context, id string, set map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[id]
	if !ok {
		return fmt.Errorf("no such container %s", id)
	}
	for k, v := range set {
		c.labels[k] = v
	}
	return nil
}

func (f *fakeRuntime) EnsureNetwork(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.networks[name] = true
	return nil
}

func (f *fakeRuntime) Close() error { return nil }

// byName returns the container with the given name, or nil.
func (f *fakeRuntime) byName(name string) *fakeContainer {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.containers {
		if c.name == name {
			return c
		}
	}
	return nil
}

// byID returns the container with the given id, or nil.
func (f *fakeRuntime) byID(id string) *fakeContainer {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.containers[id]
}

// countRole returns how many containers of the service carry the role.
func (f *fakeRuntime) countRole(service string, role model.Role) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.containers {
		if c.labels[model.LabelService] == service && c.labels[model.LabelRole] == string(role) {
			n++
		}
	}
	return n
}

func (f *fakeRuntime) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.containers)
}

// fakeTransport emulates the remote shell surface the lock manager uses:
// mkdir, noclobber create, cat, overwrite, rm.
type fakeTransport struct {
	mu    sync.Mutex
	files map[string]string
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{files: make(map[string]string)}
}

var (
	reAtomicCreate = regexp.MustCompile(`\(set -C; printf %s '(.*)' > "(.+)"\)`)
	reOverwrite    = regexp.MustCompile(`^printf %s '(.*)' > "(.+)"$`)
	reCat          = regexp.MustCompile(`^cat "(.+)"$`)
	reRemove       = regexp.MustCompile(`^rm -f "(.+)"$`)
)

func (t *fakeTransport) Exec(argv ...string) (*sshx.ExecResult, error) {
	if len(argv) != 3 || argv[0] != "sh" || argv[1] != "-c" {
		return nil, fmt.Errorf("fakeTransport: unexpected command %v", argv)
	}
	script := argv[2]

	t.mu.Lock()
	defer t.mu.Unlock()

	switch {
	case strings.HasPrefix(script, "mkdir -p"):
		return &sshx.ExecResult{ExitCode: 0}, nil

	case reAtomicCreate.MatchString(script):
		m := reAtomicCreate.FindStringSubmatch(script)
		payload, path := m[1], m[2]
		if _, exists := t.files[path]; exists {
			return &sshx.ExecResult{ExitCode: 1}, nil
		}
		t.files[path] = payload
		return &sshx.ExecResult{ExitCode: 0}, nil

	case reOverwrite.MatchString(script):
		m := reOverwrite.FindStringSubmatch(script)
		t.files[m[2]] = m[1]
		return &sshx.ExecResult{ExitCode: 0}, nil

	case reCat.MatchString(script):
		m := reCat.FindStringSubmatch(script)
		content, ok := t.files[m[1]]
		if !ok {
			return &sshx.ExecResult{ExitCode: 1, Stderr: "No such file"}, nil
		}
		return &sshx.ExecResult{ExitCode: 0, Stdout: content}, nil

	case reRemove.MatchString(script):
		m := reRemove.FindStringSubmatch(script)
		delete(t.files, m[1])
		return &sshx.ExecResult{ExitCode: 0}, nil
	}

	return nil, fmt.Errorf("fakeTransport: unhandled script %q", script)
}

// content returns the lock marker content for a service, if present.
func (t *fakeTransport) content(service string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for path, content := range t.files {
		if strings.HasSuffix(path, "peleka-lock-"+service) {
			return content, true
		}
	}
	return "", false
}

// collectSink records events and outcomes for assertions.
type collectSink struct {
	mu       sync.Mutex
	events   []Event
	outcomes []HostOutcome
}

func (s *collectSink) Event(e Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
}

func (s *collectSink) Outcome(o HostOutcome) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outcomes = append(s.outcomes, o)
}

func (s *collectSink) phases() []Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Phase
	for _, e := range s.events {
		out = append(out, e.Phase)
	}
	return out
}
