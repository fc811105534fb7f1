package sprite

import (
	"bytes"
	"context"
	"io"
	"sync"
)

// OutputFunc produces the result of an ExecuteOutput call in MockClient.
type OutputFunc func(ctx context.Context, name, dir string, env []string, args ...string) (stdout, stderr []byte, exitCode int, err error)

// MockClient is an in-memory Client that records every call. It is exported
// for tests in other packages.
type MockClient struct {
	mu sync.Mutex

	files map[string][]byte

	executeFunc func(ctx context.Context, name string, dir string, env []string, args ...string) (*Cmd, error)
	outputFunc  OutputFunc

	sprites   map[string]bool
	existsErr error
	createErr error

	writeFaults map[string]*fault
	readFaults  map[string]*fault

	createCalls  []MockCreateCall
	deleteCalls  []string
	executeCalls []MockExecuteCall
	writeCalls   []MockWriteCall
	readCalls    []MockReadCall
}

// fault makes an operation fail remaining times (forever when negative).
type fault struct {
	err       error
	remaining int
}

func (f *fault) fire() error {
	if f == nil || f.remaining == 0 {
		return nil
	}
	if f.remaining > 0 {
		f.remaining--
	}
	return f.err
}

// MockCreateCall records a Create call.
type MockCreateCall struct {
	Name       string
	Checkpoint string
}

// MockExecuteCall records an Execute or ExecuteOutput call.
type MockExecuteCall struct {
	Name string
	Dir  string
	Env  []string
	Args []string
}

// MockWriteCall records a WriteFile call.
type MockWriteCall struct {
	Name    string
	Path    string
	Content []byte
}

// MockReadCall records a ReadFile call.
type MockReadCall struct {
	Name string
	Path string
}

// NewMockClient creates an empty MockClient with no Sprites.
func NewMockClient() *MockClient {
	return &MockClient{
		files:       make(map[string][]byte),
		sprites:     make(map[string]bool),
		writeFaults: make(map[string]*fault),
		readFaults:  make(map[string]*fault),
	}
}

// Create records the call and marks the Sprite as existing.
func (m *MockClient) Create(ctx context.Context, name string, checkpoint string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.createCalls = append(m.createCalls, MockCreateCall{Name: name, Checkpoint: checkpoint})
	if m.createErr != nil {
		return m.createErr
	}
	m.sprites[name] = true
	return nil
}

// Delete records the call and removes the Sprite and its files.
func (m *MockClient) Delete(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleteCalls = append(m.deleteCalls, name)
	delete(m.sprites, name)
	m.files = make(map[string][]byte)
	return nil
}

// Exists reports whether the Sprite was created (or marked with SetExists).
func (m *MockClient) Exists(ctx context.Context, name string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.existsErr != nil {
		return false, m.existsErr
	}
	return m.sprites[name], nil
}

// Execute runs the configured execute function or returns a successful command
// with no output.
func (m *MockClient) Execute(ctx context.Context, name string, dir string, env []string, args ...string) (*Cmd, error) {
	m.mu.Lock()
	m.executeCalls = append(m.executeCalls, MockExecuteCall{Name: name, Dir: dir, Env: env, Args: args})
	execFn := m.executeFunc
	m.mu.Unlock()

	if execFn != nil {
		return execFn(ctx, name, dir, env, args...)
	}

	return &Cmd{
		Stdout: io.NopCloser(bytes.NewBuffer(nil)),
		Stderr: io.NopCloser(bytes.NewBuffer(nil)),
	}, nil
}

// ExecuteOutput runs the configured output function or returns empty
// successful output.
func (m *MockClient) ExecuteOutput(ctx context.Context, name string, dir string, env []string, args ...string) ([]byte, []byte, int, error) {
	m.mu.Lock()
	m.executeCalls = append(m.executeCalls, MockExecuteCall{Name: name, Dir: dir, Env: env, Args: args})
	outFn := m.outputFunc
	m.mu.Unlock()

	if outFn != nil {
		return outFn(ctx, name, dir, env, args...)
	}
	return nil, nil, 0, nil
}

// ExecuteOutputWithRetry behaves like ExecuteOutput.
func (m *MockClient) ExecuteOutputWithRetry(ctx context.Context, name string, dir string, env []string, args ...string) ([]byte, []byte, int, error) {
	return m.ExecuteOutput(ctx, name, dir, env, args...)
}

// WriteFile records the call and stores content in the mock filesystem.
func (m *MockClient) WriteFile(ctx context.Context, name string, path string, content []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writeCalls = append(m.writeCalls, MockWriteCall{Name: name, Path: path, Content: content})
	if err := m.writeFaults[path].fire(); err != nil {
		return err
	}
	m.files[path] = append([]byte(nil), content...)
	return nil
}

// ReadFile returns content from the mock filesystem, or io.EOF when the file
// does not exist.
func (m *MockClient) ReadFile(ctx context.Context, name string, path string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.readCalls = append(m.readCalls, MockReadCall{Name: name, Path: path})
	if err := m.readFaults[path].fire(); err != nil {
		return nil, err
	}
	if content, ok := m.files[path]; ok {
		return content, nil
	}
	return nil, io.EOF
}

// SetFile sets a file in the mock filesystem.
func (m *MockClient) SetFile(path string, content []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.files[path] = content
}

// GetFile gets a file from the mock filesystem.
func (m *MockClient) GetFile(path string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	content, ok := m.files[path]
	return content, ok
}

// RemoveFile deletes a file from the mock filesystem.
func (m *MockClient) RemoveFile(path string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.files, path)
}

// SetExecuteFunc sets a custom execute function.
func (m *MockClient) SetExecuteFunc(fn func(ctx context.Context, name string, dir string, env []string, args ...string) (*Cmd, error)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.executeFunc = fn
}

// SetOutputFunc sets a custom ExecuteOutput function.
func (m *MockClient) SetOutputFunc(fn OutputFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outputFunc = fn
}

// SetExists marks a Sprite as existing or not.
func (m *MockClient) SetExists(name string, exists bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if exists {
		m.sprites[name] = true
	} else {
		delete(m.sprites, name)
	}
}

// SetExistsError configures Exists to return an error.
func (m *MockClient) SetExistsError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.existsErr = err
}

// SetCreateError configures Create to return an error.
func (m *MockClient) SetCreateError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.createErr = err
}

// FailWrites makes the next times writes to path fail with err. A negative
// times fails every write; zero clears the fault.
func (m *MockClient) FailWrites(path string, err error, times int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writeFaults[path] = &fault{err: err, remaining: times}
}

// FailReads makes the next times reads of path fail with err. A negative
// times fails every read; zero clears the fault.
func (m *MockClient) FailReads(path string, err error, times int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.readFaults[path] = &fault{err: err, remaining: times}
}

// GetWriteCalls returns a copy of the recorded WriteFile calls.
func (m *MockClient) GetWriteCalls() []MockWriteCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]MockWriteCall(nil), m.writeCalls...)
}

// GetExecuteCalls returns a copy of the recorded Execute and ExecuteOutput calls.
func (m *MockClient) GetExecuteCalls() []MockExecuteCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]MockExecuteCall(nil), m.executeCalls...)
}

// GetCreateCalls returns a copy of the recorded Create calls.
func (m *MockClient) GetCreateCalls() []MockCreateCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]MockCreateCall(nil), m.createCalls...)
}

// GetDeleteCalls returns a copy of the recorded Delete calls.
func (m *MockClient) GetDeleteCalls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.deleteCalls...)
}

// GetReadCalls returns a copy of the recorded ReadFile calls.
func (m *MockClient) GetReadCalls() []MockReadCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]MockReadCall(nil), m.readCalls...)
}

// NewMockCmd returns a finished command whose stdout is the given output.
func NewMockCmd(stdout string, exitCode int) *Cmd {
	return &Cmd{
		Stdout:       io.NopCloser(bytes.NewBufferString(stdout)),
		Stderr:       io.NopCloser(bytes.NewBuffer(nil)),
		MockExitCode: exitCode,
	}
}

var _ Client = (*MockClient)(nil)
