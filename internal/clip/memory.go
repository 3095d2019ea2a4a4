package clip

import "sync"

// Memory is an in-process clipboard. Like the OS clipboards it signals
// Watch for every change, including its own WriteText.
type Memory struct {
	mu      sync.Mutex
	text    string
	hasText bool
	writes  int
	watchCh chan struct{}
}

// NewMemory returns an empty in-memory clipboard.
func NewMemory() *Memory {
	return &Memory{watchCh: make(chan struct{}, 1)}
}

func (m *Memory) Name() string { return "memory" }

func (m *Memory) ReadText() (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.hasText {
		return "", ErrNotText
	}
	return textOf([]byte(m.text))
}

func (m *Memory) WriteText(text string) error {
	m.mu.Lock()
	m.writes++
	m.mu.Unlock()
	m.Set(text)
	return nil
}

// Set simulates a user copying text in another application.
func (m *Memory) Set(text string) {
	m.mu.Lock()
	m.text, m.hasText = text, true
	m.mu.Unlock()
	notify(m.watchCh)
}

// SetNonText simulates copying an image or file.
func (m *Memory) SetNonText() {
	m.mu.Lock()
	m.text, m.hasText = "", false
	m.mu.Unlock()
	notify(m.watchCh)
}

// Writes returns how many times WriteText was called.
func (m *Memory) Writes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writes
}

func (m *Memory) Watch() <-chan struct{} { return m.watchCh }
func (m *Memory) Close()                 {}
