package telemetry

import (
	"io"
	"sort"
	"strings"
	"sync"
)

// MaskPlaceholder replaces secret values in masked output.
const MaskPlaceholder = "***"

// Masker replaces registered secret values with MaskPlaceholder. It is safe
// for concurrent use.
type Masker struct {
	mu       sync.RWMutex
	secrets  []string
	replacer *strings.Replacer
}

// NewMasker creates a masker for the given secret values.
func NewMasker(values ...string) *Masker {
	m := &Masker{}
	m.Add(values...)
	return m
}

// Add registers more secret values. Empty values are ignored.
func (m *Masker) Add(values ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	seen := make(map[string]bool, len(m.secrets))
	for _, s := range m.secrets {
		seen[s] = true
	}
	for _, v := range values {
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		m.secrets = append(m.secrets, v)
	}

	// Longest first so a secret containing another is masked whole.
	sort.Slice(m.secrets, func(i, j int) bool { return len(m.secrets[i]) > len(m.secrets[j]) })

	pairs := make([]string, 0, len(m.secrets)*2)
	for _, s := range m.secrets {
		pairs = append(pairs, s, MaskPlaceholder)
	}
	m.replacer = strings.NewReplacer(pairs...)
}

// Mask returns s with every registered secret replaced.
func (m *Masker) Mask(s string) string {
	if m == nil {
		return s
	}
	m.mu.RLock()
	r := m.replacer
	m.mu.RUnlock()
	if r == nil {
		return s
	}
	return r.Replace(s)
}

// Len returns the number of registered secrets.
func (m *Masker) Len() int {
	if m == nil {
		return 0
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.secrets)
}

// Writer wraps w so everything written through it is masked.
func (m *Masker) Writer(w io.Writer) io.Writer {
	return &maskWriter{w: w, m: m}
}

type maskWriter struct {
	w io.Writer
	m *Masker
}

// Write masks p before forwarding. zerolog writes whole events per call, so
// a secret never straddles two writes.
func (mw *maskWriter) Write(p []byte) (int, error) {
	if _, err := io.WriteString(mw.w, mw.m.Mask(string(p))); err != nil {
		return 0, err
	}
	return len(p), nil
}
