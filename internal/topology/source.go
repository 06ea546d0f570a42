package topology

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Source exposes named host lists. Read reports exists=false for a missing list.
type Source interface {
	Read(name string) (hosts []string, exists bool, err error)
	Write(name string, hosts []string) error
}

// ParseHosts reads one host per line. Blank lines and lines starting with # are dropped;
// order and duplicates are preserved.
func ParseHosts(r io.Reader) ([]string, error) {
	var hosts []string
	s := bufio.NewScanner(r)
	for s.Scan() {
		line := strings.TrimSpace(s.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		hosts = append(hosts, line)
	}
	if err := s.Err(); err != nil {
		return nil, err
	}
	return hosts, nil
}

// DirSource reads membership files from a configuration directory.
type DirSource struct {
	Dir string
}

func (d DirSource) Read(name string) ([]string, bool, error) {
	f, err := os.Open(filepath.Join(d.Dir, name))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("open %s: %w", name, err)
	}
	defer f.Close()
	hosts, err := ParseHosts(f)
	if err != nil {
		return nil, true, fmt.Errorf("read %s: %w", name, err)
	}
	return hosts, true, nil
}

func (d DirSource) Write(name string, hosts []string) error {
	var b strings.Builder
	for _, h := range hosts {
		b.WriteString(h)
		b.WriteByte('\n')
	}
	if err := os.WriteFile(filepath.Join(d.Dir, name), []byte(b.String()), 0644); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	return nil
}

// MemSource is an in-memory Source keyed by file name.
type MemSource struct {
	mu    sync.Mutex
	files map[string][]string
}

func NewMemSource(files map[string][]string) *MemSource {
	m := &MemSource{files: map[string][]string{}}
	for k, v := range files {
		m.files[k] = append([]string(nil), v...)
	}
	return m
}

func (m *MemSource) Read(name string) ([]string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	hosts, ok := m.files[name]
	if !ok {
		return nil, false, nil
	}
	return append([]string(nil), hosts...), true, nil
}

func (m *MemSource) Write(name string, hosts []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.files[name] = append([]string(nil), hosts...)
	return nil
}
