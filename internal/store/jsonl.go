package store

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/gzhole/consentgate/internal/audit"
)

// DefaultMaxLogBytes is the size at which the active file is rotated.
const DefaultMaxLogBytes int64 = 10 << 20

// renameFile is swapped out in tests to simulate a failed rotation.
var renameFile = os.Rename

// JSONL appends one JSON object per line to a 0600 file. When the file
// reaches maxBytes it is renamed to path.1, older generations shifting up
// one number; rotated generations are never deleted.
type JSONL struct {
	path     string
	maxBytes int64

	mu     sync.Mutex
	file   *os.File
	size   int64
	closed bool
}

// NewJSONL opens (or creates) the log at path. maxBytes <= 0 selects
// DefaultMaxLogBytes.
func NewJSONL(path string, maxBytes int64) (*JSONL, error) {
	if path == "" {
		return nil, errors.New("jsonl store: empty path")
	}
	if maxBytes <= 0 {
		maxBytes = DefaultMaxLogBytes
	}
	s := &JSONL{path: path, maxBytes: maxBytes}
	if err := s.open(); err != nil {
		return nil, err
	}
	if s.size >= s.maxBytes {
		if err := s.rotate(); err != nil {
			if s.file != nil {
				_ = s.file.Close()
			}
			return nil, err
		}
	}
	return s, nil
}

func (s *JSONL) open() error {
	file, err := os.OpenFile(s.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}
	info, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return err
	}
	s.file = file
	s.size = info.Size()
	return nil
}

// Append writes e as one line.
func (s *JSONL) Append(e audit.Entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	data = append(data, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	if s.file == nil {
		if err := s.open(); err != nil {
			return fmt.Errorf("reopen %s: %w", s.path, err)
		}
	}
	if s.size > 0 && s.size+int64(len(data)) > s.maxBytes {
		if err := s.rotate(); err != nil {
			return fmt.Errorf("rotate %s: %w", s.path, err)
		}
	}
	n, err := s.file.Write(data)
	s.size += int64(n)
	return err
}

// rotate must be called with s.mu held (or before s is shared). On failure
// the active file is reopened in place so later appends still land; if that
// also fails, s.file is left nil and the next Append retries the open.
func (s *JSONL) rotate() (err error) {
	closeErr := s.file.Close()
	s.file = nil
	defer func() {
		if err != nil && s.file == nil {
			if openErr := s.open(); openErr != nil {
				err = errors.Join(err, openErr)
			}
		}
	}()
	if closeErr != nil {
		return closeErr
	}

	gens, err := s.generations()
	if err != nil {
		return err
	}
	for i := len(gens) - 1; i >= 0; i-- {
		from := s.generationPath(gens[i])
		if err := renameFile(from, s.generationPath(gens[i]+1)); err != nil {
			return err
		}
	}
	if err := renameFile(s.path, s.generationPath(1)); err != nil {
		return err
	}
	return s.open()
}

func (s *JSONL) generationPath(n int) string {
	return s.path + "." + strconv.Itoa(n)
}

// generations lists rotated generation numbers in ascending order.
func (s *JSONL) generations() ([]int, error) {
	var gens []int
	for n := 1; ; n++ {
		if _, err := os.Stat(s.generationPath(n)); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				break
			}
			return nil, err
		}
		gens = append(gens, n)
	}
	return gens, nil
}

// Load reads every generation, oldest first, then the active file.
func (s *JSONL) Load(ctx context.Context) ([]audit.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	gens, err := s.generations()
	if err != nil {
		return nil, err
	}
	paths := make([]string, 0, len(gens)+1)
	for i := len(gens) - 1; i >= 0; i-- {
		paths = append(paths, s.generationPath(gens[i]))
	}
	paths = append(paths, s.path)

	var entries []audit.Entry
	for _, p := range paths {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		got, err := readEntries(p)
		if err != nil {
			return nil, err
		}
		entries = append(entries, got...)
	}
	return entries, nil
}

func readEntries(path string) ([]audit.Entry, error) {
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	var entries []audit.Entry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4<<20)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		var e audit.Entry
		if err := json.Unmarshal([]byte(text), &e); err != nil {
			return nil, fmt.Errorf("%s:%d: %w", path, line, err)
		}
		entries = append(entries, e)
	}
	return entries, scanner.Err()
}

func (s *JSONL) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.file == nil {
		return nil
	}
	return s.file.Close()
}
