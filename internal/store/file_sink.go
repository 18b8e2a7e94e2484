package store

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"depth-relay-go/market"
)

// FileSink 每个交易对一个 JSON Lines 文件，超过 MaxBytes 时整体轮转为 .1（只保留一个备份）。
type FileSink struct {
	Dir      string
	MaxBytes int64

	mu    sync.Mutex
	files map[string]*os.File
	sizes map[string]int64
}

func NewFileSink(dir string, maxBytes int64) (*FileSink, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("history dir: %w", err)
	}
	if maxBytes <= 0 {
		maxBytes = 64 << 20
	}
	return &FileSink{
		Dir:      dir,
		MaxBytes: maxBytes,
		files:    make(map[string]*os.File),
		sizes:    make(map[string]int64),
	}, nil
}

func (s *FileSink) Name() string { return "file" }

func (s *FileSink) path(symbol string) string {
	return filepath.Join(s.Dir, strings.ToUpper(symbol)+".jsonl")
}

func (s *FileSink) Write(ctx context.Context, view market.BookView) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	line, err := encodeView(view)
	if err != nil {
		return err
	}
	line = append(line, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	sym := strings.ToUpper(view.Symbol)
	f, err := s.open(sym)
	if err != nil {
		return err
	}
	if s.sizes[sym]+int64(len(line)) > s.MaxBytes && s.sizes[sym] > 0 {
		if f, err = s.rotate(sym); err != nil {
			return err
		}
	}
	n, err := f.Write(line)
	s.sizes[sym] += int64(n)
	return err
}

func (s *FileSink) open(sym string) (*os.File, error) {
	if f, ok := s.files[sym]; ok {
		return f, nil
	}
	f, err := os.OpenFile(s.path(sym), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open history file: %w", err)
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	s.files[sym] = f
	s.sizes[sym] = st.Size()
	return f, nil
}

func (s *FileSink) rotate(sym string) (*os.File, error) {
	if f, ok := s.files[sym]; ok {
		f.Close()
		delete(s.files, sym)
	}
	p := s.path(sym)
	if err := os.Rename(p, p+".1"); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("rotate history file: %w", err)
	}
	return s.open(sym)
}

// Load 先读备份再读当前文件，返回最后 limit 条；损坏的行跳过。
func (s *FileSink) Load(ctx context.Context, symbol string, limit int) ([]market.BookView, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []market.BookView
	for _, p := range []string{s.path(symbol) + ".1", s.path(symbol)} {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		views, err := readLines(p)
		if err != nil {
			return nil, err
		}
		out = append(out, views...)
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func readLines(path string) ([]market.BookView, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []market.BookView
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 8<<20)
	for sc.Scan() {
		v, err := decodeView(sc.Bytes())
		if err != nil {
			continue
		}
		out = append(out, v)
	}
	return out, sc.Err()
}

func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	for sym, f := range s.files {
		errs = append(errs, f.Close())
		delete(s.files, sym)
	}
	return errors.Join(errs...)
}
