// Package corpus turns raw documents into the flat token stream the trainer
// windows over, and persists that stream as one line of decimal ids.
package corpus

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/yargevad/filepathx"

	"github.com/joshcarp/llmtrain/internal/config"
	"github.com/joshcarp/llmtrain/internal/tokenizer"
	"github.com/joshcarp/llmtrain/internal/window"
)

// LoadDocuments reads every file matching the glob patterns (** allowed).
// A .jsonl file holds one {"text": ...} object per line; any other file is a
// JSON array of strings. Files are read in pattern order, sorted within a
// pattern.
func LoadDocuments(patterns ...string) ([]string, error) {
	var docs []string
	for _, pattern := range patterns {
		paths, err := filepathx.Glob(pattern)
		if err != nil {
			return nil, fmt.Errorf("glob %s: %w", pattern, err)
		}
		if len(paths) == 0 {
			return nil, fmt.Errorf("no corpus files match %s", pattern)
		}
		sort.Strings(paths)
		for _, path := range paths {
			fileDocs, err := readFile(path)
			if err != nil {
				return nil, fmt.Errorf("read corpus %s: %w", path, err)
			}
			docs = append(docs, fileDocs...)
		}
	}
	return docs, nil
}

func readFile(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	if strings.EqualFold(filepath.Ext(path), ".jsonl") {
		return readJSONL(f)
	}
	var docs []string
	if err := json.NewDecoder(f).Decode(&docs); err != nil {
		return nil, err
	}
	return docs, nil
}

func readJSONL(r io.Reader) ([]string, error) {
	var docs []string
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 64*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		b := scanner.Bytes()
		if len(strings.TrimSpace(string(b))) == 0 {
			continue
		}
		var obj struct {
			Text *string `json:"text"`
		}
		if err := json.Unmarshal(b, &obj); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		if obj.Text == nil {
			return nil, fmt.Errorf("line %d: no text field", line)
		}
		docs = append(docs, *obj.Text)
	}
	return docs, scanner.Err()
}

type Options struct {
	// MinLength drops documents of at most this many characters.
	MinLength int
	// ParagraphMarker replaces each line break inside a document.
	ParagraphMarker string
	// Separator is appended after every kept document.
	Separator int32
}

type Stats struct {
	Documents int
	Kept      int
	Tokens    int
}

// Build tokenizes docs into one stream: the ids of each kept document
// followed by opts.Separator.
func Build(docs []string, tok tokenizer.Tokenizer, opts Options) ([]int32, Stats, error) {
	stats := Stats{Documents: len(docs)}
	var stream []int32
	for i, doc := range docs {
		if utf8.RuneCountInString(doc) <= opts.MinLength {
			continue
		}
		text := strings.ReplaceAll(doc, "\n", " "+opts.ParagraphMarker+" ")
		ids, err := tok.Encode(text)
		if err != nil {
			return nil, stats, fmt.Errorf("tokenize document %d: %w", i, err)
		}
		stream = append(stream, ids...)
		stream = append(stream, opts.Separator)
		stats.Kept++
	}
	stats.Tokens = len(stream)
	return stream, stats, nil
}

// WriteStream writes tokens as space separated decimals on a single line.
func WriteStream(w io.Writer, tokens []int32) error {
	bw := bufio.NewWriter(w)
	buf := make([]byte, 0, 16)
	for i, id := range tokens {
		if i > 0 {
			bw.WriteByte(' ')
		}
		buf = strconv.AppendInt(buf[:0], int64(id), 10)
		bw.Write(buf)
	}
	bw.WriteByte('\n')
	return bw.Flush()
}

// ReadStream parses whitespace separated decimal ids.
func ReadStream(r io.Reader) (window.Stream, error) {
	scanner := bufio.NewScanner(r)
	scanner.Split(bufio.ScanWords)
	var tokens window.Stream
	for scanner.Scan() {
		id, err := strconv.ParseInt(scanner.Text(), 10, 32)
		if err != nil {
			return nil, fmt.Errorf("token %d: %w", len(tokens), err)
		}
		tokens = append(tokens, int32(id))
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return tokens, nil
}

func WriteFile(path string, tokens []int32) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := WriteStream(f, tokens); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func ReadFile(path string) (window.Stream, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	s, err := ReadStream(f)
	if err != nil {
		return nil, fmt.Errorf("read token stream %s: %w", path, err)
	}
	return s, nil
}

// Rebuild tokenizes the configured raw corpus and persists the stream.
func Rebuild(cfg config.Config, tok tokenizer.Tokenizer, logger *slog.Logger) (window.Stream, error) {
	if logger == nil {
		logger = slog.Default()
	}
	sep, err := tok.TokenID(cfg.Tokenizer.SeparatorToken)
	if err != nil {
		return nil, fmt.Errorf("resolve separator: %w", err)
	}
	logger.Info("reading corpus", "paths", cfg.Data.RawPaths)
	docs, err := LoadDocuments(cfg.Data.RawPaths...)
	if err != nil {
		return nil, err
	}
	stream, stats, err := Build(docs, tok, Options{
		MinLength:       cfg.Data.MinLength,
		ParagraphMarker: cfg.Tokenizer.ParagraphMarker,
		Separator:       sep,
	})
	if err != nil {
		return nil, err
	}
	if stats.Kept == 0 {
		logger.Warn("no document is longer than min_length", "documents", stats.Documents, "min_length", cfg.Data.MinLength)
	}
	if err := WriteFile(cfg.Data.TokenizedPath, stream); err != nil {
		return nil, fmt.Errorf("write token stream: %w", err)
	}
	logger.Info("built token stream",
		"documents", stats.Documents, "kept", stats.Kept, "tokens", stats.Tokens, "path", cfg.Data.TokenizedPath)
	return stream, nil
}

// Prepare rebuilds the stream when training.raw is set and reuses the
// persisted one otherwise.
func Prepare(cfg config.Config, tok tokenizer.Tokenizer, logger *slog.Logger) (window.Stream, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Training.Raw {
		if tok == nil {
			return nil, errors.New("a tokenizer is needed to rebuild the token stream")
		}
		return Rebuild(cfg, tok, logger)
	}
	stream, err := ReadFile(cfg.Data.TokenizedPath)
	if err != nil {
		return nil, err
	}
	logger.Info("loaded token stream", "tokens", len(stream), "path", cfg.Data.TokenizedPath)
	return stream, nil
}
