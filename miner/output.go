package miner

import (
	"bytes"
	"encoding/json"
	"regexp"
	"sync"
)

// lineWriter keeps everything written to it and calls onLine for each
// complete line.
type lineWriter struct {
	mu      sync.Mutex
	all     bytes.Buffer
	partial []byte
	onLine  func(line string)
}

func newLineWriter(onLine func(string)) *lineWriter {
	return &lineWriter{onLine: onLine}
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.all.Write(p)
	w.partial = append(w.partial, p...)
	for {
		i := bytes.IndexByte(w.partial, '\n')
		if i < 0 {
			break
		}
		line := bytes.TrimRight(w.partial[:i], "\r")
		w.partial = w.partial[i+1:]
		if len(line) > 0 {
			w.onLine(string(line))
		}
	}
	return len(p), nil
}

// Flush emits a trailing line without newline
func (w *lineWriter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.partial) > 0 {
		w.onLine(string(bytes.TrimRight(w.partial, "\r")))
		w.partial = nil
	}
}

// Bytes returns a copy of everything written
func (w *lineWriter) Bytes() []byte {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]byte(nil), w.all.Bytes()...)
}

var hashRatePattern = regexp.MustCompile(`(\d+(?:\.\d+)?)\s*([kKMGTP]?)H/s`)

// ParseHashRate extracts a "<number> <unit>H/s" reading from a log line
func ParseHashRate(line string) (string, bool) {
	m := hashRatePattern.FindStringSubmatch(line)
	if m == nil {
		return "", false
	}
	return m[1] + " " + m[2] + "H/s", true
}

// ParseResult returns the last JSON object in out that carries a hash.
// Objects may span several lines.
func ParseResult(out []byte) (Result, error) {
	for end := len(out); end > 0; {
		i := bytes.LastIndexByte(out[:end], '{')
		if i < 0 {
			break
		}
		var res Result
		if err := json.NewDecoder(bytes.NewReader(out[i:])).Decode(&res); err == nil && res.Hash != "" {
			return res, nil
		}
		end = i
	}
	return Result{}, ErrNoResult
}
