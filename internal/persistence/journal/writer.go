// Package journal is the fire-and-forget event sink. Producers never
// block on it: events queue by priority and the lowest priority drops
// first when the buffers are full.
package journal

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
)

type Priority int

const (
	PriorityHigh Priority = iota
	PriorityLow
)

type Event struct {
	At      string `json:"at"`
	Tick    uint64 `json:"tick,omitempty"`
	Kind    string `json:"kind"`
	Payload any    `json:"payload,omitempty"`
}

type Writer struct {
	out *jsonlZstdWriter

	high chan Event
	low  chan Event

	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

func NewWriter(baseDir, prefix string) *Writer {
	w := &Writer{
		out:  newJSONLZstdWriter(baseDir, prefix),
		high: make(chan Event, 4096),
		low:  make(chan Event, 16384),
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	go w.loop()
	return w
}

// Publish enqueues an event without blocking. Reports whether the
// event was accepted; a full queue drops the event.
func (w *Writer) Publish(p Priority, tick uint64, kind string, payload any) bool {
	ev := Event{
		At:      time.Now().UTC().Format(time.RFC3339Nano),
		Tick:    tick,
		Kind:    kind,
		Payload: payload,
	}
	ch := w.low
	if p == PriorityHigh {
		ch = w.high
	}
	select {
	case ch <- ev:
		return true
	default:
		return false
	}
}

func (w *Writer) Close() error {
	w.closeOnce.Do(func() { close(w.stop) })
	<-w.done
	return w.out.Close()
}

// loop drains high-priority events ahead of low-priority ones.
func (w *Writer) loop() {
	defer close(w.done)
	for {
		select {
		case ev := <-w.high:
			w.write(ev)
			continue
		default:
		}
		select {
		case ev := <-w.high:
			w.write(ev)
		case ev := <-w.low:
			w.write(ev)
		case <-w.stop:
			w.drain()
			return
		}
	}
}

func (w *Writer) drain() {
	for {
		select {
		case ev := <-w.high:
			w.write(ev)
		default:
			for {
				select {
				case ev := <-w.low:
					w.write(ev)
				default:
					return
				}
			}
		}
	}
}

func (w *Writer) write(ev Event) {
	// Sink errors are swallowed: the journal is best-effort by
	// contract and must never stall the tick loop.
	_ = w.out.Write(ev)
}

// jsonlZstdWriter appends JSON lines to hourly-rotated zstd files.
type jsonlZstdWriter struct {
	baseDir string
	prefix  string

	mu      sync.Mutex
	curHour string
	f       *os.File
	enc     *zstd.Encoder
	w       *bufio.Writer
}

func newJSONLZstdWriter(baseDir, prefix string) *jsonlZstdWriter {
	return &jsonlZstdWriter{baseDir: baseDir, prefix: prefix}
}

func (w *jsonlZstdWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closeLocked()
}

func (w *jsonlZstdWriter) Write(v any) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	hour := time.Now().UTC().Format("2006-01-02-15")
	if hour != w.curHour {
		if err := w.rotateLocked(hour); err != nil {
			return err
		}
	}

	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if _, err := w.w.Write(b); err != nil {
		return err
	}
	if err := w.w.WriteByte('\n'); err != nil {
		return err
	}
	return w.w.Flush()
}

func (w *jsonlZstdWriter) rotateLocked(hour string) error {
	if err := w.closeLocked(); err != nil {
		return err
	}
	dir := filepath.Dir(w.pathForHour(hour))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(w.pathForHour(hour), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		_ = f.Close()
		return err
	}
	w.f = f
	w.enc = enc
	w.w = bufio.NewWriterSize(enc, 128*1024)
	w.curHour = hour
	return nil
}

func (w *jsonlZstdWriter) closeLocked() error {
	var err error
	if w.w != nil {
		_ = w.w.Flush()
	}
	if w.enc != nil {
		err = w.enc.Close()
		w.enc = nil
	}
	if w.f != nil {
		_ = w.f.Close()
		w.f = nil
	}
	w.w = nil
	w.curHour = ""
	return err
}

func (w *jsonlZstdWriter) pathForHour(hour string) string {
	name := fmt.Sprintf("%s-%s.jsonl.zst", w.prefix, hour)
	return filepath.Join(w.baseDir, name)
}
