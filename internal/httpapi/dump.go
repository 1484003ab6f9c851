package httpapi

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"gatewayd/internal/common/fsutil"
)

// Dumper writes per-request dump files into a configured directory. A nil
// *Dumper is valid and does nothing, so handlers can call it unconditionally.
type Dumper struct {
	dir string
	seq atomic.Uint64
	log zerolog.Logger
}

// NewDumper prepares the dump directory, optionally purging dumps from
// previous runs.
func NewDumper(dir string, purge bool, log zerolog.Logger) (*Dumper, error) {
	if err := fsutil.EnsureDir(dir); err != nil {
		return nil, err
	}
	if purge {
		n, err := fsutil.RemoveBySuffix(dir, ".req.json", ".resp.json")
		if err != nil {
			return nil, err
		}
		if n > 0 {
			log.Info().Int("removed", n).Str("dir", dir).Msg("purged previous request dumps")
		}
	}
	return &Dumper{dir: dir, log: log}, nil
}

// Begin opens a dump entry for one request. Safe on a nil Dumper.
func (d *Dumper) Begin(model string) *DumpEntry {
	if d == nil {
		return nil
	}
	seq := d.seq.Add(1)
	base := fmt.Sprintf("%s-%04d", time.Now().Format("2006-01-02_15-04-05"), seq)
	return &DumpEntry{d: d, base: base, model: model}
}

// DumpEntry accumulates the request and response of one inference call.
// All methods are safe on a nil entry; failures are logged, never fatal.
type DumpEntry struct {
	d     *Dumper
	base  string
	model string
	resp  *os.File
}

// Request writes the parsed request body as <base>.req.json.
func (e *DumpEntry) Request(body map[string]any) {
	if e == nil {
		return
	}
	b, err := json.MarshalIndent(body, "", "  ")
	if err != nil {
		e.d.log.Error().Err(err).Msg("marshal request dump")
		return
	}
	path := filepath.Join(e.d.dir, e.base+".req.json")
	if err := os.WriteFile(path, append(b, '\n'), 0o644); err != nil {
		e.d.log.Error().Err(err).Str("path", path).Msg("write request dump")
	}
}

// Response writes a buffered response body as <base>.resp.json.
func (e *DumpEntry) Response(body map[string]any) {
	if e == nil {
		return
	}
	b, err := json.MarshalIndent(body, "", "  ")
	if err != nil {
		e.d.log.Error().Err(err).Msg("marshal response dump")
		return
	}
	e.write(append(b, '\n'))
}

// ResponseChunk appends streamed response bytes to <base>.resp.json,
// incrementally so a crash mid-stream loses nothing already received.
func (e *DumpEntry) ResponseChunk(chunk []byte) {
	if e == nil {
		return
	}
	e.write(chunk)
}

func (e *DumpEntry) write(b []byte) {
	if e.resp == nil {
		path := filepath.Join(e.d.dir, e.base+".resp.json")
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			e.d.log.Error().Err(err).Str("path", path).Msg("create response dump")
			return
		}
		e.resp = f
	}
	if _, err := e.resp.Write(b); err != nil {
		e.d.log.Error().Err(err).Msg("write response dump")
	}
}

// Close releases the response file, if any. Safe on a nil entry.
func (e *DumpEntry) Close() {
	if e == nil || e.resp == nil {
		return
	}
	_ = e.resp.Close()
	e.resp = nil
}
