package transfer

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/klauspost/compress/flate"

	"mpyhost/command"
	"mpyhost/errs"
	"mpyhost/repl"
)

// ProgressFunc reports transferred/total byte counts, fired after each
// chunk of the file currently in flight. No rendering; that's the
// caller's job.
type ProgressFunc func(transferred, total int64)

// CompressMode selects whether a file's chunks are compression candidates.
type CompressMode int

const (
	CompressAuto CompressMode = iota
	CompressForce
	CompressDisable
)

// FileSpec names one local/remote path pair the skip phase should check.
type FileSpec struct {
	LocalPath  string
	RemotePath string
}

// PlanItem is one file's outcome from the skip phase.
type PlanItem struct {
	FileSpec
	Size int64
	Skip bool
}

// Plan is the skip phase's result, kept separate from Result so a caller
// (or a test) can inspect "N to transfer, M skipped" before any bytes move.
type Plan struct {
	Items []PlanItem
}

// ToTransfer returns the subset of Items that aren't skipped.
func (p Plan) ToTransfer() []PlanItem {
	var out []PlanItem
	for _, it := range p.Items {
		if !it.Skip {
			out = append(out, it)
		}
	}
	return out
}

// Transferred and Skipped report the plan's shape without forcing the
// caller to filter Items by hand.
func (p Plan) Transferred() int { return len(p.ToTransfer()) }
func (p Plan) Skipped() int     { return len(p.Items) - p.Transferred() }

// Result is the outcome of running a transfer: how many files moved, how
// many were skipped, how many wire bytes were actually sent (after
// compression), and which wire encodings were used.
type Result struct {
	Transferred int
	Skipped     int
	WireBytes   int64
	Encodings   map[byte]bool
}

// Pipeline owns no state of its own beyond a Commands handle and a way to
// read the device's current capabilities (populated by the platform
// probe and cached on the REPL engine).
type Pipeline struct {
	cmds         *command.Commands
	Capabilities func() repl.Capabilities
	Timeout      time.Duration

	// ForcedChunkSize overrides auto-sizing (the session's chunk_size
	// option) when non-zero.
	ForcedChunkSize int
}

// New wires a Pipeline over cmds. capsFn is typically engine.Capabilities.
func New(cmds *command.Commands, capsFn func() repl.Capabilities, timeout time.Duration) *Pipeline {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &Pipeline{cmds: cmds, Capabilities: capsFn, Timeout: timeout}
}

func (p *Pipeline) chunkSize() int {
	if p.ForcedChunkSize > 0 {
		return p.ForcedChunkSize
	}
	return ChooseChunkSize(p.Capabilities().FreeRAM)
}

// Plan runs the skip phase: a single batched fileinfo request against
// every file's expected size, followed by a per-file SHA-256 comparison
// for anything whose size already matches.
func (p *Pipeline) Plan(files []FileSpec) (Plan, error) {
	expected := make(map[string]int64, len(files))
	hashes := make(map[string][]byte, len(files))
	sizes := make(map[string]int64, len(files))
	for _, f := range files {
		h, size, err := localHash(f.LocalPath)
		if err != nil {
			return Plan{}, err
		}
		expected[f.RemotePath] = size
		hashes[f.RemotePath] = h
		sizes[f.RemotePath] = size
	}

	statuses, err := p.cmds.FileInfo(expected, p.Timeout)
	if err != nil {
		return Plan{}, err
	}

	plan := Plan{Items: make([]PlanItem, 0, len(files))}
	for _, f := range files {
		st := statuses[f.RemotePath]
		skip := !st.Missing && st.Size == sizes[f.RemotePath] && bytes.Equal(st.Hash, hashes[f.RemotePath])
		plan.Items = append(plan.Items, PlanItem{FileSpec: f, Size: sizes[f.RemotePath], Skip: skip})
	}
	return plan, nil
}

// PlanAll marks every file for transfer without consulting the device:
// the force path, which bypasses the skip phase entirely (no fileinfo
// round trip, no hashing).
func PlanAll(files []FileSpec) (Plan, error) {
	plan := Plan{Items: make([]PlanItem, 0, len(files))}
	for _, f := range files {
		st, err := os.Stat(f.LocalPath)
		if err != nil {
			return Plan{}, err
		}
		plan.Items = append(plan.Items, PlanItem{FileSpec: f, Size: st.Size()})
	}
	return plan, nil
}

func localHash(path string) ([]byte, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, err
	}
	defer f.Close()
	h := sha256.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return nil, 0, err
	}
	return h.Sum(nil), n, nil
}

// TransferPlan runs the transfer phase for every non-skipped item of plan.
func (p *Pipeline) TransferPlan(plan Plan, mode CompressMode, progress ProgressFunc) (Result, error) {
	result := Result{Skipped: plan.Skipped(), Encodings: map[byte]bool{}}
	for _, item := range plan.ToTransfer() {
		wire, err := p.putFile(item.LocalPath, item.RemotePath, mode, progress, result.Encodings)
		if err != nil {
			return result, fmt.Errorf("transfer %s: %w", item.RemotePath, err)
		}
		result.WireBytes += wire
		result.Transferred++
	}
	return result, nil
}

// Put uploads a single local file to remotePath, independent of the skip
// phase (used for one-off uploads, e.g. a put followed immediately by
// exec). A put that fails part-way leaves a truncated file on the device;
// rerunning it rewrites from the first chunk.
func (p *Pipeline) Put(localPath, remotePath string, mode CompressMode, progress ProgressFunc) (Result, error) {
	result := Result{Encodings: map[byte]bool{}}
	wire, err := p.putFile(localPath, remotePath, mode, progress, result.Encodings)
	if err != nil {
		return result, err
	}
	result.Transferred = 1
	result.WireBytes = wire
	return result, nil
}

func (p *Pipeline) putFile(localPath, remotePath string, mode CompressMode, progress ProgressFunc, encodings map[byte]bool) (int64, error) {
	data, err := os.ReadFile(localPath)
	if err != nil {
		return 0, err
	}
	caps := p.Capabilities()
	if mode == CompressForce && !caps.HasDeflate {
		return 0, &errs.CompressionUnavailableError{}
	}
	size := len(data)
	chunk := p.chunkSize()
	var wire int64
	for offset := 0; offset == 0 || offset < size; offset += chunk {
		end := offset + chunk
		if end > size {
			end = size
		}
		piece := data[offset:end]
		create := offset == 0

		tag, payload := p.encodeForPut(piece, mode, caps)
		encodings[tag] = true
		wire += int64(len(payload))

		if tag == byte(tagCompressed) {
			if err := p.cmds.PutChunkDeflate(remotePath, int64(offset), payload, create, p.Timeout); err != nil {
				return wire, err
			}
		} else {
			if err := p.cmds.PutChunk(remotePath, int64(offset), payload, create, p.Timeout); err != nil {
				return wire, err
			}
		}
		if progress != nil {
			progress(int64(end), int64(size))
		}
		if size == 0 {
			break
		}
	}
	return wire, nil
}

func (p *Pipeline) encodeForPut(piece []byte, mode CompressMode, caps repl.Capabilities) (byte, []byte) {
	if mode == CompressDisable || !caps.HasDeflate {
		return byte(tagRaw), piece
	}
	if mode == CompressAuto && !looksCompressible(piece) {
		return byte(tagRaw), piece
	}
	compressed, err := deflateRaw(piece)
	if err != nil || !shouldCompress(piece, compressed) {
		return byte(tagRaw), piece
	}
	return byte(tagCompressed), compressed
}

// Get downloads remotePath to localPath in chunks, mirroring Put's
// compression contract: CompressDisable always reads raw chunks,
// CompressForce fails without device deflate, and auto compresses on the
// wire whenever the device can.
func (p *Pipeline) Get(remotePath, localPath string, mode CompressMode, progress ProgressFunc) (int64, error) {
	caps := p.Capabilities()
	if mode == CompressForce && !caps.HasDeflate {
		return 0, &errs.CompressionUnavailableError{}
	}
	size, _, err := p.statSize(remotePath)
	if err != nil {
		return 0, err
	}
	out, err := os.Create(localPath)
	if err != nil {
		return 0, err
	}
	defer out.Close()

	viaDeflate := mode != CompressDisable && caps.HasDeflate
	chunk := int64(p.chunkSize())
	var total int64
	for offset := int64(0); offset == 0 || offset < size; offset += chunk {
		length := chunk
		if offset+length > size {
			length = size - offset
		}
		var piece []byte
		if viaDeflate {
			compressed, err := p.cmds.GetChunkDeflate(remotePath, offset, length, p.Timeout)
			if err != nil {
				return total, err
			}
			piece, err = inflateRaw(compressed)
			if err != nil {
				return total, err
			}
		} else {
			piece, err = p.cmds.GetChunk(remotePath, offset, length, p.Timeout)
			if err != nil {
				return total, err
			}
		}
		if _, err := out.Write(piece); err != nil {
			return total, err
		}
		total += int64(len(piece))
		if progress != nil {
			progress(total, size)
		}
		if size == 0 {
			break
		}
	}
	return total, nil
}

func (p *Pipeline) statSize(remotePath string) (int64, bool, error) {
	size, isDir, err := p.cmds.Stat(remotePath, p.Timeout)
	if err != nil {
		var pe *errs.PathError
		if errors.As(err, &pe) {
			return 0, false, &errs.PathError{Op: "get", Path: remotePath, Kind: errs.FileNotFound}
		}
		return 0, false, err
	}
	if isDir {
		return 0, true, &errs.PathError{Op: "get", Path: remotePath, Kind: errs.DirNotFound}
	}
	return size, false, nil
}

func deflateRaw(b []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := flate.NewWriter(&buf, flate.DefaultCompression)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(b); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func inflateRaw(b []byte) ([]byte, error) {
	r := flate.NewReader(bytes.NewReader(b))
	defer r.Close()
	return io.ReadAll(r)
}
