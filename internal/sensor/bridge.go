/*
SENSOR DRIVER BRIDGE

The sensor's serial protocol lives in an external driver process
(e.g. drivers/r30x_bridge.py --port /dev/serial0 --baud 57600). The bridge
spawns it and speaks a synchronous request/response protocol over its
stdin/stdout:

	frame    = length (4 bytes, big-endian) + msgpack body
	request  = {seq, op, buffer?, slot?}
	response = {seq, code, id?, confidence?, capacity?, count?, error?}

Ops: info, capture, convert, build, store, search, delete, empty, count, reinit.

Responses are read by a dedicated goroutine and matched by seq; a response
that arrives after its request timed out is discarded. Frames above
maxFrameSize, a write that times out, or the process exiting all take the
link down, and Reinit then respawns the driver. stderr is forwarded to slog.
*/

package sensor

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

// BridgeConfig contains configuration for the driver bridge
type BridgeConfig struct {
	Command         string
	Args            []string
	RequestTimeout  time.Duration
	DefaultCapacity int
}

type bridgeRequest struct {
	Seq    uint32 `msgpack:"seq"`
	Op     string `msgpack:"op"`
	Buffer int    `msgpack:"buffer,omitempty"`
	Slot   int    `msgpack:"slot,omitempty"`
}

type bridgeResponse struct {
	Seq        uint32 `msgpack:"seq"`
	Code       uint8  `msgpack:"code"`
	ID         int    `msgpack:"id,omitempty"`
	Confidence int    `msgpack:"confidence,omitempty"`
	Capacity   int    `msgpack:"capacity,omitempty"`
	Count      int    `msgpack:"count,omitempty"`
	Error      string `msgpack:"error,omitempty"`
}

// maxFrameSize bounds a single driver response
const maxFrameSize = 1 << 20

// errBridgeDown is returned while no driver process is attached.
var errBridgeDown = errors.New("sensor bridge not running")

// Bridge drives a sensor through an external driver process
type Bridge struct {
	cfg BridgeConfig

	ctx    context.Context
	cancel context.CancelFunc

	// guarded by mu; replaced on respawn
	mu        sync.Mutex
	cmd       *exec.Cmd
	stdin     io.WriteCloser
	responses chan bridgeResponse
	exited    chan struct{}

	// one exchange at a time; a wedged write must not interleave frames
	callMu sync.Mutex

	wg       sync.WaitGroup
	seq      uint32
	capacity atomic.Int64
	requests atomic.Uint64
	timeouts atomic.Uint64
}

// NewBridge creates a bridge. Start spawns the driver.
func NewBridge(cfg BridgeConfig) (*Bridge, error) {
	if cfg.Command == "" {
		return nil, fmt.Errorf("sensor.command is required for the bridge sensor")
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 2 * time.Second
	}
	if cfg.DefaultCapacity <= 0 {
		cfg.DefaultCapacity = 300
	}
	b := &Bridge{cfg: cfg}
	b.capacity.Store(int64(cfg.DefaultCapacity))
	return b, nil
}

// Start spawns the driver process and reads the sensor parameters
func (b *Bridge) Start(ctx context.Context) error {
	b.ctx, b.cancel = context.WithCancel(ctx)

	if err := b.spawn(); err != nil {
		return fmt.Errorf("failed to spawn sensor driver: %w", err)
	}
	b.refreshInfo()
	return nil
}

// spawn starts the driver subprocess and attaches its pipes
func (b *Bridge) spawn() error {
	cmd := exec.CommandContext(b.ctx, b.cfg.Command, b.cfg.Args...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start driver process: %w", err)
	}

	slog.Info("sensor driver spawned",
		"command", b.cfg.Command,
		"pid", cmd.Process.Pid,
	)

	b.mu.Lock()
	old := b.cmd
	b.cmd = cmd
	b.mu.Unlock()
	if old != nil {
		// a driver that stopped answering may still be running
		_ = old.Process.Kill()
	}

	b.attach(stdin, stdout)

	b.wg.Add(1)
	go b.logStderr(bufio.NewReader(stderr))

	b.wg.Add(1)
	go b.waitProcess(cmd)

	return nil
}

// attach wires a driver connection. Split from spawn so tests can use pipes.
func (b *Bridge) attach(w io.WriteCloser, r io.Reader) {
	responses := make(chan bridgeResponse, 4)
	exited := make(chan struct{})

	b.mu.Lock()
	old := b.stdin
	b.stdin = w
	b.responses = responses
	b.exited = exited
	b.mu.Unlock()
	if old != nil {
		old.Close()
	}

	b.wg.Add(1)
	go b.readResponses(r, responses, exited)
}

// readResponses decodes length-prefixed msgpack frames from the driver
func (b *Bridge) readResponses(r io.Reader, out chan<- bridgeResponse, exited chan struct{}) {
	defer b.wg.Done()
	defer close(exited)

	lengthBuf := make([]byte, 4)
	for {
		if _, err := io.ReadFull(r, lengthBuf); err != nil {
			if err == io.EOF {
				slog.Debug("sensor driver stdout closed (EOF)")
			} else {
				slog.Error("failed to read length prefix from sensor driver", "error", err)
			}
			return
		}

		n := binary.BigEndian.Uint32(lengthBuf)
		if n > maxFrameSize {
			slog.Error("oversized frame from sensor driver, dropping link",
				"length", n,
				"max", maxFrameSize,
			)
			return
		}

		body := make([]byte, n)
		if _, err := io.ReadFull(r, body); err != nil {
			slog.Error("failed to read frame from sensor driver",
				"error", err,
				"expected_length", len(body),
			)
			return
		}

		var resp bridgeResponse
		if err := msgpack.Unmarshal(body, &resp); err != nil {
			slog.Error("failed to unmarshal sensor driver response",
				"error", err,
				"data_length", len(body),
			)
			continue
		}

		select {
		case out <- resp:
		default:
			slog.Warn("dropping unsolicited sensor driver response", "seq", resp.Seq)
		}
	}
}

// logStderr forwards driver diagnostics to the log
func (b *Bridge) logStderr(r *bufio.Reader) {
	defer b.wg.Done()
	for {
		line, err := r.ReadString('\n')
		if len(line) > 0 {
			slog.Debug("sensor driver", "stderr", line)
		}
		if err != nil {
			return
		}
	}
}

// waitProcess reaps the driver process
func (b *Bridge) waitProcess(cmd *exec.Cmd) {
	defer b.wg.Done()
	err := cmd.Wait()
	if b.ctx.Err() == nil {
		slog.Warn("sensor driver exited", "error", err, "action", "will respawn on next reinit")
	}
}

// call performs one synchronous request/response exchange
func (b *Bridge) call(req bridgeRequest) (bridgeResponse, error) {
	b.callMu.Lock()
	defer b.callMu.Unlock()

	b.mu.Lock()
	stdin, responses, exited := b.stdin, b.responses, b.exited
	b.mu.Unlock()

	if stdin == nil {
		return bridgeResponse{}, errBridgeDown
	}
	select {
	case <-exited:
		return bridgeResponse{}, errBridgeDown
	default:
	}

	b.seq++
	req.Seq = b.seq
	b.requests.Add(1)

	body, err := msgpack.Marshal(req)
	if err != nil {
		return bridgeResponse{}, fmt.Errorf("failed to marshal msgpack request: %w", err)
	}
	frame := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(frame, uint32(len(body)))
	copy(frame[4:], body)

	writeErr := make(chan error, 1)
	go func() {
		_, err := stdin.Write(frame)
		writeErr <- err
	}()

	timeout := time.NewTimer(b.cfg.RequestTimeout)
	defer timeout.Stop()

	select {
	case err := <-writeErr:
		if err != nil {
			return bridgeResponse{}, fmt.Errorf("failed to write to sensor driver: %w", err)
		}
	case <-timeout.C:
		b.timeouts.Add(1)
		slog.Warn("write to sensor driver timed out, dropping link", "op", req.Op)
		b.detach(stdin)
		return bridgeResponse{}, &Error{Op: req.Op, Code: CodeTimeout}
	}

	for {
		select {
		case resp := <-responses:
			if resp.Seq != req.Seq {
				slog.Debug("discarding stale sensor driver response", "seq", resp.Seq, "want", req.Seq)
				continue
			}
			if resp.Error != "" {
				slog.Debug("sensor driver reported", "op", req.Op, "code", resp.Code, "detail", resp.Error)
			}
			return resp, nil
		case <-exited:
			return bridgeResponse{}, errBridgeDown
		case <-timeout.C:
			b.timeouts.Add(1)
			return bridgeResponse{}, &Error{Op: req.Op, Code: CodeTimeout}
		}
	}
}

// detach drops a wedged connection. Closing stdin unblocks the pending write.
func (b *Bridge) detach(stdin io.WriteCloser) {
	b.mu.Lock()
	if b.stdin == stdin {
		b.stdin = nil
	}
	b.mu.Unlock()
	stdin.Close()
}

// down reports whether no usable driver connection is attached
func (b *Bridge) down() bool {
	b.mu.Lock()
	stdin, exited := b.stdin, b.exited
	b.mu.Unlock()

	if stdin == nil || exited == nil {
		return true
	}
	select {
	case <-exited:
		return true
	default:
		return false
	}
}

// do runs op and converts the confirmation code into an error
func (b *Bridge) do(req bridgeRequest) (bridgeResponse, error) {
	resp, err := b.call(req)
	if err != nil {
		return resp, err
	}
	return resp, fail(req.Op, Code(resp.Code))
}

// refreshInfo updates the cached capacity from the driver
func (b *Bridge) refreshInfo() {
	resp, err := b.do(bridgeRequest{Op: "info"})
	if err != nil {
		slog.Warn("failed to read sensor parameters, using default capacity",
			"error", err,
			"capacity", b.cfg.DefaultCapacity,
		)
		return
	}
	if resp.Capacity > 0 {
		b.capacity.Store(int64(resp.Capacity))
	}
	slog.Info("sensor parameters read", "capacity", resp.Capacity, "stored", resp.Count)
}

func (b *Bridge) CaptureImage() error {
	_, err := b.do(bridgeRequest{Op: "capture"})
	return err
}

func (b *Bridge) ImageToTemplate(buffer int) error {
	_, err := b.do(bridgeRequest{Op: "convert", Buffer: buffer})
	return err
}

func (b *Bridge) BuildModel() error {
	_, err := b.do(bridgeRequest{Op: "build"})
	return err
}

func (b *Bridge) StoreModel(slot int) error {
	_, err := b.do(bridgeRequest{Op: "store", Slot: slot})
	return err
}

func (b *Bridge) Search() (Match, error) {
	resp, err := b.do(bridgeRequest{Op: "search"})
	if err != nil {
		return Match{}, err
	}
	return Match{ID: resp.ID, Confidence: resp.Confidence}, nil
}

func (b *Bridge) DeleteModel(slot int) error {
	_, err := b.do(bridgeRequest{Op: "delete", Slot: slot})
	return err
}

func (b *Bridge) EmptyDatabase() error {
	_, err := b.do(bridgeRequest{Op: "empty"})
	return err
}

func (b *Bridge) Capacity() int {
	return int(b.capacity.Load())
}

func (b *Bridge) TemplateCount() (int, error) {
	resp, err := b.do(bridgeRequest{Op: "count"})
	if err != nil {
		return 0, err
	}
	return resp.Count, nil
}

// Reinit asks the driver to reopen the sensor link, respawning the driver
// if it has exited.
func (b *Bridge) Reinit() error {
	b.mu.Lock()
	hasProcess := b.cmd != nil
	b.mu.Unlock()

	if b.down() && hasProcess && b.ctx != nil && b.ctx.Err() == nil {
		slog.Info("respawning sensor driver")
		if err := b.spawn(); err != nil {
			return fmt.Errorf("failed to respawn sensor driver: %w", err)
		}
		b.refreshInfo()
		return nil
	}

	_, err := b.do(bridgeRequest{Op: "reinit"})
	return err
}

// Stats returns request counters
func (b *Bridge) Stats() (requests, timeouts uint64) {
	return b.requests.Load(), b.timeouts.Load()
}

// Close stops the driver process and waits for the helper goroutines
func (b *Bridge) Close() error {
	if b.cancel != nil {
		b.cancel()
	}
	b.mu.Lock()
	stdin := b.stdin
	b.stdin = nil
	b.mu.Unlock()
	if stdin != nil {
		stdin.Close()
	}

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		slog.Warn("sensor driver did not stop in time")
	}
	return nil
}
