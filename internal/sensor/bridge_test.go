package sensor

import (
	"encoding/binary"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"
)

// startFakeDriver attaches a bridge to an in-process driver. handle returns
// false to leave a request unanswered.
func startFakeDriver(t *testing.T, handle func(bridgeRequest) (bridgeResponse, bool)) *Bridge {
	t.Helper()

	reqR, reqW := io.Pipe()
	respR, respW := io.Pipe()

	b, err := NewBridge(BridgeConfig{Command: "fake-driver", RequestTimeout: 200 * time.Millisecond})
	require.NoError(t, err)
	b.attach(reqW, respR)

	go func() {
		lengthBuf := make([]byte, 4)
		for {
			if _, err := io.ReadFull(reqR, lengthBuf); err != nil {
				return
			}
			body := make([]byte, binary.BigEndian.Uint32(lengthBuf))
			if _, err := io.ReadFull(reqR, body); err != nil {
				return
			}
			var req bridgeRequest
			if err := msgpack.Unmarshal(body, &req); err != nil {
				return
			}
			resp, ok := handle(req)
			if !ok {
				continue
			}
			resp.Seq = req.Seq
			out, _ := msgpack.Marshal(resp)
			frame := make([]byte, 4+len(out))
			binary.BigEndian.PutUint32(frame, uint32(len(out)))
			copy(frame[4:], out)
			if _, err := respW.Write(frame); err != nil {
				return
			}
		}
	}()

	t.Cleanup(func() {
		respW.Close()
		reqR.Close()
		b.Close()
	})
	return b
}

func TestBridgeRoundTrip(t *testing.T) {
	var seen []bridgeRequest
	b := startFakeDriver(t, func(req bridgeRequest) (bridgeResponse, bool) {
		seen = append(seen, req)
		switch req.Op {
		case "search":
			return bridgeResponse{ID: 12, Confidence: 77}, true
		case "count":
			return bridgeResponse{Count: 3}, true
		case "info":
			return bridgeResponse{Capacity: 162, Count: 3}, true
		}
		return bridgeResponse{}, true
	})

	b.refreshInfo()
	assert.Equal(t, 162, b.Capacity())

	require.NoError(t, b.CaptureImage())
	require.NoError(t, b.ImageToTemplate(2))
	require.NoError(t, b.StoreModel(12))

	m, err := b.Search()
	require.NoError(t, err)
	assert.Equal(t, Match{ID: 12, Confidence: 77}, m)

	n, err := b.TemplateCount()
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	require.Len(t, seen, 6)
	assert.Equal(t, "convert", seen[2].Op)
	assert.Equal(t, 2, seen[2].Buffer)
	assert.Equal(t, 12, seen[3].Slot)
}

func TestBridgeMapsCodes(t *testing.T) {
	b := startFakeDriver(t, func(req bridgeRequest) (bridgeResponse, bool) {
		switch req.Op {
		case "capture":
			return bridgeResponse{Code: uint8(CodeNoFinger)}, true
		case "search":
			return bridgeResponse{Code: uint8(CodeNotFound)}, true
		case "build":
			return bridgeResponse{Code: uint8(CodeEnrollMismatch), Error: "templates differ"}, true
		}
		return bridgeResponse{}, true
	})

	assert.ErrorIs(t, b.CaptureImage(), ErrNoFinger)
	_, err := b.Search()
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, b.BuildModel(), ErrMismatch)
	assert.NoError(t, b.Reinit())
}

func TestBridgeTimeoutThenRecovers(t *testing.T) {
	b := startFakeDriver(t, func(req bridgeRequest) (bridgeResponse, bool) {
		if req.Op == "capture" {
			return bridgeResponse{}, false
		}
		return bridgeResponse{}, true
	})

	err := b.CaptureImage()
	require.Error(t, err)
	assert.Equal(t, CodeTimeout, CodeOf(err))

	assert.NoError(t, b.EmptyDatabase())

	requests, timeouts := b.Stats()
	assert.Equal(t, uint64(2), requests)
	assert.Equal(t, uint64(1), timeouts)
}

func TestBridgeOversizedFrameTakesLinkDown(t *testing.T) {
	reqR, reqW := io.Pipe()
	respR, respW := io.Pipe()

	b, err := NewBridge(BridgeConfig{Command: "fake-driver", RequestTimeout: time.Second})
	require.NoError(t, err)
	b.attach(reqW, respR)
	t.Cleanup(func() {
		respW.Close()
		reqR.Close()
		b.Close()
	})

	go func() {
		lengthBuf := make([]byte, 4)
		if _, err := io.ReadFull(reqR, lengthBuf); err != nil {
			return
		}
		io.CopyN(io.Discard, reqR, int64(binary.BigEndian.Uint32(lengthBuf)))
		binary.BigEndian.PutUint32(lengthBuf, 0xFFFFFFF0)
		respW.Write(lengthBuf)
	}()

	start := time.Now()
	assert.ErrorIs(t, b.CaptureImage(), errBridgeDown)
	assert.Less(t, time.Since(start), time.Second)
	assert.True(t, b.down())

	assert.ErrorIs(t, b.CaptureImage(), errBridgeDown)
}

func TestBridgeWriteTimeoutTakesLinkDown(t *testing.T) {
	// nobody reads requests, so the first write blocks
	reqR, reqW := io.Pipe()
	respR, respW := io.Pipe()

	b, err := NewBridge(BridgeConfig{Command: "fake-driver", RequestTimeout: 100 * time.Millisecond})
	require.NoError(t, err)
	b.attach(reqW, respR)
	t.Cleanup(func() {
		respW.Close()
		b.Close()
	})

	err = b.CaptureImage()
	require.Error(t, err)
	assert.Equal(t, CodeTimeout, CodeOf(err))
	assert.True(t, b.down())

	_, err = b.Search()
	assert.ErrorIs(t, err, errBridgeDown)

	// the stalled write was abandoned and nothing else reached the pipe
	data, err := io.ReadAll(reqR)
	require.NoError(t, err)
	assert.Empty(t, data)

	_, timeouts := b.Stats()
	assert.Equal(t, uint64(1), timeouts)
}

func TestNewBridgeRequiresCommand(t *testing.T) {
	_, err := NewBridge(BridgeConfig{})
	assert.Error(t, err)
}
