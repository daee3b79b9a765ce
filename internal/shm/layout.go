package shm

import (
	"bytes"
	"encoding/binary"
	"math"
	"time"

	"github.com/dj-oyu/zm-aidect/pkg/types"
)

// Struct sizes of the host's mmap layout; a mismatch means an incompatible host version
const (
	SharedDataSize     = 760
	TriggerDataSize    = 560
	VideoStoreDataSize = 4128
	timevalSize        = 16
	imageAlignment     = 64

	lastWriteIndexOffset = 4

	triggerOffset    = SharedDataSize
	videoStoreOffset = triggerOffset + TriggerDataSize
	timestampsOffset = videoStoreOffset + VideoStoreDataSize

	triggerCauseLen = 32
	triggerTextLen  = 256
)

// TriggerState values of the trigger block
const (
	TriggerCancel uint32 = iota
	TriggerOn
	TriggerOff
)

var le = binary.LittleEndian

// SharedData is the decoded MonitorSharedData block
type SharedData struct {
	Size           uint32
	LastWriteIndex int32
	LastReadIndex  int32
	State          types.HostState
	CaptureFPS     float64
	AnalysisFPS    float64
	LastEventID    uint64
	Action         uint32
	Valid          bool
	Active         bool
	Signal         bool
	Format         types.PixelFormat
	ImageSize      uint32
	LastFrameScore uint32
	StartupTime    time.Time
	Heartbeat      time.Time
	LastWriteTime  time.Time
	LastReadTime   time.Time
	AlarmCause     string
}

func decodeSharedData(b []byte) SharedData {
	return SharedData{
		Size:           le.Uint32(b[0:]),
		LastWriteIndex: int32(le.Uint32(b[4:])),
		LastReadIndex:  int32(le.Uint32(b[8:])),
		State:          types.HostState(le.Uint32(b[12:])),
		CaptureFPS:     math.Float64frombits(le.Uint64(b[16:])),
		AnalysisFPS:    math.Float64frombits(le.Uint64(b[24:])),
		LastEventID:    le.Uint64(b[32:]),
		Action:         le.Uint32(b[40:]),
		Valid:          b[68] != 0,
		Active:         b[69] != 0,
		Signal:         b[70] != 0,
		Format:         types.PixelFormat(b[71]),
		ImageSize:      le.Uint32(b[72:]),
		LastFrameScore: le.Uint32(b[76:]),
		StartupTime:    unixTime(b[88:]),
		Heartbeat:      unixTime(b[96:]),
		LastWriteTime:  unixTime(b[104:]),
		LastReadTime:   unixTime(b[112:]),
		AlarmCause:     cString(b[376:632]),
	}
}

// TriggerData is the decoded MonitorTriggerData block
type TriggerData struct {
	Size     uint32
	State    uint32
	Score    uint32
	Cause    string
	Text     string
	ShowText string
}

func decodeTriggerData(b []byte) TriggerData {
	return TriggerData{
		Size:     le.Uint32(b[0:]),
		State:    le.Uint32(b[4:]),
		Score:    le.Uint32(b[8:]),
		Cause:    cString(b[16:48]),
		Text:     cString(b[48:304]),
		ShowText: cString(b[304:560]),
	}
}

func (t TriggerData) encode() []byte {
	b := make([]byte, TriggerDataSize)
	le.PutUint32(b[0:], t.Size)
	le.PutUint32(b[4:], t.State)
	le.PutUint32(b[8:], t.Score)
	putCString(b[16:48], t.Cause)
	putCString(b[48:304], t.Text)
	putCString(b[304:560], t.ShowText)
	return b
}

// imagesOffset returns where image slot 0 starts for a buffer of count images.
// The host always pads, even when already aligned.
func imagesOffset(count int) int64 {
	off := int64(timestampsOffset + count*timevalSize)
	return off + imageAlignment - off%imageAlignment
}

func timestampOffset(index int32) int64 {
	return int64(timestampsOffset) + int64(index)*timevalSize
}

// decodeTimeval returns a timeval as microseconds since the epoch
func decodeTimeval(b []byte) int64 {
	sec := int64(le.Uint64(b[0:]))
	usec := int64(le.Uint64(b[8:]))
	return sec*1_000_000 + usec
}

func unixTime(b []byte) time.Time {
	sec := int64(le.Uint64(b))
	if sec == 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0)
}

func cString(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}

// putCString copies s into b, truncating so a terminating NUL always fits
func putCString(b []byte, s string) {
	clear(b)
	if len(s) > len(b)-1 {
		s = s[:len(b)-1]
	}
	copy(b, s)
}
