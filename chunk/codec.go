package chunk

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"hash/crc32"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/iidesho/flyt/bcts"
)

var json = jsoniter.ConfigDefault

// Frame: magic, version, body length (u32 LE), body, crc32c of body.
// Body: name, timestamp, duration, payload, all bcts encoded. The magic byte
// doubles as the resync marker when a frame is corrupt.
const (
	recordMagic   = byte(0xFC)
	recordVersion = byte(0x00)
	frameHeadLen  = 1 + 1 + 4
	frameTailLen  = 4
	// MaxRecordLen bounds a single record body so a corrupted length field
	// cannot starve the reader waiting for bytes that will never come.
	MaxRecordLen = 1 << 26
)

var (
	ErrShortRecord = errors.New("record is incomplete, need more bytes")
	ErrMalformed   = errors.New("record is malformed")
)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// Record is a single decoded event. Immutable once produced, payloads are by
// convention JSON documents.
type Record struct {
	Name      string
	Timestamp time.Time
	Duration  time.Duration
	Payload   []byte
}

func (rec Record) Unmarshal(v any) error {
	return json.Unmarshal(rec.Payload, v)
}

func (rec Record) writeBody(w *bufio.Writer) (err error) {
	err = bcts.WriteSmallString(w, rec.Name)
	if err != nil {
		return
	}
	err = bcts.WriteTime(w, rec.Timestamp)
	if err != nil {
		return
	}
	err = bcts.WriteInt64(w, int64(rec.Duration))
	if err != nil {
		return
	}
	err = bcts.WriteBytes(w, rec.Payload)
	if err != nil {
		return
	}
	return w.Flush()
}

func (rec *Record) readBody(r *bytes.Reader) (err error) {
	err = bcts.ReadSmallString(r, &rec.Name)
	if err != nil {
		return
	}
	err = bcts.ReadTime(r, &rec.Timestamp)
	if err != nil {
		return
	}
	var dur int64
	err = bcts.ReadInt64(r, &dur)
	if err != nil {
		return
	}
	rec.Duration = time.Duration(dur)
	var payload []byte
	err = bcts.ReadBytes(r, &payload)
	if err != nil {
		return
	}
	rec.Payload = payload
	return
}

// Encode frames a record for appending to a chunk's events file.
func Encode(rec Record) ([]byte, error) {
	body := bytes.NewBuffer([]byte{})
	bw := bufio.NewWriter(body)
	err := rec.writeBody(bw)
	if err != nil {
		return nil, err
	}
	bb := body.Bytes()
	if len(bb) > MaxRecordLen {
		return nil, ErrMalformed
	}
	out := make([]byte, 0, frameHeadLen+len(bb)+frameTailLen)
	out = append(out, recordMagic, recordVersion)
	out = binary.LittleEndian.AppendUint32(out, uint32(len(bb)))
	out = append(out, bb...)
	out = binary.LittleEndian.AppendUint32(out, crc32.Checksum(bb, castagnoli))
	return out, nil
}

// Decode reads one record from the start of b. It returns the record and the
// number of bytes consumed, ErrShortRecord when b holds a prefix of a valid
// frame, or ErrMalformed when b cannot start a valid frame.
func Decode(b []byte) (rec Record, n int, err error) {
	if len(b) < frameHeadLen {
		err = ErrShortRecord
		return
	}
	if b[0] != recordMagic {
		err = ErrMalformed
		return
	}
	if b[1] != recordVersion {
		err = ErrMalformed
		return
	}
	bl := int(binary.LittleEndian.Uint32(b[2:frameHeadLen]))
	if bl > MaxRecordLen {
		err = ErrMalformed
		return
	}
	n = frameHeadLen + bl + frameTailLen
	if len(b) < n {
		n = 0
		err = ErrShortRecord
		return
	}
	body := b[frameHeadLen : frameHeadLen+bl]
	crc := binary.LittleEndian.Uint32(b[frameHeadLen+bl : n])
	if crc32.Checksum(body, castagnoli) != crc {
		n = 0
		err = ErrMalformed
		return
	}
	err = rec.readBody(bytes.NewReader(body))
	if err != nil {
		n = 0
		err = ErrMalformed
		return
	}
	return
}

// Resync finds the next possible frame boundary after a malformed record.
// Returns the offset of the first magic byte at index >= 1, or -1 if none.
func Resync(b []byte) int {
	if len(b) < 2 {
		return -1
	}
	i := bytes.IndexByte(b[1:], recordMagic)
	if i < 0 {
		return -1
	}
	return i + 1
}
