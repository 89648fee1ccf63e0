package chunk

import (
	"fmt"
	"io"
	"time"

	"github.com/iidesho/flyt/bcts"
)

// Chunk describes one append-only segment in a repo. The events file holds
// framed records, the sidecar meta file holds this descriptor. End is zero
// and Finalized false while the recorder is still appending.
type Chunk struct {
	Ordinal   uint64
	Path      string
	Start     time.Time
	End       time.Time
	Finalized bool
	Size      int64
}

const metaVersion = uint8(0)

func (c Chunk) writeMeta(w io.Writer) (err error) {
	err = bcts.WriteUInt8(w, metaVersion)
	if err != nil {
		return
	}
	err = bcts.WriteUInt64(w, c.Ordinal)
	if err != nil {
		return
	}
	err = bcts.WriteTime(w, c.Start)
	if err != nil {
		return
	}
	err = bcts.WriteTime(w, c.End)
	if err != nil {
		return
	}
	return bcts.WriteBool(w, c.Finalized)
}

func (c *Chunk) readMeta(r io.Reader) (err error) {
	var v uint8
	err = bcts.ReadUInt8(r, &v)
	if err != nil {
		return
	}
	if v != metaVersion {
		return fmt.Errorf("invalid chunk meta version, %s=%d, %s=%d", "expected", metaVersion, "got", v)
	}
	err = bcts.ReadUInt64(r, &c.Ordinal)
	if err != nil {
		return
	}
	err = bcts.ReadTime(r, &c.Start)
	if err != nil {
		return
	}
	err = bcts.ReadTime(r, &c.End)
	if err != nil {
		return
	}
	return bcts.ReadBool(r, &c.Finalized)
}
