package bcts

import (
	"encoding/binary"
	"fmt"
	"io"
	"time"
)

const (
	maxUint8  = ^uint8(0)
	maxUint16 = ^uint16(0)
	maxUint32 = ^uint32(0)
)

func WriteInt64[T ~int64](w io.Writer, i T) error {
	return binary.Write(w, binary.LittleEndian, i)
}

func WriteUInt64[T ~uint64](w io.Writer, i T) error {
	return binary.Write(w, binary.LittleEndian, i)
}

func WriteUInt32[T ~uint32](w io.Writer, i T) error {
	return binary.Write(w, binary.LittleEndian, i)
}

func WriteUInt16[T ~uint16](w io.Writer, i T) error {
	return binary.Write(w, binary.LittleEndian, i)
}

func WriteUInt8[T ~uint8](w io.Writer, i T) error {
	return binary.Write(w, binary.LittleEndian, i)
}

func WriteBool(w io.Writer, b bool) error {
	if b {
		return WriteUInt8(w, uint8(1))
	}
	return WriteUInt8(w, uint8(0))
}

func WriteTinyString[T ~string](w io.Writer, s T) error {
	l := len(s)
	if l > int(maxUint8) {
		return fmt.Errorf("string is longer than max length of a tiny string")
	}
	err := WriteUInt8(w, uint8(l))
	if err != nil {
		return err
	}
	if l == 0 {
		return nil
	}
	return writeAll(w, []byte(s))
}

func WriteSmallString[T ~string](w io.Writer, s T) error {
	l := len(s)
	if l > int(maxUint16) {
		return fmt.Errorf("string is longer than max length of a small string")
	}
	err := WriteUInt16(w, uint16(l))
	if err != nil {
		return err
	}
	if l == 0 {
		return nil
	}
	return writeAll(w, []byte(s))
}

func WriteBytes(w io.Writer, b []byte) error {
	l := len(b)
	if l > int(maxUint32) {
		return fmt.Errorf("byte slice is longer than max length of a byte slice")
	}
	err := WriteUInt32(w, uint32(l))
	if err != nil {
		return err
	}
	if l == 0 {
		return nil
	}
	return writeAll(w, b)
}

func WriteStaticBytes(w io.Writer, b []byte) error {
	return writeAll(w, b)
}

func WriteTime(w io.Writer, t time.Time) error {
	return WriteInt64(w, t.UTC().UnixNano())
}

func writeAll(w io.Writer, b []byte) error {
	written := 0
	for written < len(b) {
		n, err := w.Write(b[written:])
		if err != nil {
			return err
		}
		written += n
	}
	return nil
}
