package bcts

import (
	"bufio"
	"bytes"
	"io"
)

type Writer interface {
	WriteBytes(io.Writer) error
}

type Reader[T any] interface {
	ReadBytes(io.Reader) error
	*T
}

type ReadWriter[T any] interface {
	Reader[T]
	Writer
}

func Write(w Writer) ([]byte, error) {
	buf := bytes.NewBuffer([]byte{})
	bw := bufio.NewWriter(buf)
	err := w.WriteBytes(bw)
	if err != nil {
		return nil, err
	}
	err = bw.Flush()
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func Read[BT any, T Reader[BT]](data []byte) (BT, error) {
	v := new(BT)
	err := T(v).ReadBytes(bytes.NewReader(data))
	return *v, err
}
