package main

import (
	"bytes"
	"io"
)

func bytesReaderTest(s string) io.Reader {
	return bytes.NewReader([]byte(s))
}
