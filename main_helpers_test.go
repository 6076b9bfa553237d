package main

import (
	"bytes"
	"testing"
)

// useBufferWriters 在测试期间把 stdOut/stdErr 换成内存缓冲区，便于断言 CLI 输出。
func useBufferWriters(t *testing.T) {
	t.Helper()

	outBuf := &bytes.Buffer{}
	errBuf := &bytes.Buffer{}

	prevOut := stdOut
	prevErr := stdErr

	stdOut = outBuf
	stdErr = errBuf

	t.Cleanup(func() {
		stdOut = prevOut
		stdErr = prevErr
	})
}

// stdErrBuffer 返回 useBufferWriters 注入的 stderr 缓冲区。
func stdErrBuffer() *bytes.Buffer {
	buf, _ := stdErr.(*bytes.Buffer)
	return buf
}
