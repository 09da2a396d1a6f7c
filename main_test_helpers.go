package main

import (
	"bytes"
	"testing"
)

// useBufferWriters redirects stdOut/stdErr into in-memory buffers for one
// test so CLI output can be asserted without polluting the test log.
func useBufferWriters(t *testing.T) {
	t.Helper()

	prevOut, prevErr := stdOut, stdErr
	stdOut = &bytes.Buffer{}
	stdErr = &bytes.Buffer{}

	t.Cleanup(func() {
		stdOut = prevOut
		stdErr = prevErr
	})
}

// stdOutBuffer returns the active stdout buffer while useBufferWriters is in
// effect.
func stdOutBuffer() *bytes.Buffer {
	buf, _ := stdOut.(*bytes.Buffer)
	return buf
}

// stdErrBuffer returns the active stderr buffer while useBufferWriters is in
// effect.
func stdErrBuffer() *bytes.Buffer {
	buf, _ := stdErr.(*bytes.Buffer)
	return buf
}
