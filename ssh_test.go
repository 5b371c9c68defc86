package wfi32bridge

import (
	"bytes"
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingWriter captures console command output for assertions.
type recordingWriter struct {
	buf bytes.Buffer
}

func (r *recordingWriter) WriteLine(s string) error { return r.Write(s + "\n") }

func (r *recordingWriter) Write(s string) error {
	_, err := r.buf.WriteString(s)
	return err
}

func (r *recordingWriter) WriteBytes(b []byte) error {
	_, err := r.buf.Write(b)
	return err
}

func (r *recordingWriter) GetWriter() io.Writer { return &r.buf }

func TestSSHDescriptorCounts(t *testing.T) {
	b := newTestBridge(t, "bridge:\n  mode: pipe\n  descriptors:\n    tx: 4\n    rx: 4\n")

	// an idle bridge has every receive descriptor armed and every transmit
	// descriptor free
	w := &recordingWriter{}
	require.NoError(t, sshDescriptorCounts(b, &sshListFlags{}, w))
	out := w.buf.String()
	assert.Contains(t, out, "a: rx pending 0, scheduled 4, free 0; tx pending 0, scheduled 0, free 4")
	assert.Contains(t, out, "b: rx pending 0, scheduled 4, free 0; tx pending 0, scheduled 0, free 4")

	w = &recordingWriter{}
	require.NoError(t, sshDescriptorCounts(b, &sshListFlags{Json: true}, w))
	var entries []map[string]any
	require.NoError(t, json.Unmarshal(w.buf.Bytes(), &entries))
	require.Len(t, entries, 2)
	assert.Equal(t, float64(4), entries[0]["rxScheduled"])
	assert.Equal(t, float64(4), entries[0]["txFree"])
}

func TestSSHDeviceStats(t *testing.T) {
	b := newTestBridge(t, "bridge:\n  mode: pipe\n")

	w := &recordingWriter{}
	require.NoError(t, sshDeviceStats(b, &sshListFlags{}, w))
	out := w.buf.String()
	assert.Contains(t, out, "a: mac 02:77:66:00:00:0a")
	assert.Contains(t, out, "b: mac 02:77:66:00:00:0b")
	assert.Contains(t, out, "speed100 true")
}

func TestSSHMacTableAndDumpBuffer(t *testing.T) {
	b := newTestBridge(t, "bridge:\n  mode: pipe\n")
	a, z := b.Ports()[0], b.Ports()[1]

	frame := buildFrame(t, z.MAC(), a.MAC(), []byte("__console_payload"))
	require.True(t, a.Engine().Inject(frame))
	require.Eventually(t, func() bool {
		return z.LastTransmitted() != nil
	}, time.Second, 10*time.Millisecond)

	w := &recordingWriter{}
	require.NoError(t, sshMacTable(b, &sshListFlags{}, w))
	assert.Contains(t, w.buf.String(), a.MAC().String())
	assert.Contains(t, w.buf.String(), "port a")

	// the frame crossed to port b, its wire tap holds the whole frame
	w = &recordingWriter{}
	require.NoError(t, sshDumpBuffer(b, &sshDumpBufferFlags{Direction: "tx"}, []string{"b"}, w))
	assert.Contains(t, w.buf.String(), "02 77 66 00 00 0b")
	assert.Contains(t, w.buf.String(), "console_payload")

	w = &recordingWriter{}
	require.NoError(t, sshDumpBuffer(b, &sshDumpBufferFlags{Direction: "rx"}, []string{"missing"}, w))
	assert.Contains(t, w.buf.String(), "Could not find port")
}
