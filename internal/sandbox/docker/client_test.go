package docker

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/relayci/relay/internal/common/logger"
)

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}
	return log
}

// frame builds one multiplexed stream frame as the daemon emits them
// with Tty=false.
func frame(streamType byte, data string) []byte {
	header := make([]byte, 8)
	header[0] = streamType
	binary.BigEndian.PutUint32(header[4:8], uint32(len(data)))
	return append(header, data...)
}

func TestDemultiplexSplitsStdoutAndStderr(t *testing.T) {
	var input bytes.Buffer
	input.Write(frame(1, `{"type":"agent_start"}`+"\n"))
	input.Write(frame(2, "panic: something broke\n"))
	input.Write(frame(1, `{"type":"agent_end"}`+"\n"))

	c := &Client{logger: newTestLogger(t)}

	var stdout, stderr bytes.Buffer
	c.demultiplexStream(&input, &stdout, &stderr)

	wantOut := `{"type":"agent_start"}` + "\n" + `{"type":"agent_end"}` + "\n"
	if stdout.String() != wantOut {
		t.Errorf("stdout = %q, want %q", stdout.String(), wantOut)
	}
	if stderr.String() != "panic: something broke\n" {
		t.Errorf("stderr = %q", stderr.String())
	}
}

func TestDemultiplexHandlesSplitFrames(t *testing.T) {
	// A frame's data split across header and payload reads must still
	// come out whole; io.ReadFull handles short reads from the conn.
	payload := string(make([]byte, 300))
	var input bytes.Buffer
	input.Write(frame(1, payload))

	c := &Client{logger: newTestLogger(t)}

	var stdout bytes.Buffer
	c.demultiplexStream(oneByteReader{&input}, &stdout, nil)

	if stdout.Len() != len(payload) {
		t.Errorf("stdout length = %d, want %d", stdout.Len(), len(payload))
	}
}

func TestDemultiplexIgnoresStderrWithNilWriter(t *testing.T) {
	var input bytes.Buffer
	input.Write(frame(2, "discarded\n"))
	input.Write(frame(1, "kept\n"))

	c := &Client{logger: newTestLogger(t)}

	var stdout bytes.Buffer
	c.demultiplexStream(&input, &stdout, nil)

	if stdout.String() != "kept\n" {
		t.Errorf("stdout = %q", stdout.String())
	}
}

// oneByteReader forces maximally short reads.
type oneByteReader struct {
	r *bytes.Buffer
}

func (o oneByteReader) Read(p []byte) (int, error) {
	if len(p) > 1 {
		p = p[:1]
	}
	return o.r.Read(p)
}
