package cabinserver

import (
	"encoding/binary"
	"fmt"
	"io"
	"time"

	"github.com/raftcabin/cabin/pkg/logentry"
)

const maxFrameSize = 16 << 20

func writeFrame(w io.Writer, payload []byte) error {
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(payload)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	if len(payload) == 0 {
		return nil
	}
	_, err := w.Write(payload)
	return err
}

func readFrame(r io.Reader) ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n > maxFrameSize {
		return nil, fmt.Errorf("cabinserver: frame of %d bytes exceeds limit", n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func logentryTagNow() logentry.Tag {
	now := time.Now()
	return logentry.Tag{CreatedAtSec: uint32(now.Unix()), CreatedAtNsec: uint32(now.Nanosecond())}
}
