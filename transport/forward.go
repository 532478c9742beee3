package transport

import (
	"io"
	"strings"

	"github.com/haxii/fastconduit/bytebufferpool"
)

// Forward copies src to dst until EOF.
// It returns the number of bytes written to dst and the first error
// encountered, if any. Broken pipes, resets by peer and i/o timeouts end the
// copy quietly since the remote end went away.
func Forward(dst io.Writer, src io.Reader) (int64, error) {
	buffer := bytebufferpool.Get()
	defer bytebufferpool.Put(buffer)
	wn, err := buffer.Copy(dst, src)
	if err != nil && peerGone(err) {
		err = nil
	}
	return wn, err
}

// peerGone reports whether err means the remote end closed or stalled
func peerGone(err error) bool {
	errStr := err.Error()
	return strings.Contains(errStr, "broken pipe") ||
		strings.Contains(errStr, "reset by peer") ||
		strings.Contains(errStr, "i/o timeout")
}
