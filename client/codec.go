package client

import (
	"bufio"
	"bytes"
	"io"
	"net/http"
	"net/http/httputil"
	"strconv"

	"github.com/haxii/fastconduit/buffer"
	"github.com/haxii/fastconduit/bytebufferpool"
	"github.com/pkg/errors"
	"github.com/valyala/fasthttp"
)

var (
	startLineScheme  = []byte("http://")
	startLineSP      = byte(' ')
	startLinePathSep = byte('/')
	startLineCRLF    = []byte("\r\n")

	strHTTP11          = []byte("HTTP/1.1")
	strLastChunk       = []byte("0\r\n\r\n")
	strHeaderSep       = []byte(": ")
	strHost            = []byte("Host")
	strContentLength   = []byte("Content-Length")
	strTransferEncChnk = []byte("Transfer-Encoding: chunked\r\n")
	strExpectContinue  = []byte("Expect: 100-continue\r\n")
)

const (
	defaultHTTPPort  = "80"
	defaultHTTPSPort = "443"
)

var (
	errNilBufioWriter = errors.New("nil bufio writer")
	errBodyTooLong    = errors.New("request body longer than its Content-Length")
	errBodyTooShort   = errors.New("request body shorter than its Content-Length")
	errEncoderDone    = errors.New("request body already completed")
)

// headers written by the client itself
var reservedHeaders = map[string]bool{
	"Host":              true,
	"Content-Length":    true,
	"Transfer-Encoding": true,
	"Expect":            true,
}

func writeRequestLine(bw *bufio.Writer, fullURL bool,
	method []byte, host string, path, protocol []byte) (int, error) {

	writeSize := 0
	write := func(b []byte) error {
		var nw int
		var err error
		if nw, err = bw.Write(b); err != nil {
			return err
		} else if nw != len(b) {
			return io.ErrShortWrite
		}
		writeSize += nw
		return nil
	}
	writeByte := func(c byte) error {
		if err := bw.WriteByte(c); err != nil {
			return err
		}
		writeSize++
		return nil
	}
	if bw == nil {
		return 0, errNilBufioWriter
	}
	if err := write(method); err != nil {
		return writeSize, err
	}
	if err := writeByte(startLineSP); err != nil {
		return writeSize, err
	}
	if fullURL {
		if err := write(startLineScheme); err != nil {
			return writeSize, err
		}
		if err := write([]byte(host)); err != nil {
			return writeSize, err
		}
	}
	if len(path) == 0 || path[0] != startLinePathSep {
		if err := writeByte(startLinePathSep); err != nil {
			return writeSize, err
		}
	}
	if err := write(path); err != nil {
		return writeSize, err
	}
	if err := writeByte(startLineSP); err != nil {
		return writeSize, err
	}
	if err := write(protocol); err != nil {
		return writeSize, err
	}
	if err := write(startLineCRLF); err != nil {
		return writeSize, err
	}
	return writeSize, nil
}

func writeHeaderLine(bw *bufio.Writer, key, value []byte) {
	bw.Write(key)
	bw.Write(strHeaderSep)
	bw.Write(value)
	bw.Write(startLineCRLF)
}

// writeHead writes the request line and headers.
// A plain http request through a HTTP proxy carries the absolute URI and
// the proxy auth header.
func writeHead(bw *bufio.Writer, req *Request, viaHTTPProxy bool, hasBody, expectContinue bool) error {
	if _, err := writeRequestLine(bw, viaHTTPProxy, []byte(req.method()),
		req.hostHeader(), []byte(req.URL.RequestURI()), strHTTP11); err != nil {
		return err
	}
	writeHeaderLine(bw, strHost, []byte(req.hostHeader()))
	if req.Header != nil {
		if err := req.Header.WriteSubset(bw, reservedHeaders); err != nil {
			return err
		}
	}
	switch {
	case hasBody && req.ContentLength < 0:
		bw.Write(strTransferEncChnk)
	case hasBody:
		writeHeaderLine(bw, strContentLength, strconv.AppendInt(nil, req.ContentLength, 10))
	case methodExpectsBody(req.method()):
		writeHeaderLine(bw, strContentLength, []byte("0"))
	}
	if expectContinue {
		bw.Write(strExpectContinue)
	}
	if viaHTTPProxy {
		if authHeader := req.Proxy.HTTPProxyAuthHeaderWithCRLF(); authHeader != nil {
			bw.Write(authHeader)
		}
	}
	_, err := bw.Write(startLineCRLF)
	return err
}

func methodExpectsBody(method string) bool {
	return method == http.MethodPost || method == http.MethodPut || method == http.MethodPatch
}

type encoding int

const (
	encodingFixed encoding = iota
	encodingChunked
	// no framing, the transport frames the body itself
	encodingRaw
)

// bodyEncoder stages request body bytes in a fixed size window that the
// dispatcher flushes to the connection.
// It implements buffer.ContentEncoder.
type bodyEncoder struct {
	window    *bytebufferpool.FixedSizeByteBuffer
	encoding  encoding
	remaining int64

	completed      bool
	trailerPending bool
}

var _ buffer.ContentEncoder = &bodyEncoder{}

func newBodyEncoder(window *bytebufferpool.FixedSizeByteBuffer, enc encoding, contentLength int64) *bodyEncoder {
	window.Reset()
	return &bodyEncoder{window: window, encoding: enc, remaining: contentLength}
}

func (e *bodyEncoder) Write(p []byte) (int, error) {
	if e.completed {
		return 0, errEncoderDone
	}
	if len(p) == 0 {
		return 0, nil
	}
	switch e.encoding {
	case encodingChunked:
		avail := e.window.Available()
		n := avail - len(startLineCRLF)*2 - len(strconv.FormatInt(int64(avail), 16))
		if n <= 0 {
			return 0, nil
		}
		if n > len(p) {
			n = len(p)
		}
		var size [16]byte
		e.window.Write(strconv.AppendInt(size[:0], int64(n), 16))
		e.window.Write(startLineCRLF)
		e.window.Write(p[:n])
		e.window.Write(startLineCRLF)
		return n, nil
	case encodingFixed:
		if e.remaining <= 0 {
			return 0, errBodyTooLong
		}
		if int64(len(p)) > e.remaining {
			p = p[:e.remaining]
		}
	}
	n, _ := e.window.Write(p)
	if e.encoding == encodingFixed {
		e.remaining -= int64(n)
	}
	return n, nil
}

func (e *bodyEncoder) Complete() error {
	if e.completed {
		return nil
	}
	if e.encoding == encodingFixed && e.remaining > 0 {
		return errBodyTooShort
	}
	e.completed = true
	if e.encoding == encodingChunked {
		if e.window.Available() >= len(strLastChunk) {
			e.window.Write(strLastChunk)
		} else {
			e.trailerPending = true
		}
	}
	return nil
}

func (e *bodyEncoder) IsCompleted() bool {
	return e.completed
}

// flush writes the staged window to w
func (e *bodyEncoder) flush(w io.Writer) error {
	if e.window.Len() > 0 {
		if _, err := e.window.WriteTo(w); err != nil {
			return err
		}
	}
	if e.trailerPending {
		if _, err := w.Write(strLastChunk); err != nil {
			return err
		}
		e.trailerPending = false
	}
	return nil
}

// readResponseHead reads the response header, skipping interim responses
func readResponseHead(br *bufio.Reader, h *fasthttp.ResponseHeader) error {
	h.SetNoDefaultContentType(true)
	for {
		if err := h.Read(br); err != nil {
			return err
		}
		if sc := h.StatusCode(); sc >= 200 || sc == http.StatusSwitchingProtocols {
			return nil
		}
	}
}

func makeResponse(h *fasthttp.ResponseHeader) *Response {
	resp := &Response{
		StatusCode:    h.StatusCode(),
		Reason:        string(h.StatusMessage()),
		Proto:         string(h.Protocol()),
		Header:        make(http.Header),
		ContentLength: int64(h.ContentLength()),
	}
	if len(resp.Reason) == 0 {
		resp.Reason = http.StatusText(resp.StatusCode)
	}
	for k, v := range h.All() {
		resp.Header.Add(string(k), string(v))
	}
	if resp.ContentLength < 0 {
		resp.ContentLength = -1
	}
	return resp
}

func bodyAllowed(method string, statusCode int) bool {
	if method == http.MethodHead {
		return false
	}
	return statusCode >= 200 && statusCode != http.StatusNoContent &&
		statusCode != http.StatusNotModified
}

// bodyReader decodes the response body framing, untilClose is set when
// the body ends with the connection
func bodyReader(br *bufio.Reader, contentLength int) (r io.Reader, untilClose bool) {
	switch {
	case contentLength >= 0:
		return &fixedBody{r: br, remaining: int64(contentLength)}, false
	case contentLength == -1:
		return &chunkedBody{br: br, r: httputil.NewChunkedReader(br)}, false
	default:
		return br, true
	}
}

// fixedBody reports io.EOF together with the last byte
type fixedBody struct {
	r         io.Reader
	remaining int64
}

func (b *fixedBody) Read(p []byte) (int, error) {
	if b.remaining <= 0 {
		return 0, io.EOF
	}
	if int64(len(p)) > b.remaining {
		p = p[:b.remaining]
	}
	n, err := b.r.Read(p)
	b.remaining -= int64(n)
	if b.remaining == 0 {
		return n, io.EOF
	}
	if err == io.EOF {
		err = io.ErrUnexpectedEOF
	}
	return n, err
}

// chunkedBody consumes the trailer section after the last chunk, so the
// connection can be reused
type chunkedBody struct {
	br *bufio.Reader
	r  io.Reader
}

func (b *chunkedBody) Read(p []byte) (int, error) {
	n, err := b.r.Read(p)
	if err == io.EOF {
		if terr := discardTrailer(b.br); terr != nil {
			return n, terr
		}
	}
	return n, err
}

func discardTrailer(br *bufio.Reader) error {
	for {
		line, err := br.ReadSlice('\n')
		if err != nil {
			if err == io.EOF {
				err = io.ErrUnexpectedEOF
			}
			return errors.Wrap(err, "fail to read chunked trailer")
		}
		if len(bytes.TrimRight(line, "\r\n")) == 0 {
			return nil
		}
	}
}
