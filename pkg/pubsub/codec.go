package pubsub

import (
	"bytes"
	"io"
	"log/slog"
	"strconv"
	"unicode/utf8"
)

// Separator marks the end of a message on the wire.
type Separator struct {
	delim byte
	set   bool
}

// NoSeparator selects self-describing framing: message boundaries are found
// by tracking JSON object and array nesting.
var NoSeparator = Separator{}

// DefaultSeparator is the line feed the node appends to outgoing messages.
var DefaultSeparator = ByteSeparator('\n')

// ByteSeparator returns a separator that ends every message with b.
func ByteSeparator(b byte) Separator {
	return Separator{delim: b, set: true}
}

// Byte returns the delimiter byte and whether one is configured.
func (s Separator) Byte() (byte, bool) {
	return s.delim, s.set
}

func (s Separator) String() string {
	if !s.set {
		return "none"
	}
	return strconv.QuoteRune(rune(s.delim))
}

// scanState is the resumable part of a decode. Offsets are relative to the
// start of the unconsumed data handed to Split.
type scanState struct {
	pos     int
	begun   bool
	start   int
	depth   int
	opened  bool
	inStr   bool
	escaped bool
}

// Codec frames JSON messages on a byte stream. Incoming and outgoing
// directions use independent separators.
//
// A Codec keeps scan state between calls and must only be used by one
// reader.
type Codec struct {
	incoming Separator
	outgoing Separator
	logger   *slog.Logger
	scan     scanState
}

// NewCodec returns a codec splitting incoming data on incoming and
// terminating encoded messages with outgoing.
func NewCodec(incoming, outgoing Separator) *Codec {
	return &Codec{
		incoming: incoming,
		outgoing: outgoing,
		logger:   slog.Default(),
	}
}

// Encode returns msg ready for the wire.
func (c *Codec) Encode(msg []byte) []byte {
	d, ok := c.outgoing.Byte()
	if !ok {
		return bytes.Clone(msg)
	}
	out := make([]byte, 0, len(msg)+1)
	out = append(out, msg...)
	return append(out, d)
}

// Split implements bufio.SplitFunc. It returns at most one frame per call and
// never consumes bytes of a message that is still incomplete. Bytes already
// scanned are not scanned again on the next call.
func (c *Codec) Split(data []byte, atEOF bool) (int, []byte, error) {
	if d, ok := c.incoming.Byte(); ok {
		return c.splitDelimited(data, atEOF, d)
	}
	return c.splitValue(data, atEOF)
}

func (c *Codec) splitDelimited(data []byte, atEOF bool, delim byte) (int, []byte, error) {
	if i := bytes.IndexByte(data[c.scan.pos:], delim); i >= 0 {
		end := c.scan.pos + i
		c.scan = scanState{}
		frame := data[:end]
		if isBlank(frame) {
			return end + 1, nil, nil
		}
		if !utf8.Valid(frame) {
			return 0, nil, ErrInvalidUTF8
		}
		return end + 1, frame, nil
	}
	c.scan.pos = len(data)
	if atEOF && !isBlank(data) {
		return 0, nil, io.ErrUnexpectedEOF
	}
	return 0, nil, nil
}

func (c *Codec) splitValue(data []byte, atEOF bool) (int, []byte, error) {
	s := &c.scan
	for i := s.pos; i < len(data); i++ {
		b := data[i]
		if !s.begun {
			if isSpace(b) {
				continue
			}
			s.begun = true
			s.start = i
		}
		if s.inStr {
			switch {
			case s.escaped:
				s.escaped = false
			case b == '\\':
				s.escaped = true
			case b == '"':
				s.inStr = false
			}
			continue
		}
		switch b {
		case '"':
			s.inStr = true
		case '{', '[':
			s.depth++
			s.opened = true
		case '}', ']':
			if s.depth > 0 {
				s.depth--
			}
			if s.depth == 0 && s.opened {
				frame := data[s.start : i+1]
				c.scan = scanState{}
				if !utf8.Valid(frame) {
					c.logger.Debug("dropping frame with invalid utf-8", "bytes", len(frame))
					return i + 1, nil, nil
				}
				return i + 1, frame, nil
			}
		}
	}

	if !s.begun {
		// Only whitespace so far: release it so idle keepalives don't pile up.
		c.scan = scanState{}
		return len(data), nil, nil
	}
	s.pos = len(data)
	if atEOF {
		return 0, nil, io.ErrUnexpectedEOF
	}
	return 0, nil, nil
}

func isSpace(b byte) bool {
	return b == ' ' || b == '\t' || b == '\n' || b == '\r'
}

func isBlank(p []byte) bool {
	for _, b := range p {
		if !isSpace(b) {
			return false
		}
	}
	return true
}
