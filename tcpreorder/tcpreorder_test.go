package tcpreorder

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clearflow/dpi/status"
)

func TestHandshakeTransitionsToEstablished(t *testing.T) {
	c := NewConnection(false, 1<<16)
	now := time.Now()

	_, code := c.Track(true, 100, Flags{SYN: true}, nil, now)
	assert.Equal(t, SynSent, c.State())
	assert.Equal(t, status.OK, code)

	_, code = c.Track(false, 500, Flags{SYN: true, ACK: true}, nil, now)
	assert.Equal(t, Established, c.State())
	assert.Equal(t, status.OK, code)
}

func TestInOrderDataIsDeliveredImmediately(t *testing.T) {
	c := NewConnection(false, 1<<16)
	now := time.Now()
	c.Track(true, 100, Flags{SYN: true}, nil, now)
	c.Track(false, 500, Flags{SYN: true, ACK: true}, nil, now)

	out, code := c.Track(true, 101, Flags{ACK: true}, []byte("hello"), now)
	require.Equal(t, status.OK, code)
	assert.Equal(t, []byte("hello"), out)
}

func TestOutOfOrderSegmentIsBufferedThenRebuilt(t *testing.T) {
	c := NewConnection(false, 1<<16)
	now := time.Now()
	c.Track(true, 1, Flags{SYN: true}, nil, now)
	c.Track(false, 1, Flags{SYN: true, ACK: true}, nil, now)

	// Segment starting at seq 2+5=7 arrives before the seq-2 segment.
	out, code := c.Track(true, 7, Flags{ACK: true}, []byte("world"), now)
	assert.Equal(t, status.TCPOutOfOrder, code)
	assert.Nil(t, out)

	out, code = c.Track(true, 2, Flags{ACK: true}, []byte("hello"), now)
	require.Equal(t, status.OK, code)
	assert.Equal(t, []byte("helloworld"), out)
}

func TestRetransmittedSegmentIsNotRedelivered(t *testing.T) {
	c := NewConnection(false, 1<<16)
	now := time.Now()
	c.Track(true, 1, Flags{SYN: true}, nil, now)
	c.Track(false, 1, Flags{SYN: true, ACK: true}, nil, now)

	out, code := c.Track(true, 2, Flags{ACK: true}, []byte("hello"), now)
	require.Equal(t, status.OK, code)
	require.Equal(t, []byte("hello"), out)

	out, code = c.Track(true, 2, Flags{ACK: true}, []byte("hello"), now)
	require.Equal(t, status.OK, code)
	assert.Empty(t, out)
}

func TestOutOfOrderBufferCapRejectsSegment(t *testing.T) {
	c := NewConnection(false, 4)
	now := time.Now()
	c.Track(true, 1, Flags{SYN: true}, nil, now)
	c.Track(false, 1, Flags{SYN: true, ACK: true}, nil, now)

	out, code := c.Track(true, 100, Flags{ACK: true}, []byte("toolong"), now)
	assert.Equal(t, status.TCPOutOfOrder, code)
	assert.Nil(t, out)
}

func TestRSTTerminatesConnection(t *testing.T) {
	c := NewConnection(false, 1<<16)
	now := time.Now()
	c.Track(true, 1, Flags{SYN: true}, nil, now)
	c.Track(false, 1, Flags{SYN: true, ACK: true}, nil, now)

	_, code := c.Track(true, 2, Flags{RST: true}, nil, now)
	assert.Equal(t, status.TCPConnectionTerminated, code)
	assert.Equal(t, Closed, c.State())
}

func TestFinFinClosesConnection(t *testing.T) {
	c := NewConnection(false, 1<<16)
	now := time.Now()
	c.Track(true, 1, Flags{SYN: true}, nil, now)
	c.Track(false, 1, Flags{SYN: true, ACK: true}, nil, now)

	_, code := c.Track(true, 2, Flags{FIN: true, ACK: true}, nil, now)
	assert.Equal(t, status.OK, code)
	assert.Equal(t, FinWait, c.State())

	_, code = c.Track(false, 2, Flags{FIN: true, ACK: true}, nil, now)
	assert.Equal(t, status.TCPConnectionTerminated, code)
	assert.Equal(t, Closed, c.State())
}

func TestLightTrackingDoesNotBuffer(t *testing.T) {
	c := NewConnection(true, 1<<16)
	now := time.Now()
	c.Track(true, 1, Flags{SYN: true}, nil, now)
	c.Track(false, 1, Flags{SYN: true, ACK: true}, nil, now)

	out, code := c.Track(true, 999, Flags{ACK: true}, []byte("irrelevant"), now)
	assert.Nil(t, out)
	assert.Equal(t, status.OK, code)

	c.Track(true, 2, Flags{FIN: true, ACK: true}, nil, now)
	_, code = c.Track(false, 2, Flags{FIN: true, ACK: true}, nil, now)
	assert.Equal(t, status.TCPConnectionTerminated, code)
}

func TestRetransmittedFinDoesNotTerminate(t *testing.T) {
	c := NewConnection(false, 1<<16)
	now := time.Now()
	c.Track(true, 1, Flags{SYN: true}, nil, now)
	c.Track(false, 1, Flags{SYN: true, ACK: true}, nil, now)

	_, code := c.Track(true, 2, Flags{FIN: true, ACK: true}, nil, now)
	require.Equal(t, status.OK, code)

	// The same side retransmitting its FIN must not tear down a
	// connection the other side still considers open.
	_, code = c.Track(true, 2, Flags{FIN: true, ACK: true}, nil, now)
	assert.Equal(t, status.OK, code)
	assert.Equal(t, FinWait, c.State())

	_, code = c.Track(false, 2, Flags{FIN: true, ACK: true}, nil, now)
	assert.Equal(t, status.TCPConnectionTerminated, code)
}
