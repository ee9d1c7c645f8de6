package dispatch

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/gosuda/nalix/nalix/buffer"
	"github.com/gosuda/nalix/nalix/connection"
	"github.com/gosuda/nalix/nalix/packet"
	"github.com/gosuda/nalix/nalix/packet/secure"
	"github.com/gosuda/nalix/nalix/packet/transform"
	"github.com/gosuda/nalix/nalix/telemetry"
)

type fakeTransport struct {
	mu     sync.Mutex
	sent   [][]byte
	closed bool
}

func (f *fakeTransport) Send(_ context.Context, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, data)
	return nil
}

func (f *fakeTransport) Close(string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeTransport) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func (f *fakeTransport) frame(i int) []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sent[i]
}

func newTestConn(t *testing.T) (*connection.Conn, *fakeTransport) {
	t.Helper()
	ft := &fakeTransport{}
	conn := connection.New(context.Background(),
		ft, &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 9999})
	t.Cleanup(func() { conn.Close("test done") })
	return conn, ft
}

func waitSent(t *testing.T, ft *fakeTransport, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return ft.sentCount() >= n },
		2*time.Second, 2*time.Millisecond)
}

// decodeError unpacks an error packet into its code and message.
func decodeError(t *testing.T, frame []byte) (ErrorCode, string) {
	t.Helper()
	p, err := packet.Decode(frame)
	require.NoError(t, err)
	require.Equal(t, uint16(0), p.Opcode)
	require.Equal(t, packet.TypeString, p.Type)
	require.NotEmpty(t, p.Payload)
	return ErrorCode(p.Payload[0]), string(p.Payload[1:])
}

func mustBuild(t *testing.T, opcode uint16, payload []byte) *packet.Packet {
	t.Helper()
	p, err := packet.NewBuilder(opcode).Payload(payload).Build()
	require.NoError(t, err)
	return p
}

func testKey() []byte {
	key := make([]byte, secure.KeySize)
	for i := range key {
		key[i] = byte(i * 3)
	}
	return key
}

func TestRegistryDuplicateOpcode(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	fn := func(*Ctx) (any, error) { return nil, nil }
	require.NoError(t, r.RegisterFunc(0x0001, fn))
	require.ErrorIs(t, r.RegisterFunc(0x0001, fn), ErrDuplicateOpcode)
	require.Equal(t, 1, r.Len())
}

func TestRegistryInvalidHandler(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	require.ErrorIs(t, r.RegisterFunc(0x0002, nil), ErrInvalidHandlerSignature)
}

func TestRegistryDefaults(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	require.NoError(t, r.RegisterFunc(0x0042, func(*Ctx) (any, error) { return nil, nil }))

	d := r.Find(0x0042)
	require.NotNil(t, d)
	require.Equal(t, connection.AuthorityGuest, d.RequiredAuthority)
	require.Equal(t, DefaultTimeout, d.Timeout)
	require.False(t, d.EncryptionRequired)
	require.Equal(t, "opcode_0x0042", d.RateGroup)

	require.Nil(t, r.Find(0x0043))
}

func TestUnknownOpcode(t *testing.T) {
	t.Parallel()

	metrics := telemetry.Nop()
	d := NewDispatcher(NewRegistry(), Config{Metrics: metrics})
	conn, ft := newTestConn(t)

	d.HandlePacket(mustBuild(t, 0xFFFE, []byte{1}), conn)
	waitSent(t, ft, 1)

	code, _ := decodeError(t, ft.frame(0))
	require.Equal(t, CodeUnknownOpcode, code)
	require.False(t, conn.Closed(), "connection stays open")
	require.Equal(t, float64(1), testutil.ToFloat64(metrics.UnknownOpcode))
}

func TestParseFailureReplies(t *testing.T) {
	t.Parallel()

	d := NewDispatcher(NewRegistry(), Config{})
	conn, ft := newTestConn(t)

	d.Handle([]byte{1, 2, 3}, conn)
	waitSent(t, ft, 1)

	code, _ := decodeError(t, ft.frame(0))
	require.Equal(t, CodeInvalidHeader, code)
	require.False(t, conn.Closed())
}

func TestPermissionDenied(t *testing.T) {
	t.Parallel()

	invoked := false
	r := NewRegistry()
	require.NoError(t, r.RegisterFunc(0x0010,
		func(*Ctx) (any, error) { invoked = true; return nil, nil },
		WithAuthority(connection.AuthorityUser)))

	d := NewDispatcher(r, Config{})
	conn, ft := newTestConn(t)

	d.HandlePacket(mustBuild(t, 0x0010, []byte{1}), conn)
	waitSent(t, ft, 1)

	code, _ := decodeError(t, ft.frame(0))
	require.Equal(t, CodePermissionDenied, code)
	require.False(t, invoked, "handler must not run")
}

func TestPermissionGrantedAtTier(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	require.NoError(t, r.RegisterFunc(0x0010,
		func(*Ctx) (any, error) { return "ok", nil },
		WithAuthority(connection.AuthorityUser)))

	d := NewDispatcher(r, Config{})
	conn, ft := newTestConn(t)
	conn.SetAuthority(connection.AuthorityUser)

	d.HandlePacket(mustBuild(t, 0x0010, []byte{1}), conn)
	waitSent(t, ft, 1)

	p, err := packet.Decode(ft.frame(0))
	require.NoError(t, err)
	require.Equal(t, "ok", string(p.Payload))
}

func TestEncryptionRequiredGate(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	require.NoError(t, r.RegisterFunc(0x0020,
		func(*Ctx) (any, error) { return "secret ok", nil },
		WithEncryptionRequired()))

	d := NewDispatcher(r, Config{})
	conn, ft := newTestConn(t)

	d.HandlePacket(mustBuild(t, 0x0020, []byte{1}), conn)
	waitSent(t, ft, 1)

	code, _ := decodeError(t, ft.frame(0))
	require.Equal(t, CodeEncryptionRequired, code)
}

func TestEncryptedPacketPassesGate(t *testing.T) {
	t.Parallel()

	var got []byte
	r := NewRegistry()
	require.NoError(t, r.RegisterFunc(0x0020,
		func(ctx *Ctx) (any, error) {
			got = append([]byte(nil), ctx.Packet.Payload...)
			return nil, nil
		},
		WithEncryptionRequired()))

	d := NewDispatcher(r, Config{})
	conn, _ := newTestConn(t)
	key := testKey()
	require.NoError(t, conn.SetKey(key, secure.SuiteChaCha20Poly1305))

	plain := mustBuild(t, 0x0020, []byte("sensitive"))
	enc, err := transform.Encrypt(plain, key, secure.SuiteChaCha20Poly1305, secure.NewSeqCounter())
	require.NoError(t, err)

	d.HandlePacket(enc, conn)
	require.Eventually(t, func() bool { return got != nil }, 2*time.Second, 2*time.Millisecond)
	require.Equal(t, []byte("sensitive"), got, "handler sees plaintext")
}

// TestReplayRejected delivers the same encrypted packet twice: the handler
// runs exactly once, the duplicate draws a replay error.
func TestReplayRejected(t *testing.T) {
	t.Parallel()

	var invocations int32
	var mu sync.Mutex
	r := NewRegistry()
	require.NoError(t, r.RegisterFunc(0x0030,
		func(*Ctx) (any, error) {
			mu.Lock()
			invocations++
			mu.Unlock()
			return nil, nil
		}))

	d := NewDispatcher(r, Config{})
	conn, ft := newTestConn(t)
	key := testKey()
	require.NoError(t, conn.SetKey(key, secure.SuiteAesGcm))

	plain := mustBuild(t, 0x0030, []byte("once"))
	seq := secure.NewSeqCounter()
	for i := 0; i < 6; i++ {
		seq.Next() // advance so the envelope carries seq 7
	}
	enc, err := transform.Encrypt(plain, key, secure.SuiteAesGcm, seq)
	require.NoError(t, err)

	d.HandlePacket(enc.Clone(), conn)
	d.HandlePacket(enc.Clone(), conn)
	waitSent(t, ft, 1)

	// the only response is the replay error; responses are wrapped under
	// the session key, so unwrap before checking the code
	resp, err := packet.Decode(ft.frame(0))
	require.NoError(t, err)
	dec, err := transform.Decrypt(resp, key, secure.SuiteAesGcm, nil)
	require.NoError(t, err)
	require.Equal(t, CodeReplayDetected, ErrorCode(dec.Payload[0]))

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, int32(1), invocations, "handler invoked exactly once")
}

func TestRateLimitGate(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	require.NoError(t, r.RegisterFunc(0x0040,
		func(*Ctx) (any, error) { return "ok", nil },
		WithRateLimit(2, time.Minute, time.Minute)))

	metrics := telemetry.Nop()
	d := NewDispatcher(r, Config{Metrics: metrics})
	conn, ft := newTestConn(t)

	for i := 0; i < 3; i++ {
		d.HandlePacket(mustBuild(t, 0x0040, []byte{byte(i)}), conn)
	}
	waitSent(t, ft, 3)

	codes := make([]ErrorCode, 0, 1)
	for i := 0; i < 3; i++ {
		p, err := packet.Decode(ft.frame(i))
		require.NoError(t, err)
		if len(p.Payload) > 0 && p.Type == packet.TypeString && string(p.Payload) != "ok" {
			codes = append(codes, ErrorCode(p.Payload[0]))
		}
	}
	require.Equal(t, []ErrorCode{CodeRateLimited}, codes)
	require.Equal(t, float64(1), testutil.ToFloat64(metrics.RateLimited))
}

func TestHandlerErrorDrawsGenericReply(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	require.NoError(t, r.RegisterFunc(0x0050,
		func(*Ctx) (any, error) { return nil, context.DeadlineExceeded }))

	d := NewDispatcher(r, Config{})
	conn, ft := newTestConn(t)

	d.HandlePacket(mustBuild(t, 0x0050, []byte{1}), conn)
	waitSent(t, ft, 1)

	code, msg := decodeError(t, ft.frame(0))
	require.Equal(t, CodeInternal, code)
	require.Equal(t, genericHandlerError, msg)
	require.False(t, conn.Closed())
}

func TestHandlerPanicIsContained(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	require.NoError(t, r.RegisterFunc(0x0051,
		func(*Ctx) (any, error) { panic("boom") }))

	d := NewDispatcher(r, Config{})
	conn, ft := newTestConn(t)

	d.HandlePacket(mustBuild(t, 0x0051, []byte{1}), conn)
	waitSent(t, ft, 1)

	code, _ := decodeError(t, ft.frame(0))
	require.Equal(t, CodeInternal, code)
	require.False(t, conn.Closed())
}

func TestHandlerTimeout(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	require.NoError(t, r.RegisterFunc(0x0060,
		func(ctx *Ctx) (any, error) {
			select {
			case <-time.After(5 * time.Second):
			case <-ctx.Context.Done():
			}
			return "late", nil
		},
		WithTimeout(50*time.Millisecond)))

	d := NewDispatcher(r, Config{})
	conn, ft := newTestConn(t)

	d.HandlePacket(mustBuild(t, 0x0060, []byte{1}), conn)
	waitSent(t, ft, 1)

	code, _ := decodeError(t, ft.frame(0))
	require.Equal(t, CodeHandlerTimeout, code)
}

func TestReturnKinds(t *testing.T) {
	t.Parallel()

	pool := buffer.NewPool(buffer.DefaultMaxBufferSize)

	tests := []struct {
		name   string
		fn     HandlerFunc
		verify func(t *testing.T, ft *fakeTransport)
	}{
		{
			name: "void sends nothing",
			fn:   func(*Ctx) (any, error) { return nil, nil },
			verify: func(t *testing.T, ft *fakeTransport) {
				time.Sleep(100 * time.Millisecond)
				require.Equal(t, 0, ft.sentCount())
			},
		},
		{
			name: "bytes go out raw",
			fn:   func(*Ctx) (any, error) { return []byte{0xCA, 0xFE}, nil },
			verify: func(t *testing.T, ft *fakeTransport) {
				waitSent(t, ft, 1)
				require.Equal(t, []byte{0xCA, 0xFE}, ft.frame(0), "no packet framing")
			},
		},
		{
			name: "string becomes a string packet",
			fn:   func(*Ctx) (any, error) { return "pong", nil },
			verify: func(t *testing.T, ft *fakeTransport) {
				waitSent(t, ft, 1)
				p, err := packet.Decode(ft.frame(0))
				require.NoError(t, err)
				require.Equal(t, uint16(0), p.Opcode)
				require.Equal(t, packet.TypeString, p.Type)
				require.Equal(t, "pong", string(p.Payload))
			},
		},
		{
			name: "packet is serialized as-is",
			fn: func(*Ctx) (any, error) {
				return packet.NewBuilder(0x0777).Payload([]byte{9, 9}).Build()
			},
			verify: func(t *testing.T, ft *fakeTransport) {
				waitSent(t, ft, 1)
				p, err := packet.Decode(ft.frame(0))
				require.NoError(t, err)
				require.Equal(t, uint16(0x0777), p.Opcode)
				require.Equal(t, []byte{9, 9}, p.Payload)
			},
		},
		{
			name: "memory lease goes out raw without copy",
			fn: func(*Ctx) (any, error) {
				l, err := pool.Rent(8)
				if err != nil {
					return nil, err
				}
				copy(l.Writable(), "leased!")
				if err := l.SetLength(7); err != nil {
					return nil, err
				}
				return l, nil
			},
			verify: func(t *testing.T, ft *fakeTransport) {
				waitSent(t, ft, 1)
				require.Equal(t, []byte("leased!"), ft.frame(0))
			},
		},
		{
			name: "async resolves to inner kind",
			fn: func(*Ctx) (any, error) {
				return Go(func() (any, error) { return "deferred", nil }), nil
			},
			verify: func(t *testing.T, ft *fakeTransport) {
				waitSent(t, ft, 1)
				p, err := packet.Decode(ft.frame(0))
				require.NoError(t, err)
				require.Equal(t, "deferred", string(p.Payload))
			},
		},
		{
			name: "async void sends nothing",
			fn: func(*Ctx) (any, error) {
				return Go(func() (any, error) { return nil, nil }), nil
			},
			verify: func(t *testing.T, ft *fakeTransport) {
				time.Sleep(100 * time.Millisecond)
				require.Equal(t, 0, ft.sentCount())
			},
		},
		{
			name: "unsupported type sends nothing",
			fn:   func(*Ctx) (any, error) { return struct{ X int }{X: 1}, nil },
			verify: func(t *testing.T, ft *fakeTransport) {
				time.Sleep(100 * time.Millisecond)
				require.Equal(t, 0, ft.sentCount())
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			r := NewRegistry()
			require.NoError(t, r.RegisterFunc(0x0100, tt.fn))
			d := NewDispatcher(r, Config{})
			conn, ft := newTestConn(t)

			d.HandlePacket(mustBuild(t, 0x0100, []byte{1}), conn)
			tt.verify(t, ft)
		})
	}
}

// TestReceiveOrderPreserved submits a burst of packets on one connection and
// checks handlers start in receive order.
func TestReceiveOrderPreserved(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	var order []byte
	r := NewRegistry()
	require.NoError(t, r.RegisterFunc(0x0200,
		func(ctx *Ctx) (any, error) {
			mu.Lock()
			order = append(order, ctx.Packet.Payload[0])
			mu.Unlock()
			return nil, nil
		}))

	d := NewDispatcher(r, Config{})
	conn, _ := newTestConn(t)

	const k = 64
	for i := 0; i < k; i++ {
		d.HandlePacket(mustBuild(t, 0x0200, []byte{byte(i)}), conn)
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == k
	}, 2*time.Second, 2*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	for i := 0; i < k; i++ {
		require.Equal(t, byte(i), order[i], "handler start order must match receive order")
	}
}

func TestCustomMiddlewareCanTerminate(t *testing.T) {
	t.Parallel()

	invoked := false
	r := NewRegistry()
	require.NoError(t, r.RegisterFunc(0x0300,
		func(*Ctx) (any, error) { invoked = true; return nil, nil }))

	d := NewDispatcher(r, Config{})
	d.Pipeline().UsePre("veto", 1, MiddlewareFunc(func(ctx *Ctx, next Next) {
		// never calls next: chain stops here
	}))

	conn, ft := newTestConn(t)
	d.HandlePacket(mustBuild(t, 0x0300, []byte{1}), conn)

	time.Sleep(100 * time.Millisecond)
	require.False(t, invoked)
	require.Equal(t, 0, ft.sentCount())
}

func TestWrapEncryptsResponses(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	require.NoError(t, r.RegisterFunc(0x0400,
		func(*Ctx) (any, error) { return "wrapped", nil }))

	d := NewDispatcher(r, Config{})
	conn, ft := newTestConn(t)
	key := testKey()
	require.NoError(t, conn.SetKey(key, secure.SuiteChaCha20Poly1305))

	d.HandlePacket(mustBuild(t, 0x0400, []byte{1}), conn)
	waitSent(t, ft, 1)

	resp, err := packet.Decode(ft.frame(0))
	require.NoError(t, err)
	require.True(t, resp.Flags.Has(packet.FlagEncrypted))

	dec, err := transform.Decrypt(resp, key, secure.SuiteChaCha20Poly1305, nil)
	require.NoError(t, err)
	require.Equal(t, "wrapped", string(dec.Payload))
}

func TestErrorPacketFormat(t *testing.T) {
	t.Parallel()

	p := ErrorPacket(CodeRateLimited, "slow down")
	require.Equal(t, uint16(0), p.Opcode)
	require.Equal(t, packet.TypeString, p.Type)
	require.Equal(t, byte(CodeRateLimited), p.Payload[0])
	require.Equal(t, "slow down", string(p.Payload[1:]))
	require.True(t, p.VerifyChecksum())
}
