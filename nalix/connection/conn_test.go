package connection

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/gosuda/nalix/nalix/packet"
	"github.com/gosuda/nalix/nalix/packet/secure"
)

type fakeTransport struct {
	mu     sync.Mutex
	sent   [][]byte
	closed bool
	reason string
}

func (f *fakeTransport) Send(_ context.Context, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, data)
	return nil
}

func (f *fakeTransport) Close(reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	f.reason = reason
	return nil
}

func (f *fakeTransport) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func testAddr() net.Addr {
	return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 4000}
}

func TestAuthorityOrdering(t *testing.T) {
	t.Parallel()

	require.True(t, AuthorityAdmin.AtLeast(AuthorityGuest))
	require.True(t, AuthorityUser.AtLeast(AuthorityUser))
	require.False(t, AuthorityGuest.AtLeast(AuthorityUser))
	require.False(t, AuthoritySupervisor.AtLeast(AuthorityAdmin))
}

func TestConnIdentity(t *testing.T) {
	t.Parallel()

	ft := &fakeTransport{}
	a := New(context.Background(), ft, testAddr())
	b := New(context.Background(), &fakeTransport{}, testAddr())
	defer a.Close("test done")
	defer b.Close("test done")

	require.NotEqual(t, a.ID(), b.ID())
	require.NotEqual(t, a.TraceID(), b.TraceID())
	require.Equal(t, AuthorityGuest, a.Authority())
}

func TestKeyLifecycle(t *testing.T) {
	t.Parallel()

	c := New(context.Background(), &fakeTransport{}, testAddr())

	_, _, ok := c.Key()
	require.False(t, ok)
	require.False(t, c.Encrypted())

	key := make([]byte, secure.KeySize)
	for i := range key {
		key[i] = byte(i)
	}
	require.NoError(t, c.SetKey(key, secure.SuiteAesGcm))

	got, suite, ok := c.Key()
	require.True(t, ok)
	require.Equal(t, key, got)
	require.Equal(t, secure.SuiteAesGcm, suite)

	// returned key is a copy
	got[0] = 0xFF
	again, _, _ := c.Key()
	require.Equal(t, byte(0), again[0])

	require.NoError(t, c.Close("bye"))
	_, _, ok = c.Key()
	require.False(t, ok, "key zeroed on close")
}

func TestSetKeyRejectsShortKey(t *testing.T) {
	t.Parallel()

	c := New(context.Background(), &fakeTransport{}, testAddr())
	defer c.Close("test done")
	require.ErrorIs(t, c.SetKey([]byte("short"), secure.SuiteAesGcm), secure.ErrInvalidKey)
}

func TestSendPacketReachesTransport(t *testing.T) {
	t.Parallel()

	ft := &fakeTransport{}
	c := New(context.Background(), ft, testAddr())
	defer c.Close("test done")

	p, err := packet.NewBuilder(0x42).Payload([]byte{1, 2, 3}).Build()
	require.NoError(t, err)
	require.NoError(t, c.SendPacket(p))

	require.Eventually(t, func() bool { return ft.sentCount() == 1 },
		time.Second, 5*time.Millisecond)

	ft.mu.Lock()
	defer ft.mu.Unlock()
	decoded, err := packet.Decode(ft.sent[0])
	require.NoError(t, err)
	require.Equal(t, uint16(0x42), decoded.Opcode)
}

func TestSubmitRunsSeriallyInOrder(t *testing.T) {
	t.Parallel()

	c := New(context.Background(), &fakeTransport{}, testAddr())
	defer c.Close("test done")

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		i := i
		wg.Add(1)
		require.NoError(t, c.Submit(func() {
			defer wg.Done()
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
		}))
	}
	wg.Wait()

	for i, v := range order {
		require.Equal(t, i, v, "jobs must run in submission order")
	}
}

func TestCloseCancelsContextAndRejectsWork(t *testing.T) {
	t.Parallel()

	ft := &fakeTransport{}
	c := New(context.Background(), ft, testAddr())
	require.NoError(t, c.Close("done"))

	select {
	case <-c.Context().Done():
	case <-time.After(time.Second):
		t.Fatal("context not cancelled on close")
	}

	require.ErrorIs(t, c.Submit(func() {}), ErrConnClosed)
	require.ErrorIs(t, c.Send([]byte{1}), ErrConnClosed)
	require.True(t, c.Closed())
	require.True(t, ft.closed)
}

func TestProperties(t *testing.T) {
	t.Parallel()

	c := New(context.Background(), &fakeTransport{}, testAddr())
	defer c.Close("test done")

	_, ok := c.Property("missing")
	require.False(t, ok)

	c.SetProperty("k", 42)
	v, ok := c.Property("k")
	require.True(t, ok)
	require.Equal(t, 42, v)
}
