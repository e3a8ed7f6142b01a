package duplex

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestClientSend(t *testing.T) {
	defer goleak.VerifyNone(t)

	n := 4
	m := 256

	var sr recorder
	srv := newRecordingServer(&sr)
	port := serve(t, srv)
	defer srv.Stop()

	client := &Client{}
	defer client.Shutdown()

	require.NoError(t, client.Connect(context.Background(), "127.0.0.1", port))

	var wg sync.WaitGroup
	wg.Add(n)

	total := 0
	var mu sync.Mutex

	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			for j := 0; j < m; j++ {
				msg := []byte(fmt.Sprintf("[%d] hello %d\n", i, j))
				require.NoError(t, client.Send(msg))
				mu.Lock()
				total += len(msg)
				mu.Unlock()
			}
		}(i)
	}

	wg.Wait()

	require.Eventually(t, func() bool { return len(sr.Received()) == total }, waitFor, tick)

	// every message arrives intact even though reads may split or merge them
	lines := bytes.Split(bytes.TrimSuffix(sr.Received(), []byte("\n")), []byte("\n"))
	require.Len(t, lines, n*m)
}

func TestClientSendExactBytes(t *testing.T) {
	defer goleak.VerifyNone(t)

	var sr recorder
	srv := newRecordingServer(&sr)
	srv.ReadBufferSize = 16
	port := serve(t, srv)
	defer srv.Stop()

	client := &Client{}
	defer client.Shutdown()

	require.NoError(t, client.Connect(context.Background(), "127.0.0.1", port))

	buf := make([]byte, 64*1024+7)
	_, err := rand.Read(buf)
	require.NoError(t, err)

	require.NoError(t, client.Send(buf))

	require.Eventually(t, func() bool { return len(sr.Received()) == len(buf) }, waitFor, tick)
	require.Equal(t, buf, sr.Received())

	sr.mu.Lock()
	reads := sr.reads
	sr.mu.Unlock()
	require.GreaterOrEqual(t, reads, len(buf)/16)
}

func TestClientSendNoWait(t *testing.T) {
	defer goleak.VerifyNone(t)

	var sr recorder
	srv := newRecordingServer(&sr)
	port := serve(t, srv)
	defer srv.Stop()

	var cr recorder
	client := newRecordingClient(&cr)
	defer client.Shutdown()

	require.NoError(t, client.Connect(context.Background(), "127.0.0.1", port))

	var want []byte
	for i := 0; i < 100; i++ {
		msg := []byte(fmt.Sprintf("%03d", i))
		want = append(want, msg...)
		require.NoError(t, client.SendNoWait(msg))
	}

	// one writer per conn keeps queued writes in order
	require.Eventually(t, func() bool { return bytes.Equal(cr.Sent(), want) }, waitFor, tick)
	require.Eventually(t, func() bool { return bytes.Equal(sr.Received(), want) }, waitFor, tick)
}

func TestClientPeerClose(t *testing.T) {
	defer goleak.VerifyNone(t)

	var sr, cr recorder
	srv := newRecordingServer(&sr)
	port := serve(t, srv)
	defer srv.Stop()

	client := newRecordingClient(&cr)
	defer client.Shutdown()

	require.NoError(t, client.Connect(context.Background(), "127.0.0.1", port))
	require.Eventually(t, func() bool { return srv.Len() == 1 }, waitFor, tick)

	conn := srv.Conns()[0]

	client.Disconnect()
	client.Disconnect()

	<-conn.Done()
	require.NoError(t, conn.Err())
	require.Empty(t, sr.Errors())
	require.Equal(t, 0, srv.Len())

	client.Shutdown()

	opened, closed := cr.States()
	require.Equal(t, 1, opened)
	require.Equal(t, 1, closed)
}

func TestSendOnClosedConn(t *testing.T) {
	defer goleak.VerifyNone(t)

	srv := &Server{}
	port := serve(t, srv)
	defer srv.Stop()

	var cr recorder
	client := newRecordingClient(&cr)

	require.ErrorIs(t, client.Send([]byte("x")), ErrNotConnected)
	require.ErrorIs(t, client.SendNoWait([]byte("x")), ErrNotConnected)

	require.NoError(t, client.Connect(context.Background(), "127.0.0.1", port))
	conn := client.Conn()
	require.NotNil(t, conn)

	client.Shutdown()

	require.ErrorIs(t, conn.Send([]byte("late")), ErrConnClosed)
	require.ErrorIs(t, conn.SendNoWait([]byte("late")), ErrConnClosed)
	require.Empty(t, cr.Sent())
	require.Empty(t, cr.Errors())
}

func TestClientConnectFailure(t *testing.T) {
	defer goleak.VerifyNone(t)

	var cr recorder
	client := newRecordingClient(&cr)
	defer client.Shutdown()

	err := client.Connect(context.Background(), "127.0.0.1", freePort(t))
	require.Error(t, err)
	require.Nil(t, client.Conn())

	err = client.Connect(context.Background(), "127.0.0.1", 0)
	require.True(t, errors.Is(err, ErrInvalidPort))

	require.Len(t, cr.Errors(), 2)

	opened, closed := cr.States()
	require.Equal(t, 0, opened)
	require.Equal(t, 0, closed)
}

func TestClientReconnectClosesPrevious(t *testing.T) {
	defer goleak.VerifyNone(t)

	var sr recorder
	srv := newRecordingServer(&sr)
	port := serve(t, srv)
	defer srv.Stop()

	var cr recorder
	client := newRecordingClient(&cr)
	defer client.Shutdown()

	require.NoError(t, client.Connect(context.Background(), "127.0.0.1", port))
	first := client.Conn()

	require.NoError(t, client.Connect(context.Background(), "127.0.0.1", port))
	second := client.Conn()

	require.NotEqual(t, first.ID, second.ID)

	<-first.Done()
	require.False(t, first.IsOpen())
	require.True(t, second.IsOpen())
	require.Equal(t, second, client.Conn())

	require.Eventually(t, func() bool {
		opened, closed := sr.States()
		return opened == 2 && closed == 1
	}, waitFor, tick)
}

func TestContextUserData(t *testing.T) {
	defer goleak.VerifyNone(t)

	seen := make(chan interface{}, 1)

	srv := &Server{
		ConnState: ConnStateHandlerFunc(func(conn *Conn, state ConnState) {
			if state == StateNew {
				conn.SetUserData("tagged")
			}
		}),
		Handler: HandlerFunc(func(ctx *Context) error {
			select {
			case seen <- ctx.Conn().UserData():
			default:
			}
			return nil
		}),
	}
	port := serve(t, srv)
	defer srv.Stop()

	client := &Client{}
	defer client.Shutdown()

	require.NoError(t, client.Connect(context.Background(), "127.0.0.1", port))
	require.NoError(t, client.Send([]byte("ping")))

	require.Equal(t, "tagged", <-seen)
}

func BenchmarkSend(b *testing.B) {
	srv := &Server{}
	port := serve(b, srv)

	client := &Client{}
	defer func() {
		client.Shutdown()
		srv.Stop()
	}()

	require.NoError(b, client.Connect(context.Background(), "127.0.0.1", port))

	buf := make([]byte, 1400)
	_, err := rand.Read(buf)
	require.NoError(b, err)

	b.SetBytes(int64(len(buf)))
	b.ReportAllocs()
	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		if err := client.Send(buf); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkParallelSendNoWait(b *testing.B) {
	srv := &Server{}
	port := serve(b, srv)

	client := &Client{}
	defer func() {
		client.Shutdown()
		srv.Stop()
	}()

	require.NoError(b, client.Connect(context.Background(), "127.0.0.1", port))

	buf := make([]byte, 1400)
	_, err := rand.Read(buf)
	require.NoError(b, err)

	b.SetBytes(int64(len(buf)))
	b.ReportAllocs()
	b.ResetTimer()

	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			if err := client.SendNoWait(buf); err != nil {
				b.Fatal(err)
			}
		}
	})
}

func TestWriteTimeoutClosesConn(t *testing.T) {
	defer goleak.VerifyNone(t)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		nc, err := ln.Accept()
		if err == nil {
			accepted <- nc
		}
	}()

	var r recorder
	client := newRecordingClient(&r)
	client.WriteTimeout = 50 * time.Millisecond

	require.NoError(t, client.Connect(context.Background(), "127.0.0.1", ln.Addr().(*net.TCPAddr).Port))
	defer client.Shutdown()

	// the peer never reads, so the socket buffers fill up and the write stalls
	peer := <-accepted
	defer peer.Close()

	conn := client.Conn()
	require.NotNil(t, conn)

	err = client.Send(make([]byte, 32*1024*1024))
	require.ErrorIs(t, err, os.ErrDeadlineExceeded)

	require.Eventually(t, func() bool {
		_, closed := r.States()
		return closed == 1
	}, waitFor, tick)

	errs := r.Errors()
	require.Len(t, errs, 1)
	require.ErrorIs(t, errs[0], os.ErrDeadlineExceeded)
	require.ErrorIs(t, conn.Err(), os.ErrDeadlineExceeded)

	require.False(t, conn.IsOpen())
	require.Empty(t, r.Sent())
	require.ErrorIs(t, conn.Send([]byte("late")), ErrConnClosed)

	opened, closed := r.States()
	require.Equal(t, 1, opened)
	require.Equal(t, 1, closed)
}
