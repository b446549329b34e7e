package net

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cobrabft/cobra/common/testlogger"
)

func TestAllowListenerRejectsUnknownHosts(t *testing.T) {
	lis, err := Listen(testlogger.New(t), "127.0.0.1:0", []string{"10.1.2.3:4444"}, nil)
	require.NoError(t, err)
	defer lis.Close()
	require.True(t, lis.Allowed("10.1.2.3:1"))
	require.False(t, lis.Allowed("127.0.0.1:1"))

	accepted := make(chan string, 1)
	go func() {
		c, err := lis.Accept()
		if err != nil {
			close(accepted)
			return
		}
		defer c.Close()
		buf := make([]byte, 5)
		_, _ = io.ReadFull(c, buf)
		accepted <- string(buf)
	}()

	peer := CreatePeer(lis.Addr().String(), false)
	rejected, err := Dial(context.Background(), peer, nil)
	require.NoError(t, err)
	_ = rejected.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, err = rejected.Read(make([]byte, 1))
	require.Error(t, err)
	rejected.Close()

	lis.Allow("127.0.0.1")
	c, err := Dial(context.Background(), peer, nil)
	require.NoError(t, err)
	defer c.Close()
	_, err = c.Write([]byte("hello"))
	require.NoError(t, err)

	select {
	case got := <-accepted:
		require.Equal(t, "hello", got)
	case <-time.After(5 * time.Second):
		t.Fatal("allowed connection never accepted")
	}
}

func TestAcceptAfterClose(t *testing.T) {
	lis, err := Listen(testlogger.New(t), "127.0.0.1:0", nil, nil)
	require.NoError(t, err)
	require.NoError(t, lis.Close())
	_, err = lis.Accept()
	require.True(t, IsClosed(err))
}

func TestHost(t *testing.T) {
	require.Equal(t, "127.0.0.1", Host("127.0.0.1:80"))
	require.Equal(t, "::1", Host("[::1]:80"))
	require.Equal(t, "example.org", Host("example.org"))
}

func TestServerConfigMissingFiles(t *testing.T) {
	_, err := ServerConfig("/nonexistent/cert.pem", "/nonexistent/key.pem", nil)
	require.Error(t, err)
	m := NewCertManager(testlogger.New(t))
	require.Error(t, m.Add("/nonexistent/cert.pem"))
	require.NotNil(t, ClientConfig(m).RootCAs)
}
