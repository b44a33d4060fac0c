package negotiate

import (
	"io"
	"net"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSOCKS4Negotiate(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		client, server := net.Pipe()
		defer client.Close()
		defer server.Close()

		done := make(chan bool, 1)
		go func() {
			done <- SOCKS4{}.Negotiate(client, Target{Host: "1.2.3.4", Port: 80})
		}()

		req := make([]byte, 9)
		_, err := io.ReadFull(server, req)
		require.NoError(t, err)
		require.Equal(t, byte(0x04), req[0])
		require.Equal(t, byte(0x01), req[1])

		_, err = server.Write([]byte{0x00, 0x5A, 0, 0, 0, 0, 0, 0})
		require.NoError(t, err)

		require.True(t, <-done)
	})

	t.Run("rejected", func(t *testing.T) {
		client, server := net.Pipe()
		defer client.Close()
		defer server.Close()

		done := make(chan bool, 1)
		go func() {
			done <- SOCKS4{}.Negotiate(client, Target{Host: "1.2.3.4", Port: 80})
		}()

		buf := make([]byte, 9)
		_, err := io.ReadFull(server, buf)
		require.NoError(t, err)
		_, err = server.Write([]byte{0x00, 0x5B, 0, 0, 0, 0, 0, 0})
		require.NoError(t, err)

		require.False(t, <-done)
	})

	t.Run("non-ipv4 host rejected without I/O", func(t *testing.T) {
		client, server := net.Pipe()
		defer client.Close()
		defer server.Close()

		ok := SOCKS4{}.Negotiate(client, Target{Host: "example.com", Port: 80})
		require.False(t, ok)
	})
}

func TestSOCKS5Negotiate(t *testing.T) {
	t.Run("auth required", func(t *testing.T) {
		client, server := net.Pipe()
		defer client.Close()
		defer server.Close()

		done := make(chan bool, 1)
		go func() {
			done <- SOCKS5{}.Negotiate(client, Target{Host: "1.2.3.4", Port: 443})
		}()

		greet := make([]byte, 3)
		_, err := io.ReadFull(server, greet)
		require.NoError(t, err)

		_, err = server.Write([]byte{0x05, 0xFF})
		require.NoError(t, err)

		require.False(t, <-done)
	})

	t.Run("success", func(t *testing.T) {
		client, server := net.Pipe()
		defer client.Close()
		defer server.Close()

		done := make(chan bool, 1)
		go func() {
			done <- SOCKS5{}.Negotiate(client, Target{Host: "1.2.3.4", Port: 443})
		}()

		greet := make([]byte, 3)
		_, err := io.ReadFull(server, greet)
		require.NoError(t, err)
		_, err = server.Write([]byte{0x05, 0x00})
		require.NoError(t, err)

		connReq := make([]byte, 10)
		_, err = io.ReadFull(server, connReq)
		require.NoError(t, err)
		_, err = server.Write([]byte{0x05, 0x00, 0, 0x01, 0, 0, 0, 0, 0, 0})
		require.NoError(t, err)

		require.True(t, <-done)
	})
}

func TestHTTPConnectNegotiate(t *testing.T) {
	t.Run("200 succeeds", func(t *testing.T) {
		client, server := net.Pipe()
		defer client.Close()
		defer server.Close()

		done := make(chan bool, 1)
		go func() {
			done <- HTTPConnect{}.Negotiate(client, Target{Host: "example.com", Port: 443})
		}()

		buf := make([]byte, 4096)
		n, err := server.Read(buf)
		require.NoError(t, err)
		require.Contains(t, string(buf[:n]), "CONNECT example.com:443 HTTP/1.1")

		_, err = server.Write([]byte("HTTP/1.1 200 Connection Established\r\n\r\n"))
		require.NoError(t, err)

		require.True(t, <-done)
	})

	t.Run("non-200 fails", func(t *testing.T) {
		client, server := net.Pipe()
		defer client.Close()
		defer server.Close()

		done := make(chan bool, 1)
		go func() {
			done <- HTTPConnect{}.Negotiate(client, Target{Host: "example.com", Port: 443})
		}()

		buf := make([]byte, 4096)
		_, err := server.Read(buf)
		require.NoError(t, err)

		_, err = server.Write([]byte("HTTP/1.1 502 Bad Gateway\r\nContent-Length: 0\r\n\r\n"))
		require.NoError(t, err)

		require.False(t, <-done)
	})
}
