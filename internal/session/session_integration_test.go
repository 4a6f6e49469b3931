//go:build integration
// +build integration

package session

import (
	"net"
	"testing"
	"time"

	"github.com/nominum/ccchannel/internal/connchan"
	"github.com/nominum/ccchannel/internal/wire"
)

// TestIntegration_AskTellSequenceClose_Loopback drives a full client/server
// round trip over a real TCP loopback socket: handshake, Tell, and a
// server-side Sequence consumed through Session.Sequence, followed by an
// orderly Close on both ends.
func TestIntegration_AskTellSequenceClose_Loopback(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer listener.Close()

	serverDone := make(chan *Session, 1)
	go func() {
		conn, err := listener.Accept()
		if err != nil {
			t.Errorf("accept: %v", err)
			serverDone <- nil
			return
		}
		cc, err := connchan.New(conn, []byte("s3cr3t"), false)
		if err != nil {
			t.Errorf("server handshake: %v", err)
			serverDone <- nil
			return
		}
		items := []string{"alpha", "beta", "gamma"}
		i := 0
		server := New(cc, WithDispatch(func(s *Session, msg *wire.Table) bool {
			data, _ := msg.GetTable("_data")
			typ, _ := data.GetString("type")
			switch typ {
			case "echo":
				response, respData := replyTo(msg)
				respData.SetString("type", "echo")
				if v, ok := data.GetString("value"); ok {
					respData.SetString("value", v)
				}
				s.Write(response, nil)
				return true
			case "list":
				seq := NewSequence(func() (*wire.Table, bool) {
					d := wire.NewTable()
					d.SetString("item", items[i])
					i++
					return d, i < len(items)
				}, nil)
				id := s.Register(seq)
				response, done := seq.NextMessage(msg, id, true)
				if done {
					s.deleteSequence(id)
				}
				s.Write(response, nil)
				return true
			}
			return false
		}))
		serverDone <- server
	}()

	conn, err := net.Dial("tcp", listener.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	cc, err := connchan.New(conn, []byte("s3cr3t"), true)
	if err != nil {
		t.Fatalf("client handshake: %v", err)
	}
	if !cc.Encrypted() {
		t.Fatal("expected the loopback session to negotiate encryption")
	}
	client := New(cc)

	server := <-serverDone
	if server == nil {
		t.Fatal("server setup failed")
	}
	defer server.Close(time.Second)
	defer client.Close(time.Second)

	echoData := wire.NewTable()
	echoData.SetString("type", "echo")
	echoData.SetString("value", "hello")
	got, err := client.Tell(echoData, time.Second, true, false)
	if err != nil {
		t.Fatalf("Tell(echo): %v", err)
	}
	if v, _ := got.GetString("value"); v != "hello" {
		t.Fatalf("echoed value = %q, want hello", v)
	}

	reader, err := client.Sequence("list", time.Second, 0, true)
	if err != nil {
		t.Fatalf("Sequence: %v", err)
	}
	var items []string
	for {
		data, err := reader.Next()
		if err != nil {
			t.Fatalf("reader.Next: %v", err)
		}
		if data == nil {
			break
		}
		item, _ := data.GetString("item")
		items = append(items, item)
	}
	want := []string{"alpha", "beta", "gamma"}
	if len(items) != len(want) {
		t.Fatalf("items = %v, want %v", items, want)
	}
	for i := range want {
		if items[i] != want[i] {
			t.Fatalf("items = %v, want %v", items, want)
		}
	}
}
