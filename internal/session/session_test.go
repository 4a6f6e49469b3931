package session

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/nominum/ccchannel/internal/connchan"
	"github.com/nominum/ccchannel/internal/wire"
)

func pipeSessions(t *testing.T, passiveDispatch Dispatch) (*Session, *Session) {
	t.Helper()
	a, b := net.Pipe()

	var activeConn, passiveConn *connchan.Connection
	var activeErr, passiveErr error
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		activeConn, activeErr = connchan.New(a, nil, true)
	}()
	go func() {
		defer wg.Done()
		passiveConn, passiveErr = connchan.New(b, nil, false)
	}()
	wg.Wait()
	if activeErr != nil {
		t.Fatalf("active handshake: %v", activeErr)
	}
	if passiveErr != nil {
		t.Fatalf("passive handshake: %v", passiveErr)
	}

	active := New(activeConn)
	passive := New(passiveConn, WithDispatch(passiveDispatch))
	return active, passive
}

func replyTo(request *wire.Table) (*wire.Table, *wire.Table) {
	response := wire.NewTable()
	ctrl := wire.NewTable()
	ctrl.SetString("_rpl", "1")
	if reqCtrl, ok := request.GetTable("_ctrl"); ok {
		if sseq, ok := reqCtrl.Get("_sseq"); ok {
			ctrl.Set("_rseq", sseq)
		}
	}
	data := wire.NewTable()
	response.Set("_ctrl", ctrl)
	response.Set("_data", data)
	return response, data
}

func TestSession_TellRoundTrip(t *testing.T) {
	active, passive := pipeSessions(t, func(s *Session, msg *wire.Table) bool {
		data, _ := msg.GetTable("_data")
		typ, _ := data.GetString("type")
		if typ != "ping" {
			return false
		}
		response, respData := replyTo(msg)
		respData.SetString("type", "pong")
		s.Write(response, nil)
		return true
	})
	defer active.Close(time.Second)
	defer passive.Close(time.Second)

	got, err := active.Tell("ping", time.Second, true, false)
	if err != nil {
		t.Fatalf("Tell: %v", err)
	}
	if typ, _ := got.GetString("type"); typ != "pong" {
		t.Fatalf("type = %q, want pong", typ)
	}
}

func TestSession_TellPropagatesAppError(t *testing.T) {
	active, passive := pipeSessions(t, func(s *Session, msg *wire.Table) bool {
		response, respData := replyTo(msg)
		respData.SetString("err", "nope")
		s.Write(response, nil)
		return true
	})
	defer active.Close(time.Second)
	defer passive.Close(time.Second)

	_, err := active.Tell("whatever", time.Second, true, false)
	if err == nil {
		t.Fatal("expected an AppError")
	}
}

func TestSession_UnhandledRequestGetsUnknownRequestError(t *testing.T) {
	active, passive := pipeSessions(t, nil)
	defer active.Close(time.Second)
	defer passive.Close(time.Second)

	_, err := active.Tell("mystery", time.Second, true, false)
	if err == nil {
		t.Fatal("expected the passive side's default unknown-request reply to surface as an error")
	}
}

func TestSession_CloseFailsOutstandingCalls(t *testing.T) {
	active, passive := pipeSessions(t, nil)
	defer passive.Close(time.Second)

	rs, err := active.Ask("ping", true, false)
	if err != nil {
		t.Fatalf("Ask: %v", err)
	}
	active.Close(time.Second)

	_, err = rs.GetResponse(time.Second)
	if err == nil {
		t.Fatal("expected the outstanding call to fail once the session closes")
	}
}

func TestSession_ServerSequenceDrivenByNext(t *testing.T) {
	items := []string{"x", "y"}
	i := 0
	active, passive := pipeSessions(t, func(s *Session, msg *wire.Table) bool {
		data, _ := msg.GetTable("_data")
		typ, _ := data.GetString("type")
		if typ != "list" {
			return false
		}
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
	})
	defer active.Close(time.Second)
	defer passive.Close(time.Second)

	reader, err := active.Sequence("list", time.Second, 0, true)
	if err != nil {
		t.Fatalf("Sequence: %v", err)
	}
	var got []string
	for {
		data, err := reader.Next()
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		if data == nil {
			break
		}
		item, _ := data.GetString("item")
		got = append(got, item)
	}
	if len(got) != 2 || got[0] != "x" || got[1] != "y" {
		t.Fatalf("got = %v, want [x y]", got)
	}
}
