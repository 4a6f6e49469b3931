package session

import (
	"testing"
	"time"

	"github.com/nominum/ccchannel/internal/ccerr"
	"github.com/nominum/ccchannel/internal/wire"
)

func TestRequestState_DeliverUnwrapsData(t *testing.T) {
	request := wire.NewTable()
	request.Set("_ctrl", wire.NewTable())
	rs := newRequestState(request, true, true, false)

	response := wire.NewTable()
	ctrl := wire.NewTable()
	ctrl.SetString("_rpl", "1")
	response.Set("_ctrl", ctrl)
	data := wire.NewTable()
	data.SetString("type", "pong")
	response.Set("_data", data)

	rs.deliver(response)

	got, err := rs.GetResponse(time.Second)
	if err != nil {
		t.Fatalf("GetResponse: %v", err)
	}
	if typ, _ := got.GetString("type"); typ != "pong" {
		t.Fatalf("type = %q, want pong", typ)
	}
}

func TestRequestState_RaiseErrorOnErrField(t *testing.T) {
	rs := newRequestState(wire.NewTable(), true, true, false)
	response := wire.NewTable()
	response.Set("_ctrl", wire.NewTable())
	data := wire.NewTable()
	data.SetString("err", "boom")
	response.Set("_data", data)
	rs.deliver(response)

	_, err := rs.GetResponse(time.Second)
	if err == nil {
		t.Fatal("expected an error")
	}
	if appErr, ok := err.(*ccerr.AppError); !ok || appErr.Detail != "boom" {
		t.Fatalf("err = %v, want AppError(boom)", err)
	}
}

func TestRequestState_SequenceNotOKRejectsSequenceResponse(t *testing.T) {
	rs := newRequestState(wire.NewTable(), true, true, false)
	response := wire.NewTable()
	ctrl := wire.NewTable()
	ctrl.SetString("_seq", "1")
	response.Set("_ctrl", ctrl)
	response.Set("_data", wire.NewTable())
	rs.deliver(response)

	_, err := rs.GetResponse(time.Second)
	if err != ccerr.ErrUnexpectedSequence {
		t.Fatalf("err = %v, want ErrUnexpectedSequence", err)
	}
}

func TestRequestState_FailDeliversError(t *testing.T) {
	rs := newRequestState(wire.NewTable(), true, true, false)
	rs.fail(ccerr.ErrClosing)

	_, err := rs.GetResponse(time.Second)
	if err != ccerr.ErrClosing {
		t.Fatalf("err = %v, want ErrClosing", err)
	}
}

func TestRequestState_GetResponseTimesOut(t *testing.T) {
	rs := newRequestState(wire.NewTable(), true, true, false)
	_, err := rs.GetResponse(10 * time.Millisecond)
	if err != ccerr.ErrTimeout {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
}

func TestRequestState_DeliverIsIdempotent(t *testing.T) {
	rs := newRequestState(wire.NewTable(), false, false, false)
	first := wire.NewTable()
	first.Set("_ctrl", wire.NewTable())
	first.Set("_data", wire.NewTable())
	rs.deliver(first)

	second := wire.NewTable()
	second.Set("_ctrl", wire.NewTable())
	second.Set("_data", wire.NewTable())
	rs.deliver(second)

	got, err := rs.GetResponse(time.Second)
	if err != nil {
		t.Fatalf("GetResponse: %v", err)
	}
	if got != first {
		t.Fatal("expected the first delivered message to win")
	}
}

func TestSequence_NextMessageProducesUntilDone(t *testing.T) {
	items := []string{"a", "b", "c"}
	i := 0
	closed := false
	seq := NewSequence(func() (*wire.Table, bool) {
		data := wire.NewTable()
		data.SetString("item", items[i])
		i++
		return data, i < len(items)
	}, func() { closed = true })

	request := wire.NewTable()
	ctrl := wire.NewTable()
	ctrl.SetString("_sseq", "1")
	request.Set("_ctrl", ctrl)

	resp1, done1 := seq.NextMessage(request, "1", false)
	if done1 {
		t.Fatal("expected not done after first item")
	}
	data1, _ := resp1.GetTable("_data")
	if v, _ := data1.GetString("item"); v != "a" {
		t.Fatalf("item = %q, want a", v)
	}
	respCtrl1, _ := resp1.GetTable("_ctrl")
	if _, ok := respCtrl1.Get("_more"); !ok {
		t.Fatal("expected _more on a non-final response")
	}

	resp2, done2 := seq.NextMessage(request, "1", false)
	data2, _ := resp2.GetTable("_data")
	if v, _ := data2.GetString("item"); v != "b" {
		t.Fatalf("item = %q, want b", v)
	}
	if done2 {
		t.Fatal("expected not done after second item")
	}

	resp3, done3 := seq.NextMessage(request, "1", false)
	data3, _ := resp3.GetTable("_data")
	if v, _ := data3.GetString("item"); v != "c" {
		t.Fatalf("item = %q, want c", v)
	}
	if !done3 {
		t.Fatal("expected done after final item")
	}
	if !closed {
		t.Fatal("expected onClose to run when the sequence finishes")
	}
}

func TestSequence_EndRequestClosesEarly(t *testing.T) {
	closed := false
	seq := NewSequence(func() (*wire.Table, bool) {
		t := wire.NewTable()
		t.SetString("item", "x")
		return t, true
	}, func() { closed = true })

	request := wire.NewTable()
	ctrl := wire.NewTable()
	ctrl.SetString("_end", "1")
	request.Set("_ctrl", ctrl)

	_, done := seq.NextMessage(request, "1", false)
	if !done {
		t.Fatal("expected _end request to end the sequence")
	}
	if !closed {
		t.Fatal("expected onClose to run on early cancellation")
	}
}
