package dispatch

import (
	"context"
	"errors"
	"net"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"
	"time"

	"github.com/lawnchairsociety/qlcbridge/internal/qlc"
	"github.com/lawnchairsociety/qlcbridge/internal/simulator"
)

type fakeTarget struct {
	reply    string
	err      error
	commands []string
}

func (f *fakeTarget) SendCommand(ctx context.Context, command string) (string, error) {
	f.commands = append(f.commands, command)
	return f.reply, f.err
}

func TestDispatch_FirstRegisteredTargetWins(t *testing.T) {
	r := NewRegistry()
	stage := &fakeTarget{reply: "QLC+API|getWidgetsList|1|Alpha"}
	booth := &fakeTarget{reply: "booth"}
	r.Register("stage", stage)
	r.Register("booth", booth)

	resp, err := r.Dispatch(context.Background(), Request{
		Command: "QLC+API|getWidgetsList",
		Targets: []string{"missing", "stage", "booth"},
	})
	if err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	if resp.Response != "QLC+API|getWidgetsList|1|Alpha" || resp.Target != "stage" {
		t.Errorf("unexpected response %+v", resp)
	}
	if len(stage.commands) != 1 || stage.commands[0] != "QLC+API|getWidgetsList" {
		t.Errorf("command not forwarded verbatim: %v", stage.commands)
	}
	if len(booth.commands) != 0 {
		t.Error("only the first matching target should be called")
	}
}

func TestDispatch_NoValidTarget(t *testing.T) {
	r := NewRegistry()
	r.Register("stage", &fakeTarget{})

	for _, targets := range [][]string{nil, {}, {"unknown"}} {
		resp, err := r.Dispatch(context.Background(), Request{Command: "x|y", Targets: targets})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if resp.Response != NoTargetResponse {
			t.Errorf("targets %v: response = %q, want %q", targets, resp.Response, NoTargetResponse)
		}
	}
}

func TestDispatch_EmptyCommand(t *testing.T) {
	r := NewRegistry()
	r.Register("stage", &fakeTarget{})

	if _, err := r.Dispatch(context.Background(), Request{Targets: []string{"stage"}}); !errors.Is(err, ErrEmptyCommand) {
		t.Errorf("expected ErrEmptyCommand, got %v", err)
	}
}

func TestDispatch_PropagatesClientError(t *testing.T) {
	r := NewRegistry()
	failure := &qlc.Error{Kind: qlc.KindTimeout, Op: "send", Message: "timed out waiting for response"}
	r.Register("stage", &fakeTarget{err: failure})

	resp, err := r.Dispatch(context.Background(), Request{Command: "QLC+API|getGMValue", Targets: []string{"stage"}})
	if !errors.Is(err, qlc.ErrTimeout) {
		t.Errorf("expected timeout error, got %v", err)
	}
	if resp.Target != "stage" {
		t.Errorf("expected target to be reported, got %+v", resp)
	}
}

func TestRegistry_RegisterUnregister(t *testing.T) {
	r := NewRegistry()
	r.Register("b", &fakeTarget{})
	r.Register("a", &fakeTarget{})

	if names := r.Names(); len(names) != 2 || names[0] != "a" || names[1] != "b" {
		t.Errorf("Names() = %v", names)
	}

	r.Unregister("a")
	if _, ok := r.Lookup("a"); ok {
		t.Error("expected a to be removed")
	}
	if _, ok := r.Lookup("b"); !ok {
		t.Error("expected b to remain")
	}
}

func TestDispatch_ThroughClient(t *testing.T) {
	sim := simulator.New(simulator.DefaultDesk())
	ts := httptest.NewServer(sim)
	defer func() {
		sim.CloseConnections()
		ts.Close()
	}()

	u, _ := url.Parse(ts.URL)
	host, portStr, _ := net.SplitHostPort(u.Host)
	port, _ := strconv.Atoi(portStr)

	client, err := qlc.NewClient(qlc.Endpoint{Host: host, Port: port, Timeout: time.Second})
	if err != nil {
		t.Fatal(err)
	}
	defer client.Disconnect()

	r := NewRegistry()
	r.Register("stage", client)

	resp, err := r.Dispatch(context.Background(), Request{Command: "QLC+API|getGMValue", Targets: []string{"stage"}})
	if err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	if resp.Response != "QLC+API|getGMValue|255" {
		t.Errorf("unexpected reply %q", resp.Response)
	}
}
