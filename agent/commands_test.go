package main

import (
	"errors"
	"testing"

	"github.com/haasonsaas/warden/pkg/protocol"
)

func recordingAgent(handlers map[protocol.CommandType]CommandHandler) *Agent {
	return &Agent{handlers: handlers}
}

func TestHandleCommandDispatchesKnownType(t *testing.T) {
	var got *protocol.Command
	a := recordingAgent(map[protocol.CommandType]CommandHandler{
		protocol.CommandWarnUser: func(cmd *protocol.Command) error {
			got = cmd
			return nil
		},
	})

	a.handleCommand(&protocol.Command{ID: "cmd-1", Type: protocol.CommandWarnUser})
	if got == nil || got.ID != "cmd-1" {
		t.Errorf("handler not invoked: %+v", got)
	}
}

func TestHandleCommandDropsUnknownType(t *testing.T) {
	called := false
	a := recordingAgent(map[protocol.CommandType]CommandHandler{
		protocol.CommandWarnUser: func(cmd *protocol.Command) error {
			called = true
			return nil
		},
	})

	a.handleCommand(&protocol.Command{ID: "cmd-1", Type: "SELF_DESTRUCT"})
	if called {
		t.Error("unknown command type reached a handler")
	}
}

func TestHandleBatchSurvivesHandlerError(t *testing.T) {
	var order []string
	a := recordingAgent(map[protocol.CommandType]CommandHandler{
		protocol.CommandWarnUser: func(cmd *protocol.Command) error {
			order = append(order, cmd.ID)
			if cmd.ID == "cmd-bad" {
				return errors.New("enforcement failed")
			}
			return nil
		},
	})

	a.handleBatch([]protocol.Command{
		{ID: "cmd-bad", Type: protocol.CommandWarnUser},
		{ID: "cmd-good", Type: protocol.CommandWarnUser},
	})
	if len(order) != 2 || order[1] != "cmd-good" {
		t.Errorf("batch interrupted, order = %v", order)
	}
}

func TestHandleBatchSurvivesHandlerPanic(t *testing.T) {
	var order []string
	a := recordingAgent(map[protocol.CommandType]CommandHandler{
		protocol.CommandQuarantineFile: func(cmd *protocol.Command) error {
			panic("bad path")
		},
		protocol.CommandWarnUser: func(cmd *protocol.Command) error {
			order = append(order, cmd.ID)
			return nil
		},
	})

	a.handleBatch([]protocol.Command{
		{ID: "cmd-panics", Type: protocol.CommandQuarantineFile},
		{ID: "cmd-after", Type: protocol.CommandWarnUser},
	})
	if len(order) != 1 || order[0] != "cmd-after" {
		t.Errorf("panic stopped the batch, order = %v", order)
	}
}

func TestHandleCommandNoHandlerIsHarmless(t *testing.T) {
	a := recordingAgent(map[protocol.CommandType]CommandHandler{})
	// Known type with no handler wired: logged and skipped.
	a.handleCommand(&protocol.Command{ID: "cmd-1", Type: protocol.CommandDisableUSB})
}

func TestDefaultHandlersCoverAllowList(t *testing.T) {
	handlers := defaultHandlers()
	for _, ct := range protocol.KnownCommandTypes() {
		if handlers[ct] == nil {
			t.Errorf("no default handler for %s", ct)
		}
	}
}

func TestPayloadOrEmpty(t *testing.T) {
	if got := payloadOrEmpty(&protocol.Command{}); string(got) != "{}" {
		t.Errorf("empty payload = %q", got)
	}
	if got := payloadOrEmpty(&protocol.Command{Payload: []byte(`{"a":1}`)}); string(got) != `{"a":1}` {
		t.Errorf("payload = %q", got)
	}
}
