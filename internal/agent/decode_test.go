package agent

import (
	"errors"
	"strings"
	"testing"
)

func decodeOne(t *testing.T, vendor Vendor, line string) Event {
	t.Helper()
	events, err := vendor.Decoder().Decode([]byte(line))
	if err != nil {
		t.Fatalf("decode %s: %v", vendor, err)
	}
	if len(events) != 1 {
		t.Fatalf("expected one event from %q, got %#v", line, events)
	}
	return events[0]
}

func TestDecodeClaudeStream(t *testing.T) {
	initEvent := decodeOne(t, VendorClaude, `{"type":"system","subtype":"init","session_id":"s-1","model":"claude-sonnet"}`)
	if initEvent.Kind != EventSessionInit || initEvent.SessionID != "s-1" || initEvent.Model != "claude-sonnet" {
		t.Fatalf("unexpected init event: %#v", initEvent)
	}

	events, err := VendorClaude.Decoder().Decode([]byte(`{"type":"assistant","message":{"content":[` +
		`{"type":"text","text":"reading"},` +
		`{"type":"tool_use","id":"tu_1","name":"Read","input":{"path":"main.go"}}]}}`))
	if err != nil {
		t.Fatalf("decode assistant: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected two events, got %#v", events)
	}
	if events[0].Kind != EventAssistantMessage || events[0].Text != "reading" {
		t.Fatalf("unexpected text event: %#v", events[0])
	}
	if events[1].Kind != EventToolUse || events[1].Tool.Name != "Read" || string(events[1].Tool.Input) != `{"path":"main.go"}` {
		t.Fatalf("unexpected tool_use event: %#v", events[1])
	}

	result := decodeOne(t, VendorClaude, `{"type":"user","message":{"content":[{"type":"tool_result","tool_use_id":"tu_1","content":[{"type":"text","text":"package main"}]}]}}`)
	if result.Kind != EventToolResult || result.Tool.ID != "tu_1" || result.Tool.Output != "package main" {
		t.Fatalf("unexpected tool_result event: %#v", result)
	}

	control := decodeOne(t, VendorClaude, `{"type":"control_request","request_id":"req-9","request":{"subtype":"can_use_tool","tool_name":"Bash"}}`)
	if control.Kind != EventControlRequest || control.RequestID != "req-9" || !strings.Contains(string(control.Request), "can_use_tool") {
		t.Fatalf("unexpected control event: %#v", control)
	}

	done := decodeOne(t, VendorClaude, `{"type":"result","subtype":"success","result":"done","usage":{"input_tokens":10,"output_tokens":4}}`)
	if done.Kind != EventTurnCompleted || done.Text != "done" || done.Usage == nil || done.Usage.OutputTokens != 4 {
		t.Fatalf("unexpected result event: %#v", done)
	}

	failed := decodeOne(t, VendorClaude, `{"type":"result","subtype":"error_max_turns","is_error":true}`)
	if failed.Kind != EventError || failed.Error != "error_max_turns" {
		t.Fatalf("unexpected error result: %#v", failed)
	}
}

func TestDecodeCodexStream(t *testing.T) {
	initEvent := decodeOne(t, VendorCodex, `{"type":"thread.started","thread_id":"th_1"}`)
	if initEvent.Kind != EventSessionInit || initEvent.SessionID != "th_1" {
		t.Fatalf("unexpected init event: %#v", initEvent)
	}

	started := decodeOne(t, VendorCodex, `{"type":"item.started","item":{"id":"i1","type":"command_execution","command":"ls","status":"in_progress"}}`)
	if started.Kind != EventToolUse || started.Tool.Name != "command_execution" || string(started.Tool.Input) != `{"command":"ls"}` {
		t.Fatalf("unexpected tool_use event: %#v", started)
	}

	completed := decodeOne(t, VendorCodex, `{"type":"item.completed","item":{"id":"i1","type":"command_execution","command":"ls","aggregated_output":"go.mod","exit_code":1,"status":"completed"}}`)
	if completed.Kind != EventToolResult || completed.Tool.Output != "go.mod" || !completed.Tool.IsError {
		t.Fatalf("unexpected tool_result event: %#v", completed)
	}

	message := decodeOne(t, VendorCodex, `{"type":"item.completed","item":{"id":"i2","type":"agent_message","text":"all set"}}`)
	if message.Kind != EventAssistantMessage || message.Text != "all set" {
		t.Fatalf("unexpected message event: %#v", message)
	}

	turn := decodeOne(t, VendorCodex, `{"type":"turn.completed","usage":{"input_tokens":5,"output_tokens":7}}`)
	if turn.Kind != EventTurnCompleted || turn.Usage.InputTokens != 5 {
		t.Fatalf("unexpected turn event: %#v", turn)
	}

	failed := decodeOne(t, VendorCodex, `{"type":"turn.failed","error":{"message":"stream disconnected"}}`)
	if failed.Kind != EventError || failed.Error != "stream disconnected" {
		t.Fatalf("unexpected failure event: %#v", failed)
	}

	events, err := VendorCodex.Decoder().Decode([]byte(`{"type":"item.started","item":{"id":"i3","type":"reasoning","text":"hmm"}}`))
	if err != nil || len(events) != 0 {
		t.Fatalf("expected reasoning items to be skipped, got %#v (%v)", events, err)
	}
}

func TestDecodeGeminiStream(t *testing.T) {
	initEvent := decodeOne(t, VendorGemini, `{"type":"init","session_id":"g-1","model":"gemini-2.5-pro"}`)
	if initEvent.Kind != EventSessionInit || initEvent.Model != "gemini-2.5-pro" {
		t.Fatalf("unexpected init event: %#v", initEvent)
	}

	events, err := VendorGemini.Decoder().Decode([]byte(`{"type":"message","role":"user","content":"hi"}`))
	if err != nil || len(events) != 0 {
		t.Fatalf("expected user echo to be skipped, got %#v (%v)", events, err)
	}

	message := decodeOne(t, VendorGemini, `{"type":"message","role":"assistant","content":"hello"}`)
	if message.Kind != EventAssistantMessage || message.Text != "hello" {
		t.Fatalf("unexpected message event: %#v", message)
	}

	use := decodeOne(t, VendorGemini, `{"type":"tool_use","tool_name":"read_file","tool_id":"t1","parameters":{"path":"a.go"}}`)
	if use.Kind != EventToolUse || use.Tool.ID != "t1" || use.Tool.Name != "read_file" {
		t.Fatalf("unexpected tool_use event: %#v", use)
	}

	result := decodeOne(t, VendorGemini, `{"type":"tool_result","tool_id":"t1","status":"error","error":{"type":"io","message":"missing"}}`)
	if result.Kind != EventToolResult || !result.Tool.IsError || result.Tool.Output != "missing" {
		t.Fatalf("unexpected tool_result event: %#v", result)
	}

	done := decodeOne(t, VendorGemini, `{"type":"result","status":"success"}`)
	if done.Kind != EventTurnCompleted {
		t.Fatalf("unexpected result event: %#v", done)
	}

	failed := decodeOne(t, VendorGemini, `{"type":"result","status":"error","error":{"message":"rate limited"}}`)
	if failed.Kind != EventError || failed.Error != "rate limited" {
		t.Fatalf("unexpected error result: %#v", failed)
	}
}

func TestDecodeRejectsNonJSONLines(t *testing.T) {
	for _, vendor := range Vendors {
		events, err := vendor.Decoder().Decode([]byte("Loading configuration..."))
		if !errors.Is(err, errNotJSON) {
			t.Fatalf("%s: expected errNotJSON, got %v", vendor, err)
		}
		if len(events) != 0 {
			t.Fatalf("%s: expected no events, got %#v", vendor, events)
		}
	}
}

func TestDecodeUnknownVendor(t *testing.T) {
	_, err := Vendor("cursor").Decoder().Decode([]byte(`{}`))
	if !errors.Is(err, ErrUnknownVendor) {
		t.Fatalf("expected ErrUnknownVendor, got %v", err)
	}
}
