package protocol

import (
	"encoding/json"
	"testing"
)

func TestMessageText(t *testing.T) {
	msg := Message{
		Role: "user",
		Parts: []Part{
			NewTextPart("找一份后端工程师的工作"),
			NewDataPart(map[string]any{"location": "remote"}),
			NewTextPart("最好是远程"),
		},
	}
	want := "找一份后端工程师的工作\n最好是远程"
	if got := msg.Text(); got != want {
		t.Fatalf("unexpected text: %q", got)
	}
}

func TestResponseEnvelope(t *testing.T) {
	resp := NewResponse("req-1", Task{ID: "t-1", Status: TaskStatus{State: TaskStateCompleted}})
	raw, err := json.Marshal(resp)
	if err != nil {
		t.Fatalf("marshal response: %v", err)
	}

	var decoded struct {
		JSONRPC string `json:"jsonrpc"`
		ID      string `json:"id"`
		Result  Task   `json:"result"`
		Error   *Error `json:"error"`
	}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	if decoded.JSONRPC != Version {
		t.Fatalf("unexpected version: %q", decoded.JSONRPC)
	}
	if decoded.Error != nil {
		t.Fatalf("unexpected error in success envelope: %+v", decoded.Error)
	}
	if decoded.Result.ID != "t-1" || decoded.Result.Status.State != TaskStateCompleted {
		t.Fatalf("unexpected result: %+v", decoded.Result)
	}
}

func TestNewErrorDefaults(t *testing.T) {
	cases := map[int]string{
		CodeParseError:        "parse error",
		CodeMethodNotFound:    "method not found",
		CodeTaskNotFound:      "task not found",
		CodeTaskNotCancelable: "task cannot be canceled",
	}
	for code, want := range cases {
		if got := NewError(code, "", nil).Message; got != want {
			t.Fatalf("code %d: got %q want %q", code, got, want)
		}
	}
}

func TestCompatibleContentTypes(t *testing.T) {
	if !CompatibleContentTypes(nil, SupportedContentTypes) {
		t.Fatalf("empty accepted list should be compatible")
	}
	if !CompatibleContentTypes([]string{"TEXT"}, nil) {
		t.Fatalf("text should match default supported types")
	}
	if CompatibleContentTypes([]string{"audio/wav"}, SupportedContentTypes) {
		t.Fatalf("audio should not be compatible")
	}
}

func TestTaskStateFinal(t *testing.T) {
	finals := []TaskState{TaskStateCompleted, TaskStateFailed, TaskStateCanceled}
	for _, state := range finals {
		if !state.Final() {
			t.Fatalf("%s should be final", state)
		}
	}
	if TaskStatePending.Final() || TaskStateWorking.Final() {
		t.Fatalf("pending/working must not be final")
	}
}
