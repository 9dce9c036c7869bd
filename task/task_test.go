package task_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/odontiq/odontiq/task"
)

func record() *task.Record {
	return &task.Record{
		TaskID:      "t1",
		TaskType:    task.TypeCephalometric,
		ImageURL:    "https://img.example.com/ceph.png",
		CallbackURL: "https://client.example.com/cb",
		Metadata:    json.RawMessage(`{"order":  17, "nested":{"a":1}}`),
	}
}

func TestSuccessEnvelopeShape(t *testing.T) {
	now := time.Date(2026, 8, 24, 10, 30, 0, 0, time.UTC)
	env := task.NewSuccessEnvelope(record(), json.RawMessage(`{"ok":true}`), now)

	raw, err := json.Marshal(env)
	if err != nil {
		t.Fatal(err)
	}
	var decoded map[string]json.RawMessage
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatal(err)
	}

	if string(decoded["status"]) != `"SUCCESS"` {
		t.Fatalf("status %s", decoded["status"])
	}
	if string(decoded["timestamp"]) != `"2026-08-24T10:30:00Z"` {
		t.Fatalf("timestamp %s", decoded["timestamp"])
	}
	// Exactly one of data/error is non-null.
	if string(decoded["data"]) == "null" {
		t.Fatal("SUCCESS data is null")
	}
	if string(decoded["error"]) != "null" {
		t.Fatalf("SUCCESS error %s, want null", decoded["error"])
	}
	// Metadata is echoed byte for byte, whitespace included.
	if string(decoded["metadata"]) != `{"order":  17, "nested":{"a":1}}` {
		t.Fatalf("metadata %s", decoded["metadata"])
	}

	var params task.RequestParameters
	if err := json.Unmarshal(decoded["requestParameters"], &params); err != nil {
		t.Fatal(err)
	}
	if params.TaskType != task.TypeCephalometric || params.ImageURL != "https://img.example.com/ceph.png" {
		t.Fatalf("requestParameters %+v", params)
	}
}

func TestFailureEnvelopeShape(t *testing.T) {
	terr := task.Errorf(task.KindImageTooLarge, "image exceeds 52428800 bytes")
	env := task.NewFailureEnvelope(record(), terr, time.Now())

	raw, err := json.Marshal(env)
	if err != nil {
		t.Fatal(err)
	}
	var decoded map[string]json.RawMessage
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatal(err)
	}

	if string(decoded["status"]) != `"FAILURE"` {
		t.Fatalf("status %s", decoded["status"])
	}
	if string(decoded["data"]) != "null" {
		t.Fatalf("FAILURE data %s, want null", decoded["data"])
	}

	var ee task.EnvelopeError
	if err := json.Unmarshal(decoded["error"], &ee); err != nil {
		t.Fatal(err)
	}
	if ee.Code != 20002 {
		t.Fatalf("code %d, want 20002", ee.Code)
	}
	if ee.Message == "" || ee.DisplayMessage == "" {
		t.Fatalf("error triple incomplete: %+v", ee)
	}
	if ee.Message == ee.DisplayMessage {
		t.Fatal("display message should not be the engineer message")
	}
}

func TestErrorCodes(t *testing.T) {
	tests := []struct {
		kind task.Kind
		code int
	}{
		{task.KindValidationFailure, 10001},
		{task.KindDuplicateTaskID, 10002},
		{task.KindUnsupportedMedia, 10003},
		{task.KindStoreUnavailable, 10500},
		{task.KindQueueUnavailable, 10501},
		{task.KindImageUnreachable, 20001},
		{task.KindImageTooLarge, 20002},
		{task.KindImageFormatBad, 20003},
		{task.KindWeightsUnavailable, 20004},
		{task.KindInferenceFailure, 20005},
		{task.KindCallbackUndelivered, 20006},
	}
	for _, tt := range tests {
		if got := task.Errorf(tt.kind, "x").Code(); got != tt.code {
			t.Errorf("%s: code %d, want %d", tt.kind, got, tt.code)
		}
	}
}

func TestTypeValid(t *testing.T) {
	for _, typ := range task.Types {
		if !typ.Valid() {
			t.Errorf("%s should be valid", typ)
		}
	}
	for _, s := range []string{"", "bitewing", "PANORAMIC", "panoramic "} {
		if task.Type(s).Valid() {
			t.Errorf("%q should be invalid", s)
		}
	}
}
