package storage

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"

	"github.com/cabril87/100-days-of-fullstack-sub005/domain"
)

func testColumn() domain.Column {
	return domain.Column{ID: "col-1", Name: "To Do", Order: 0, MappedStatus: "todo"}
}

func TestDecodeTaskEntity(t *testing.T) {
	data := []byte(`{"PartitionKey":"b1","RowKey":"t1","Title":"Ship the feature","Status":"In-Progress","Priority":"high","Assignee":"dana","DueDate":"2026-09-01T12:00:00Z","Order":3,"Metadata":"{\"sprint\":\"42\"}"}`)
	task, err := decodeTaskEntity(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if task.ID != "t1" || task.Title != "Ship the feature" || task.Status != "In-Progress" {
		t.Fatalf("unexpected task: %+v", task)
	}
	if task.Order != 3 || task.Priority != "high" || task.Assignee != "dana" {
		t.Fatalf("unexpected task fields: %+v", task)
	}
	if task.DueDate == nil || !task.DueDate.Equal(time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected due date: %v", task.DueDate)
	}
	if task.Metadata["sprint"] != "42" {
		t.Fatalf("unexpected metadata: %v", task.Metadata)
	}
}

func TestDecodeTaskEntityMinimal(t *testing.T) {
	data := []byte(`{"PartitionKey":"b1","RowKey":"t2","Title":"Bare","Status":"todo","Order":0}`)
	task, err := decodeTaskEntity(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if task.DueDate != nil || task.Metadata != nil {
		t.Fatalf("expected empty optionals, got %+v", task)
	}
}

func TestDecodeColumnEntity(t *testing.T) {
	data := []byte(`{"PartitionKey":"b1","RowKey":"column:col-9","Name":"Review","Order":2,"TaskLimit":4,"MappedStatus":"review","Hidden":true}`)
	col, err := decodeColumnEntity(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if col.ID != "col-9" {
		t.Fatalf("row key prefix must be stripped, got %q", col.ID)
	}
	if col.Name != "Review" || col.Order != 2 || col.TaskLimit != 4 || !col.Hidden {
		t.Fatalf("unexpected column: %+v", col)
	}
	if col.MappedStatus != "review" {
		t.Fatalf("unexpected status: %s", col.MappedStatus)
	}
}

func TestEncodeColumnEntityKeys(t *testing.T) {
	data, err := encodeColumnEntity("b1", testColumn())
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	var ent struct {
		PartitionKey string `json:"PartitionKey"`
		RowKey       string `json:"RowKey"`
		MappedStatus string `json:"MappedStatus"`
	}
	if err := json.Unmarshal(data, &ent); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if ent.PartitionKey != "b1" || ent.RowKey != "column:col-1" {
		t.Fatalf("unexpected keys: %+v", ent)
	}
	if ent.MappedStatus != "todo" {
		t.Fatalf("unexpected status property: %q", ent.MappedStatus)
	}
}

func TestReorderActions(t *testing.T) {
	actions, err := reorderActions("b1", []string{"col-b", "col-a", "col-c"})
	if err != nil {
		t.Fatalf("build actions: %v", err)
	}
	if len(actions) != 3 {
		t.Fatalf("expected 3 actions, got %d", len(actions))
	}
	for i, action := range actions {
		if action.ActionType != aztables.TransactionTypeUpdateMerge {
			t.Fatalf("action %d: unexpected type %s", i, action.ActionType)
		}
		var ent struct {
			PartitionKey string `json:"PartitionKey"`
			RowKey       string `json:"RowKey"`
			Order        int    `json:"Order"`
		}
		if err := json.Unmarshal(action.Entity, &ent); err != nil {
			t.Fatalf("action %d: unmarshal: %v", i, err)
		}
		if ent.PartitionKey != "b1" || ent.Order != i {
			t.Fatalf("action %d: unexpected entity %+v", i, ent)
		}
	}
	var first struct {
		RowKey string `json:"RowKey"`
	}
	if err := json.Unmarshal(actions[0].Entity, &first); err != nil {
		t.Fatalf("unmarshal first: %v", err)
	}
	if first.RowKey != "column:col-b" {
		t.Fatalf("unexpected first row key %q", first.RowKey)
	}
}

func TestReorderActionsEmpty(t *testing.T) {
	if _, err := reorderActions("b1", nil); err == nil {
		t.Fatalf("expected error for empty order")
	}
}
