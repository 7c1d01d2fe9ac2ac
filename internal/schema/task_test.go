package schema

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"
)

func strPtr(s string) *string { return &s }
func intPtr(i int) *int       { return &i }

func TestCreateInput_Validate(t *testing.T) {
	tests := []struct {
		name    string
		input   CreateInput
		wantErr bool
		errMsg  string
	}{
		{
			name:  "valid minimal",
			input: CreateInput{Title: "Buy milk"},
		},
		{
			name: "valid full",
			input: CreateInput{
				Title:       "Buy milk",
				Description: "2 litres",
				Completed:   true,
				Priority:    PriorityHigh,
				ClientID:    "phone-1",
			},
		},
		{
			name:    "missing title",
			input:   CreateInput{Description: "no title"},
			wantErr: true,
			errMsg:  "title is required",
		},
		{
			name:    "title too long",
			input:   CreateInput{Title: strings.Repeat("x", MaxTitleLength+1)},
			wantErr: true,
			errMsg:  "title must be 500 characters or less",
		},
		{
			name:    "unknown priority",
			input:   CreateInput{Title: "x", Priority: "urgent"},
			wantErr: true,
			errMsg:  "priority must be one of: low, medium, high",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.input.Validate()
			if tt.wantErr {
				if err == nil {
					t.Fatalf("Validate() expected error containing %q, got nil", tt.errMsg)
				}
				if !errors.Is(err, ErrInvalid) {
					t.Errorf("Validate() error %v does not wrap ErrInvalid", err)
				}
				if !strings.Contains(err.Error(), tt.errMsg) {
					t.Errorf("Validate() error = %q, want to contain %q", err.Error(), tt.errMsg)
				}
				return
			}
			if err != nil {
				t.Errorf("Validate() unexpected error: %v", err)
			}
		})
	}
}

func TestUpdateInput_Validate(t *testing.T) {
	bad := Priority("critical")
	tests := []struct {
		name    string
		input   UpdateInput
		wantErr bool
	}{
		{name: "empty update", input: UpdateInput{}},
		{name: "version only", input: UpdateInput{Version: intPtr(3)}},
		{name: "zero version", input: UpdateInput{Version: intPtr(0)}, wantErr: true},
		{name: "empty title", input: UpdateInput{Title: strPtr("")}, wantErr: true},
		{name: "bad priority", input: UpdateInput{Priority: &bad}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.input.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestSyncTask_Validate(t *testing.T) {
	created := SyncTask{ID: "a"}
	if err := created.ValidateCreated(); err == nil {
		t.Error("ValidateCreated() accepted an item without title")
	}

	created.Title = strPtr("Buy milk")
	if err := created.ValidateCreated(); err != nil {
		t.Errorf("ValidateCreated() unexpected error: %v", err)
	}

	updated := SyncTask{Title: strPtr("x")}
	if err := updated.ValidateUpdated(); err == nil {
		t.Error("ValidateUpdated() accepted an item without id")
	}
	updated.ID = "a"
	if err := updated.ValidateUpdated(); err != nil {
		t.Errorf("ValidateUpdated() unexpected error: %v", err)
	}
}

func TestSyncTask_CreateInput(t *testing.T) {
	done := true
	prio := PriorityLow
	item := SyncTask{
		ID:        "dev-1",
		Title:     strPtr("Water plants"),
		Completed: &done,
		Priority:  &prio,
		ClientID:  strPtr("ignored"),
	}

	in := item.CreateInput("tablet")
	if in.ID != "dev-1" {
		t.Errorf("ID = %q, want dev-1", in.ID)
	}
	if in.ClientID != "tablet" {
		t.Errorf("ClientID = %q, want the request client", in.ClientID)
	}
	if in.Title != "Water plants" || !in.Completed || in.Priority != PriorityLow {
		t.Errorf("fields not copied: %+v", in)
	}
}

func TestPatch(t *testing.T) {
	if !(Patch{}).IsEmpty() {
		t.Error("zero Patch should be empty")
	}

	task := &Task{Title: "old", Description: "keep"}
	p := (&UpdateInput{Title: strPtr("new")}).Patch()
	if p.IsEmpty() {
		t.Fatal("patch with title should not be empty")
	}
	p.Apply(task)
	if task.Title != "new" {
		t.Errorf("Title = %q, want new", task.Title)
	}
	if task.Description != "keep" {
		t.Errorf("Description = %q, want keep", task.Description)
	}
}

func TestTask_State(t *testing.T) {
	task := &Task{ID: "a"}
	if task.State() != Live || !task.IsLive() {
		t.Errorf("State() = %v, want live", task.State())
	}

	now := time.Now()
	task.DeletedAt = &now
	if task.State() != Tombstoned || task.IsLive() {
		t.Errorf("State() = %v, want tombstoned", task.State())
	}
	if got := task.State().String(); got != "tombstoned" {
		t.Errorf("String() = %q", got)
	}
}

func TestTask_Clone(t *testing.T) {
	now := time.Now()
	orig := &Task{ID: "a", DeletedAt: &now, LastSyncAt: &now}
	c := orig.Clone()

	later := now.Add(time.Hour)
	*c.DeletedAt = later
	if !orig.DeletedAt.Equal(now) {
		t.Error("Clone() shares DeletedAt with the original")
	}
}

func TestTask_JSONWireNames(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	task := Task{
		ID:        "a",
		ClientID:  "phone",
		Title:     "Buy milk",
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}

	data, err := json.Marshal(task)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	for _, key := range []string{"clientId", "createdAt", "updatedAt", "deletedAt", "version", "completed"} {
		if _, ok := m[key]; !ok {
			t.Errorf("missing wire field %q in %s", key, data)
		}
	}
	if m["deletedAt"] != nil {
		t.Errorf("deletedAt = %v, want null for a live task", m["deletedAt"])
	}
}

func TestSyncTask_AcceptsServerRecord(t *testing.T) {
	synced := time.Date(2026, 4, 2, 9, 0, 0, 0, time.UTC)
	server := Task{
		ID:          "t-1",
		ClientID:    "laptop",
		Title:       "Buy milk",
		Description: "2 litres",
		Priority:    PriorityHigh,
		Completed:   true,
		Version:     3,
		CreatedAt:   synced.Add(-time.Hour),
		UpdatedAt:   synced,
		LastSyncAt:  &synced,
		DeletedAt:   &synced,
	}
	data, err := json.Marshal(server)
	if err != nil {
		t.Fatalf("Marshal() failed: %v", err)
	}

	dec := json.NewDecoder(strings.NewReader(string(data)))
	dec.DisallowUnknownFields()
	var item SyncTask
	if err := dec.Decode(&item); err != nil {
		t.Fatalf("a Task as sent by the server did not decode: %v", err)
	}
	if err := item.ValidateUpdated(); err != nil {
		t.Errorf("ValidateUpdated() failed: %v", err)
	}
	if err := item.ValidateCreated(); err != nil {
		t.Errorf("ValidateCreated() failed: %v", err)
	}

	if item.Version == nil || *item.Version != 3 {
		t.Errorf("Version = %v, want 3", item.Version)
	}

	// Only user fields flow into writes; timestamps stay store-managed.
	var applied Task
	item.Patch().Apply(&applied)
	if !applied.CreatedAt.IsZero() || !applied.UpdatedAt.IsZero() || applied.LastSyncAt != nil || applied.DeletedAt != nil {
		t.Errorf("Patch() carried store-managed fields: %+v", applied)
	}
	if applied.Title != "Buy milk" || !applied.Completed || applied.Priority != PriorityHigh {
		t.Errorf("Patch() lost user fields: %+v", applied)
	}

	in := item.CreateInput("phone")
	if in.ID != "t-1" || in.ClientID != "phone" || in.Description != "2 litres" {
		t.Errorf("CreateInput() = %+v", in)
	}
}
