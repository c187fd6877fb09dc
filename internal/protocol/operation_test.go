package protocol

import (
	"errors"
	"testing"
)

func TestNewOperationAssignsIdentity(t *testing.T) {
	t.Parallel()

	op := NewOperation("r1", "u1", OpInsert, 5, "hello")
	if op.ID == "" {
		t.Error("expected a generated id")
	}
	if op.Version != 0 {
		t.Errorf("expected version 0 before recording, got %d", op.Version)
	}
	if op.Timestamp == 0 {
		t.Error("expected a timestamp")
	}
	if err := op.Validate(); err != nil {
		t.Errorf("fresh operation should validate: %v", err)
	}
}

func TestOperationValidate(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		op   Operation
		ok   bool
	}{
		{"insert", Operation{ID: "a", Kind: OpInsert, Position: 0, Content: "x"}, true},
		{"delete without content", Operation{ID: "a", Kind: OpDelete, Position: 3}, true},
		{"replace", Operation{ID: "a", Kind: OpReplace, Position: 1, Content: "y"}, true},
		{"insert without content", Operation{ID: "a", Kind: OpInsert, Position: 0}, false},
		{"replace without content", Operation{ID: "a", Kind: OpReplace, Position: 0}, false},
		{"unknown kind", Operation{ID: "a", Kind: "move", Position: 0, Content: "x"}, false},
		{"negative position", Operation{ID: "a", Kind: OpDelete, Position: -1}, false},
		{"missing id", Operation{Kind: OpDelete, Position: 0}, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.op.Validate()
			if tc.ok && err != nil {
				t.Errorf("expected valid, got %v", err)
			}
			if !tc.ok {
				if err == nil {
					t.Fatal("expected an error")
				}
				if !errors.Is(err, ErrBadPayload) {
					t.Errorf("expected ErrBadPayload, got %v", err)
				}
			}
		})
	}
}
