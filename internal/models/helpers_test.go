package models

import (
	"testing"

	surrealmodels "github.com/surrealdb/surrealdb.go/pkg/models"
)

func TestRecordIDString(t *testing.T) {
	tests := []struct {
		name    string
		id      surrealmodels.RecordID
		want    string
		wantErr bool
	}{
		{"string key", surrealmodels.NewRecordID("job", "abc"), "abc", false},
		{"numeric key", surrealmodels.NewRecordID("job", 42), "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := RecordIDString(tt.id)
			if (err != nil) != tt.wantErr {
				t.Fatalf("RecordIDString() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("RecordIDString() = %q, want %q", got, tt.want)
			}
		})
	}
}
