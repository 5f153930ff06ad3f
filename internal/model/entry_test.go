package model

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRowID(t *testing.T) {
	tests := []struct {
		name string
		row  Row
		want int64
		ok   bool
	}{
		{"int64", Row{"id": int64(7)}, 7, true},
		{"int", Row{"id": 7}, 7, true},
		{"float", Row{"id": float64(7)}, 7, true},
		{"fractional float", Row{"id": 7.5}, 0, false},
		{"string", Row{"id": "42"}, 42, true},
		{"missing", Row{}, 0, false},
		{"bool", Row{"id": true}, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := tt.row.ID()
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNormalizeRow_NFCAndNumbers(t *testing.T) {
	// "e" + combining acute accent vs precomposed "é"
	decomposed := "Rene\u0301e"
	row := Row{"id": int64(3), "handler": decomposed, "armband": 101}

	got, err := NormalizeRow(row)
	require.NoError(t, err)

	assert.Equal(t, "Ren\u00e9e", got["handler"])
	assert.Equal(t, float64(101), got["armband"])
	id, ok := got.ID()
	require.True(t, ok)
	assert.Equal(t, int64(3), id)
}

func TestRowUpdatedAt(t *testing.T) {
	ts := time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)

	got, ok := Row{"updated_at": ts.Format(time.RFC3339Nano)}.UpdatedAt()
	require.True(t, ok)
	assert.True(t, ts.Equal(got))

	_, ok = Row{"updated_at": "yesterday"}.UpdatedAt()
	assert.False(t, ok)

	_, ok = Row{}.UpdatedAt()
	assert.False(t, ok)
}

func TestPatchApply_DoesNotMutateRow(t *testing.T) {
	row := Row{"id": int64(1), "result_text": ""}
	p := Patch{"result_text": "Q", "is_scored": true}

	out := p.Apply(row)

	assert.Equal(t, "Q", out["result_text"])
	assert.Equal(t, true, out["is_scored"])
	assert.Equal(t, "", row["result_text"], "source row must be untouched")
	assert.Equal(t, "Q", Patch{"result_text": "Q"}.Apply(nil)["result_text"])
}

func TestScoreValidate(t *testing.T) {
	s := Score{ResultText: " q ", SearchTimeMS: 12500}
	require.NoError(t, s.Validate())
	assert.Equal(t, "Q", s.ResultText)

	bad := Score{ResultText: "maybe"}
	assert.Error(t, bad.Validate())

	neg := Score{ResultText: "NQ", FaultCount: -1}
	assert.Error(t, neg.Validate())

	negTime := Score{ResultText: "NQ", SearchTimeMS: -5}
	assert.Error(t, negTime.Validate())
}

func TestScorePatchRoundTrip(t *testing.T) {
	s := Score{ResultText: "Q", SearchTimeMS: 61234, FaultCount: 1, CorrectCount: 3}

	p := s.Patch()
	assert.Equal(t, true, p[ColIsScored])
	assert.Equal(t, string(StatusCompleted), p[ColStatus])

	back, err := ScoreFromPatch(p)
	require.NoError(t, err)
	assert.Equal(t, s, back)
}

func TestStatusPatch(t *testing.T) {
	p := StatusPatch(StatusInRing)
	assert.Equal(t, true, p[ColIsInRing])

	status, err := StatusFromPatch(p)
	require.NoError(t, err)
	assert.Equal(t, StatusInRing, status)

	_, err = StatusFromPatch(Patch{ColStatus: "asleep"})
	assert.Error(t, err)
	_, err = StatusFromPatch(Patch{})
	assert.Error(t, err)
}

func TestDecodeEntry_FromOverlay(t *testing.T) {
	row := Row{
		"id":           float64(1),
		"armband":      float64(101),
		"class_id":     float64(9),
		"entry_status": "checked-in",
		"result_text":  nil,
	}
	e, err := DecodeEntry(Score{ResultText: "Q", SearchTimeMS: 1000}.Patch().Apply(row))
	require.NoError(t, err)

	assert.Equal(t, int64(1), e.ID)
	assert.Equal(t, 101, e.Armband)
	assert.Equal(t, int64(9), e.ClassID)
	assert.True(t, e.IsScored)
	assert.Equal(t, "Q", e.ResultText)
	assert.Equal(t, StatusCompleted, e.Status)
}

func TestCheckinStatusAndSource(t *testing.T) {
	assert.True(t, StatusAtGate.Valid())
	assert.False(t, CheckinStatus("lost").Valid())
	assert.True(t, SourceReset.Valid())
	assert.False(t, Source("bulk").Valid())
}

func TestScopeValidate(t *testing.T) {
	assert.Error(t, Scope{}.Validate())
	assert.Error(t, Scope{LicenseKey: "  "}.Validate())
	assert.NoError(t, Scope{LicenseKey: "myK9Q1-abc"}.Validate())
}

func TestClassLabel(t *testing.T) {
	assert.Equal(t, "Container Novice A", ClassLabel(Row{ColElement: "Container", ColLevel: "Novice", ColSection: "A"}))
	assert.Equal(t, "Buried Advanced", ClassLabel(Row{ColElement: " Buried ", ColLevel: "Advanced", ColSection: ""}))
	assert.Equal(t, "", ClassLabel(Row{ColID: 1.0}))
}

func TestAsInt64(t *testing.T) {
	tests := []struct {
		name string
		in   any
		want int64
		ok   bool
	}{
		{"int64", int64(9), 9, true},
		{"int", 12, 12, true},
		{"int32", int32(3), 3, true},
		{"whole float", 205.0, 205, true},
		{"fractional float", 1.5, 0, false},
		{"json number", json.Number("301"), 301, true},
		{"json fraction", json.Number("3.5"), 0, false},
		{"string", "44", 44, true},
		{"nil", nil, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := AsInt64(tt.in)
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.Equal(t, tt.want, got)
			}
		})
	}
}
