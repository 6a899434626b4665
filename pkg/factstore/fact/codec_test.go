package fact_test

import (
	"testing"

	"github.com/lareferencia/validationstore/pkg/factstore/fact"
	"github.com/stretchr/testify/require"
)

func TestFact_Codec_RoundTrip(t *testing.T) {
	t.Parallel()

	f := fact.Fact{
		ID:            "a",
		Identifier:    "oai:a",
		SnapshotID:    1,
		Origin:        "harvester",
		Network:       "NET",
		RuleID:        7,
		Value:         "  x   y  ",
		IsValid:       true,
		RecordIsValid: true,
		IsTransformed: false,
	}

	row, err := fact.Encode(f)
	require.NoError(t, err)
	require.Equal(t, "x y", *row.Value)
	require.Nil(t, row.Repository)

	decoded, err := fact.DecodeRow(row)
	require.NoError(t, err)
	require.Equal(t, "x y", decoded.Value)
	require.Equal(t, "", decoded.Repository)

	want := f
	want.Value = "x y"
	require.Equal(t, want, decoded)
}

func TestFact_Codec_RefusesMissingRequiredFields(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		f    fact.Fact
	}{
		{"missing id", fact.Fact{Identifier: "oai:a", SnapshotID: 1}},
		{"missing identifier", fact.Fact{ID: "a", SnapshotID: 1}},
		{"missing snapshot id", fact.Fact{ID: "a", Identifier: "oai:a"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := fact.Encode(tc.f)
			require.Error(t, err)
		})
	}
}

func TestFact_Normalize(t *testing.T) {
	t.Parallel()

	require.Equal(t, "", fact.Normalize(""))
	require.Equal(t, "", fact.Normalize("   "))
	require.Equal(t, "a b", fact.Normalize("  a   b  "))
	require.Equal(t, "A b", fact.Normalize("A b"))
}
