package fact

import "fmt"

// Row is the columnar row-group entry a Fact encodes to and decodes
// from. Struct tags drive segmentio/parquet-go's schema resolution:
// required columns have no "optional" tag, every string column is
// dictionary-encoded by default (spec §6), and optional columns use
// pointers so an absent value round-trips as a true Parquet null
// rather than an empty string.
type Row struct {
	ID            string  `parquet:"id,dict"`
	Identifier    string  `parquet:"identifier,dict"`
	SnapshotID    int64   `parquet:"snapshot_id"`
	Origin        string  `parquet:"origin,dict"`
	Network       *string `parquet:"network,optional,dict"`
	Repository    *string `parquet:"repository,optional,dict"`
	Institution   *string `parquet:"institution,optional,dict"`
	MetadataPrefix *string `parquet:"metadata_prefix,optional,dict"`
	SetSpec       *string `parquet:"set_spec,optional,dict"`
	RuleID        int32   `parquet:"rule_id"`
	Value         *string `parquet:"value,optional,dict"`
	IsValid       bool    `parquet:"is_valid"`
	RecordIsValid bool    `parquet:"record_is_valid"`
	IsTransformed bool    `parquet:"is_transformed"`
}

// Encode converts a Fact to its columnar Row representation, trimming
// and collapsing whitespace in Value per spec §4.1. It refuses rows
// missing a required field.
func Encode(f Fact) (Row, error) {
	if f.ID == "" {
		return Row{}, fmt.Errorf("encode fact: %w", missingField("id"))
	}
	if f.Identifier == "" {
		return Row{}, fmt.Errorf("encode fact: %w", missingField("identifier"))
	}
	if f.SnapshotID == 0 {
		return Row{}, fmt.Errorf("encode fact: %w", missingField("snapshot_id"))
	}

	row := Row{
		ID:            f.ID,
		Identifier:    f.Identifier,
		SnapshotID:    f.SnapshotID,
		Origin:        f.Origin,
		Network:       optionalString(f.Network),
		Repository:    optionalString(f.Repository),
		Institution:   optionalString(f.Institution),
		MetadataPrefix: optionalString(f.MetadataPrefix),
		SetSpec:       optionalString(f.SetSpec),
		RuleID:        f.RuleID,
		Value:         optionalString(Normalize(f.Value)),
		IsValid:       f.IsValid,
		RecordIsValid: f.RecordIsValid,
		IsTransformed: f.IsTransformed,
	}
	return row, nil
}

// DecodeRow converts a columnar Row back to a Fact.
func DecodeRow(row Row) (Fact, error) {
	if row.ID == "" {
		return Fact{}, fmt.Errorf("decode row: %w", missingField("id"))
	}
	if row.Identifier == "" {
		return Fact{}, fmt.Errorf("decode row: %w", missingField("identifier"))
	}
	if row.SnapshotID == 0 {
		return Fact{}, fmt.Errorf("decode row: %w", missingField("snapshot_id"))
	}

	return Fact{
		ID:            row.ID,
		Identifier:    row.Identifier,
		SnapshotID:    row.SnapshotID,
		Origin:        row.Origin,
		Network:       deref(row.Network),
		Repository:    deref(row.Repository),
		Institution:   deref(row.Institution),
		MetadataPrefix: deref(row.MetadataPrefix),
		SetSpec:       deref(row.SetSpec),
		RuleID:        row.RuleID,
		Value:         deref(row.Value),
		IsValid:       row.IsValid,
		RecordIsValid: row.RecordIsValid,
		IsTransformed: row.IsTransformed,
	}, nil
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

type fieldError struct {
	field string
}

func (e *fieldError) Error() string {
	return fmt.Sprintf("missing required field %q", e.field)
}

func missingField(field string) error {
	return &fieldError{field: field}
}
