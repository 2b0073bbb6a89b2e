package bucket

import "errors"

// Schema versions recorded on stored snapshot rows.
const (
	// SchemaVersionUnknown marks rows written before schema versions were
	// recorded.
	SchemaVersionUnknown = 0

	// SchemaVersionLegacy is the original scheme: 4 AM service-day start, no
	// index offset.
	SchemaVersionLegacy = 1

	// SchemaVersionCurrent is the scheme whose indices carry
	// CurrentEpochOffset. Its service-day start hour is configurable.
	SchemaVersionCurrent = 2
)

const (
	// LegacyEpochOffset is the index offset of the legacy scheme.
	LegacyEpochOffset = 0

	// CurrentEpochOffset shifts current-scheme indices above any legacy index
	// so both epochs can share one (day, index) keyed table.
	CurrentEpochOffset = 1000

	// LegacyStartHour is the service-day start hour of the legacy scheme.
	LegacyStartHour = 4
)

// Epoch identifies which bucketing scheme produced an interval index.
type Epoch int

const (
	EpochAmbiguous Epoch = iota
	EpochLegacy
	EpochCurrent
)

func (e Epoch) String() string {
	switch e {
	case EpochLegacy:
		return "legacy"
	case EpochCurrent:
		return "current"
	default:
		return "ambiguous"
	}
}

// ErrAmbiguousEpoch is returned for rows whose epoch cannot be determined.
var ErrAmbiguousEpoch = errors.New("ambiguous bucketing epoch")

// ClassifyEpoch determines the epoch of a stored row from its recorded schema
// version. Rows without a version are reported as ambiguous even when the
// index happens to fall in one epoch's range: an index below the current
// offset may be a legacy slot or a mis-imported one, and guessing would
// silently merge two schemes.
func ClassifyEpoch(index, schemaVersion int) (Epoch, error) {
	switch schemaVersion {
	case SchemaVersionCurrent:
		if index < CurrentEpochOffset {
			return EpochAmbiguous, ErrAmbiguousEpoch
		}
		return EpochCurrent, nil
	case SchemaVersionLegacy:
		if index >= CurrentEpochOffset {
			return EpochAmbiguous, ErrAmbiguousEpoch
		}
		return EpochLegacy, nil
	default:
		return EpochAmbiguous, ErrAmbiguousEpoch
	}
}

// CurrentConfig returns the current-epoch bucketing config for a zone.
func CurrentConfig(cfg Config) Config {
	cfg.Offset = CurrentEpochOffset
	return cfg
}
