// Package transcript filters and maps raw recognition output into outbound
// transcript records.
package transcript

import (
	"math"

	"github.com/rs/zerolog"

	"github.com/mconf/bbb-livekit-stt/internal/locale"
	"github.com/mconf/bbb-livekit-stt/internal/observability"
	"github.com/mconf/bbb-livekit-stt/internal/stt"
)

// Settings is the per-participant snapshot the mapper filters against. It is
// taken at event time; the mapper never reads shared state.
type Settings struct {
	// Locale is the regional locale the participant requested (e.g. "en-US")
	Locale string

	// PartialUtterances enables interim records for this participant
	PartialUtterances bool

	// MinUtteranceLength is the minimum interim utterance duration, in the
	// same unit as the alternatives' Start/End offsets. Zero disables the
	// filter. An utterance of exactly this duration is still discarded.
	MinUtteranceLength float64
}

// Record is one outbound transcript record. The meeting ID is added by the
// publisher; the mapper does not know which room it serves.
type Record struct {
	ParticipantID string
	Locale        string
	Text          string
	Start         int64
	End           int64
	Final         bool
}

// Mapper turns speech events into records, applying confidence and duration
// thresholds and the two-tier locale resolution.
type Mapper struct {
	// MinConfidenceFinal is the confidence floor for final alternatives
	MinConfidenceFinal float64

	// MinConfidenceInterim is the confidence floor for interim alternatives
	MinConfidenceInterim float64

	// Langs maps engine language codes to regional locales for translated
	// alternatives
	Langs locale.Map

	Log zerolog.Logger
}

// Map converts one speech event into zero or more records.
//
// open is the session open instant; alternative offsets are added to it and
// floored, so both must be expressed in the record's time unit. Records come
// out in alternative order, which together with in-order event processing
// keeps a session's output in engine emission order.
func (m *Mapper) Map(ev stt.SpeechEvent, set Settings, open float64) []Record {
	switch ev.Type {
	case stt.FinalTranscript:
		return m.mapFinal(ev, set, open)
	case stt.InterimTranscript:
		return m.mapInterim(ev, set, open)
	}
	return nil
}

func (m *Mapper) mapFinal(ev stt.SpeechEvent, set Settings, open float64) []Record {
	var records []Record
	for _, alt := range ev.Alternatives {
		if alt.Confidence < m.MinConfidenceFinal {
			observability.AlternativeDropped("confidence")
			m.Log.Debug().
				Str("language", alt.Language).
				Float64("confidence", alt.Confidence).
				Msg("Discarding final alternative below confidence threshold")
			continue
		}
		records = append(records, m.buildRecord(alt, set, open, true))
	}
	return records
}

func (m *Mapper) mapInterim(ev stt.SpeechEvent, set Settings, open float64) []Record {
	if !set.PartialUtterances {
		observability.AlternativeDropped("partials_disabled")
		return nil
	}

	var records []Record
	for _, alt := range ev.Alternatives {
		if alt.Confidence < m.MinConfidenceInterim {
			observability.AlternativeDropped("confidence")
			m.Log.Debug().
				Str("language", alt.Language).
				Float64("confidence", alt.Confidence).
				Msg("Discarding interim alternative below confidence threshold")
			continue
		}
		if set.MinUtteranceLength > 0 && alt.End-alt.Start <= set.MinUtteranceLength {
			observability.AlternativeDropped("duration")
			m.Log.Debug().
				Str("language", alt.Language).
				Float64("duration", alt.End-alt.Start).
				Float64("min_utterance_length", set.MinUtteranceLength).
				Msg("Discarding interim alternative below minimum utterance length")
			continue
		}
		records = append(records, m.buildRecord(alt, set, open, false))
	}
	return records
}

func (m *Mapper) buildRecord(alt stt.Alternative, set Settings, open float64, final bool) Record {
	loc, mapped := m.Langs.Resolve(alt.Language, set.Locale)
	if !mapped {
		observability.LocaleFallback()
		m.Log.Warn().
			Str("language", alt.Language).
			Msg("No locale mapping for transcript language, falling back to the language code itself")
	}

	return Record{
		Locale: loc,
		Text:   alt.Text,
		Start:  int64(math.Floor(open + alt.Start)),
		End:    int64(math.Floor(open + alt.End)),
		Final:  final,
	}
}
