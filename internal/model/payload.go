package model

import (
	"encoding/json"

	"github.com/rotisserie/eris"
)

// StagePayload is the tagged union of per-stage structured outputs. Payloads
// are parsed once at the executor/store boundary and handled exhaustively by
// the scoring engine; they are never re-parsed downstream.
type StagePayload interface {
	StageID() StageID
}

// ExtractPayload is the output of the text extraction stage.
type ExtractPayload struct {
	Text        string `json:"text"`
	PageCount   int    `json:"page_count"`
	TruncatedAt int    `json:"truncated_at,omitempty"` // byte offset if the text was truncated
}

func (ExtractPayload) StageID() StageID { return StageExtract }

// Entity is a named phrase found in the extracted text.
type Entity struct {
	Text  string `json:"text"`
	Kind  string `json:"kind"` // org, money, date, requirement
	Count int    `json:"count"`
}

// EntityPayload is the output of the entity/NLP stage.
type EntityPayload struct {
	Entities           []Entity `json:"entities,omitempty"`
	CriticalClauses    []string `json:"critical_clauses,omitempty"`
	ComplianceFlags    []string `json:"compliance_flags,omitempty"`
	RequirementMatches int      `json:"requirement_matches"`
	RequirementTotal   int      `json:"requirement_total"`
}

func (EntityPayload) StageID() StageID { return StageEntities }

// StrategicPayload is the output of the LLM strategic-analysis stage.
type StrategicPayload struct {
	Summary           string   `json:"summary"`
	CostRatioEstimate float64  `json:"cost_ratio_estimate"` // estimated cost / tender value, 0.0-1.0+
	CompetitionLevel  float64  `json:"competition_level"`   // 0.0-1.0
	TimelinePressure  float64  `json:"timeline_pressure"`   // 0.0-1.0
	Recommendations   []string `json:"recommendations,omitempty"`
}

func (StrategicPayload) StageID() StageID { return StageStrategic }

// payloadEnvelope is the wire form of a StagePayload: the stage tag selects
// the schema for the data blob.
type payloadEnvelope struct {
	Stage StageID         `json:"stage"`
	Data  json.RawMessage `json:"data"`
}

// MarshalPayload encodes a StagePayload into its tagged JSON envelope.
func MarshalPayload(p StagePayload) ([]byte, error) {
	if p == nil {
		return nil, nil
	}
	data, err := json.Marshal(p)
	if err != nil {
		return nil, eris.Wrap(err, "model: marshal payload data")
	}
	return json.Marshal(payloadEnvelope{Stage: p.StageID(), Data: data})
}

// UnmarshalPayload decodes a tagged JSON envelope into the concrete payload
// type for its stage.
func UnmarshalPayload(raw []byte) (StagePayload, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var env payloadEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, eris.Wrap(err, "model: unmarshal payload envelope")
	}

	var p StagePayload
	switch env.Stage {
	case StageExtract:
		var v ExtractPayload
		if err := json.Unmarshal(env.Data, &v); err != nil {
			return nil, eris.Wrap(err, "model: unmarshal extract payload")
		}
		p = v
	case StageEntities:
		var v EntityPayload
		if err := json.Unmarshal(env.Data, &v); err != nil {
			return nil, eris.Wrap(err, "model: unmarshal entity payload")
		}
		p = v
	case StageStrategic:
		var v StrategicPayload
		if err := json.Unmarshal(env.Data, &v); err != nil {
			return nil, eris.Wrap(err, "model: unmarshal strategic payload")
		}
		p = v
	default:
		return nil, eris.Errorf("model: unknown payload stage %q", env.Stage)
	}
	return p, nil
}
