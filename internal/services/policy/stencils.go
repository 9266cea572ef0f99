package policy

import (
	"encoding/json"
	"fmt"
)

// Point is a sky position in ICRS degrees
type Point struct {
	RA  float64 `json:"ra"`
	Dec float64 `json:"dec"`
}

// Range bounds one axis of a range stencil
type Range struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
}

// Stencil is one cutout region. Concrete stencils are distinguished by the
// "type" field of their JSON form.
type Stencil interface {
	StencilType() string
}

// CircleStencil selects a circular region around a center point
type CircleStencil struct {
	Center Point   `json:"center"`
	Radius float64 `json:"radius"`
}

func (s *CircleStencil) StencilType() string { return "circle" }

// PolygonStencil selects a polygon region. Winding must be counter-clockwise
// when viewed from the origin towards the sky.
type PolygonStencil struct {
	Vertices []Point `json:"vertices"`
}

func (s *PolygonStencil) StencilType() string { return "polygon" }

// RangeStencil selects a rectangular range of ra and dec values
type RangeStencil struct {
	RA  Range `json:"ra"`
	Dec Range `json:"dec"`
}

func (s *RangeStencil) StencilType() string { return "range" }

// CutoutParameters is the decoded form of a cutout request's parameters
type CutoutParameters struct {
	IDs      []string  `json:"ids"`
	Stencils []Stencil `json:"stencils"`
}

// UnmarshalJSON decodes the stencil list through the type discriminator
func (p *CutoutParameters) UnmarshalJSON(data []byte) error {
	var raw struct {
		IDs      []string          `json:"ids"`
		Stencils []json.RawMessage `json:"stencils"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	stencils := make([]Stencil, 0, len(raw.Stencils))
	for i, entry := range raw.Stencils {
		stencil, err := decodeStencil(entry)
		if err != nil {
			return fmt.Errorf("stencil %d: %w", i, err)
		}
		stencils = append(stencils, stencil)
	}

	p.IDs = raw.IDs
	p.Stencils = stencils
	return nil
}

func decodeStencil(data json.RawMessage) (Stencil, error) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, err
	}

	switch envelope.Type {
	case "circle":
		var stencil CircleStencil
		if err := json.Unmarshal(data, &stencil); err != nil {
			return nil, err
		}
		return &stencil, nil
	case "polygon":
		var stencil PolygonStencil
		if err := json.Unmarshal(data, &stencil); err != nil {
			return nil, err
		}
		if len(stencil.Vertices) < 3 {
			return nil, fmt.Errorf("polygon must have at least three vertices")
		}
		return &stencil, nil
	case "range":
		var stencil RangeStencil
		if err := json.Unmarshal(data, &stencil); err != nil {
			return nil, err
		}
		return &stencil, nil
	default:
		return nil, fmt.Errorf("unknown stencil type %q", envelope.Type)
	}
}

// ParseCutoutParameters decodes raw job parameters and enforces the shape
// rules that apply to every cutout flavor: both lists present and non-empty.
func ParseCutoutParameters(raw json.RawMessage) (*CutoutParameters, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("parameters are required")
	}

	var params CutoutParameters
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, err
	}
	if len(params.IDs) == 0 {
		return nil, fmt.Errorf("ids must be non-empty")
	}
	if len(params.Stencils) == 0 {
		return nil, fmt.Errorf("stencils must be non-empty")
	}
	return &params, nil
}
