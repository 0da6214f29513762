package grid

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Template is the YAML description of a report grid used by the CLI and by
// fixtures:
//
//	variant: day
//	cells:
//	  A1: "#Date:2024-05-01"
//	  A2: "#Time:09:00"
//	  B2: "#Data:RTU1"
type Template struct {
	Variant string            `yaml:"variant"`
	Cells   map[string]string `yaml:"cells"`
}

// LoadTemplate reads a template file.
func LoadTemplate(path string) (*Template, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read template: %w", err)
	}
	var tpl Template
	if err := yaml.Unmarshal(data, &tpl); err != nil {
		return nil, fmt.Errorf("failed to parse template %s: %w", path, err)
	}
	return &tpl, nil
}

// Positions resolves the template's cell names.
func (t *Template) Positions() (map[Pos]string, error) {
	out := make(map[Pos]string, len(t.Cells))
	for name, text := range t.Cells {
		p, err := ParseCellName(name)
		if err != nil {
			return nil, err
		}
		out[p] = text
	}
	return out, nil
}

// Sheet builds a fresh sheet from the template.
func (t *Template) Sheet() (*Sheet, error) {
	cells, err := t.Positions()
	if err != nil {
		return nil, err
	}
	s := NewSheet()
	for p, text := range cells {
		s.SetText(p.Row, p.Col, text)
	}
	return s, nil
}

// Changed lists the positions whose text differs between the sheet and the
// given cell texts, including cells present on only one side.
func (s *Sheet) Changed(next map[Pos]string) []Pos {
	current := s.Texts()
	var out []Pos
	for p, text := range next {
		if current[p] != text {
			out = append(out, p)
		}
	}
	for p := range current {
		if _, ok := next[p]; !ok {
			out = append(out, p)
		}
	}
	SortPositions(out)
	return out
}
