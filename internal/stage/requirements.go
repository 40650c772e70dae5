package stage

import (
	"os"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

// Requirement is one entry in the reference capability list. A requirement
// matches a document when any of its keywords appears in the normalized
// extracted text.
type Requirement struct {
	ID       string   `yaml:"id"`
	Name     string   `yaml:"name"`
	Keywords []string `yaml:"keywords"`
}

type requirementsFile struct {
	Requirements []Requirement `yaml:"requirements"`
}

// LoadRequirements reads the reference requirement list from a YAML file.
func LoadRequirements(path string) ([]Requirement, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "stage: read requirements file %s", path)
	}

	var f requirementsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, eris.Wrapf(err, "stage: parse requirements file %s", path)
	}
	if len(f.Requirements) == 0 {
		return nil, eris.Errorf("stage: requirements file %s contains no requirements", path)
	}

	for i, r := range f.Requirements {
		if r.ID == "" {
			return nil, eris.Errorf("stage: requirement %d has no id", i)
		}
		if len(r.Keywords) == 0 {
			return nil, eris.Errorf("stage: requirement %s has no keywords", r.ID)
		}
	}

	return f.Requirements, nil
}
