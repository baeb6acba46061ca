package limit

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ModelDescriptor is one entry of the gateway's models.json.
type ModelDescriptor struct {
	PublicName   string            `json:"publicName"`
	Capabilities ModelCapabilities `json:"capabilities"`
}

type ModelCapabilities struct {
	OutputCapabilities OutputCapabilities `json:"outputCapabilities"`
}

type OutputCapabilities struct {
	Text bool `json:"text"`
}

// ModelCatalog holds the advertised models with text output. It is advisory:
// an unlisted model produces a warning, never a refusal to probe.
type ModelCatalog struct {
	models []ModelDescriptor
}

// LoadModelCatalog reads a models.json file. A missing file yields a nil
// catalog and no error.
func LoadModelCatalog(path string) (*ModelCatalog, error) {
	if strings.TrimSpace(path) == "" {
		return nil, nil
	}
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read model catalog: %w", err)
	}
	var models []ModelDescriptor
	if err := json.Unmarshal(data, &models); err != nil {
		return nil, fmt.Errorf("parse model catalog: %w", err)
	}
	return &ModelCatalog{models: models}, nil
}

// TextModelNames lists the public names of models declaring text output.
func (c *ModelCatalog) TextModelNames() []string {
	if c == nil {
		return nil
	}
	names := make([]string, 0, len(c.models))
	for _, m := range c.models {
		if m.Capabilities.OutputCapabilities.Text && strings.TrimSpace(m.PublicName) != "" {
			names = append(names, m.PublicName)
		}
	}
	return names
}

// HasTextModel reports whether model is listed with text output capability.
func (c *ModelCatalog) HasTextModel(model string) bool {
	if c == nil {
		return false
	}
	for _, m := range c.models {
		if m.PublicName == model && m.Capabilities.OutputCapabilities.Text {
			return true
		}
	}
	return false
}

// Empty reports whether the catalog has no text-capable models at all, which
// makes HasTextModel vacuously false and the warning pointless.
func (c *ModelCatalog) Empty() bool {
	return c == nil || len(c.TextModelNames()) == 0
}
