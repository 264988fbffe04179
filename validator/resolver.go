package validator

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/choirhq/choir/model"
	"gopkg.in/yaml.v3"
)

const IMPORT_KIND_TEMPLATE string = "agent-template"
const IMPORT_KIND_CAPABILITY string = "capability-manifest"

// ImportResolver turns an ImportRef into concrete documents. The file
// resolver is the production implementation; tests supply a map-backed one
// so validation stays deterministic for a given input set.
type ImportResolver interface {
	ResolveTemplate(ref string) (*model.AgentTemplate, error)
	ResolveCapability(ref string) (*model.CapabilityManifest, error)
}

type FileResolver struct {
	TemplateDir   string
	CapabilityDir string
}

func NewFileResolver(templateDir string, capabilityDir string) *FileResolver {
	return &FileResolver{
		TemplateDir:   templateDir,
		CapabilityDir: capabilityDir,
	}
}

func (fr *FileResolver) ResolveTemplate(ref string) (*model.AgentTemplate, error) {
	var tpl model.AgentTemplate
	if err := readBundle(filepath.Join(fr.TemplateDir, ref), &tpl); err != nil {
		return nil, err
	}
	if tpl.Name == "" {
		return nil, fmt.Errorf("agent template %s has no name", ref)
	}
	return &tpl, nil
}

func (fr *FileResolver) ResolveCapability(ref string) (*model.CapabilityManifest, error) {
	var manifest model.CapabilityManifest
	if err := readBundle(filepath.Join(fr.CapabilityDir, ref), &manifest); err != nil {
		return nil, err
	}
	if manifest.Id == "" {
		return nil, fmt.Errorf("capability manifest %s has no id", ref)
	}
	return &manifest, nil
}

func readBundle(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return yaml.Unmarshal(data, out)
	default:
		return json.Unmarshal(data, out)
	}
}
