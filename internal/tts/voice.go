package tts

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// ErrUnknownVoice is returned by Registry.Resolve for identifiers that are not configured.
var ErrUnknownVoice = errors.New("unknown voice")

// Voice describes one loadable voice model.
type Voice struct {
	ID       string `json:"id" yaml:"id"`
	Language string `json:"language,omitempty" yaml:"language"`
	Model    string `json:"model" yaml:"model"`
	Config   string `json:"config,omitempty" yaml:"config"`
	Tokens   string `json:"tokens,omitempty" yaml:"tokens"`
	DataDir  string `json:"data_dir,omitempty" yaml:"data_dir"`
	Speaker  int    `json:"speaker,omitempty" yaml:"speaker"`
	License  string `json:"license,omitempty" yaml:"license"`
}

type voiceManifest struct {
	Voices []Voice `json:"voices" yaml:"voices"`
}

// Registry is the static table of configured voices. It is safe for
// concurrent use because it is never mutated after construction.
type Registry struct {
	voices []Voice
	byID   map[string]Voice
}

// NewRegistry validates voices and resolves their relative paths against baseDir.
func NewRegistry(voices []Voice, baseDir string) (*Registry, error) {
	reg := &Registry{
		voices: make([]Voice, 0, len(voices)),
		byID:   make(map[string]Voice, len(voices)),
	}

	for _, v := range voices {
		if v.ID == "" {
			return nil, errors.New("voice manifest contains empty id")
		}

		if v.Model == "" {
			return nil, fmt.Errorf("voice %q has empty model path", v.ID)
		}

		if _, exists := reg.byID[v.ID]; exists {
			return nil, fmt.Errorf("duplicate voice id %q", v.ID)
		}

		v.Model = resolvePath(baseDir, v.Model)
		v.Config = resolvePath(baseDir, v.Config)
		v.Tokens = resolvePath(baseDir, v.Tokens)
		v.DataDir = resolvePath(baseDir, v.DataDir)

		reg.voices = append(reg.voices, v)
		reg.byID[v.ID] = v
	}

	return reg, nil
}

// LoadRegistry reads a voice manifest. Files ending in .yaml or .yml are
// decoded as YAML, everything else as JSON. Relative model paths are taken
// relative to the manifest's directory.
func LoadRegistry(manifestPath string) (*Registry, error) {
	if manifestPath == "" {
		return nil, errors.New("manifest path is required")
	}

	data, err := os.ReadFile(manifestPath)
	if err != nil {
		return nil, fmt.Errorf("read voice manifest: %w", err)
	}

	var manifest voiceManifest

	switch strings.ToLower(filepath.Ext(manifestPath)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &manifest)
	default:
		err = json.Unmarshal(data, &manifest)
	}
	if err != nil {
		return nil, fmt.Errorf("decode voice manifest: %w", err)
	}

	return NewRegistry(manifest.Voices, filepath.Dir(manifestPath))
}

// DefaultVoices is the stock Piper language table. Paths are relative to the
// model directory handed to NewRegistry.
func DefaultVoices() []Voice {
	return []Voice{
		{ID: "en", Language: "en_US", Model: "en_US-lessac-medium.onnx", Config: "en_US-lessac-medium.json"},
		{ID: "fr", Language: "fr_FR", Model: "fr/fr_FR-tom-med.onnx", Config: "fr/fr_FR-tom-med.json"},
		{ID: "el", Language: "el_GR", Model: "el/el_GR-rapunzelina-low.onnx", Config: "el/el_GR-rapunzelina-low.json"},
		{ID: "tr", Language: "tr_TR", Model: "tr/tr_TR-fettah-medium.onnx", Config: "tr/tr_TR-fettah-medium.json"},
	}
}

// Resolve returns the voice registered under id.
func (r *Registry) Resolve(id string) (Voice, error) {
	v, ok := r.byID[id]
	if !ok {
		return Voice{}, fmt.Errorf("%w %q", ErrUnknownVoice, id)
	}
	return v, nil
}

// ListVoices returns a copy of the registered voices in manifest order.
func (r *Registry) ListVoices() []Voice {
	return append([]Voice(nil), r.voices...)
}

// IDs returns the registered identifiers in manifest order.
func (r *Registry) IDs() []string {
	ids := make([]string, len(r.voices))
	for i, v := range r.voices {
		ids[i] = v.ID
	}
	return ids
}

func resolvePath(baseDir, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Clean(filepath.Join(baseDir, p))
}
