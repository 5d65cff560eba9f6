package persistence

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/bytedance/sonic"
	"gopkg.in/yaml.v3"
)

// Codec converts settings trees to and from bytes.
type Codec interface {
	Encode(doc *Document) ([]byte, error)
	Decode(data []byte) (*Document, error)
	// Extension is the file extension including the dot.
	Extension() string
}

// YAMLCodec keeps key order and is the default on-disk format.
type YAMLCodec struct{}

func (YAMLCodec) Encode(doc *Document) ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(doc); err != nil {
		return nil, fmt.Errorf("failed to encode workflow: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("failed to encode workflow: %w", err)
	}
	return buf.Bytes(), nil
}

func (YAMLCodec) Decode(data []byte) (*Document, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, fmt.Errorf("workflow data cannot be empty")
	}
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to decode workflow: %w", err)
	}
	return &doc, nil
}

func (YAMLCodec) Extension() string { return ".yaml" }

// JSONCodec is used for storage backends and message payloads.
type JSONCodec struct{}

func (JSONCodec) Encode(doc *Document) ([]byte, error) {
	data, err := sonic.ConfigStd.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to encode workflow: %w", err)
	}
	return data, nil
}

func (JSONCodec) Decode(data []byte) (*Document, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, fmt.Errorf("workflow data cannot be empty")
	}
	var doc Document
	if err := sonic.ConfigStd.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to decode workflow: %w", err)
	}
	return &doc, nil
}

func (JSONCodec) Extension() string { return ".json" }

// CodecFor picks a codec from a file name.
func CodecFor(name string) (Codec, error) {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".yaml", ".yml":
		return YAMLCodec{}, nil
	case ".json":
		return JSONCodec{}, nil
	}
	return nil, fmt.Errorf("no codec for %q", name)
}

// ReadFile decodes a workflow file with the codec matching its extension.
func ReadFile(path string) (*Document, error) {
	codec, err := CodecFor(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read workflow: %w", err)
	}
	return codec.Decode(data)
}

// WriteFile encodes doc with the codec matching the extension of path.
func WriteFile(path string, doc *Document) error {
	codec, err := CodecFor(path)
	if err != nil {
		return err
	}
	data, err := codec.Encode(doc)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write workflow: %w", err)
	}
	return nil
}
