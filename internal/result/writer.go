// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package result

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/constrain/internal/errs"
)

// Format is an output encoding.
type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

// FormatFor picks the encoding from the file extension.
//
// Outputs:
//   - Format: FormatJSON for .json, FormatYAML for .yaml and .yml.
//   - error: *errs.InvalidConfigurationError for any other extension.
func FormatFor(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return FormatJSON, nil
	case ".yaml", ".yml":
		return FormatYAML, nil
	default:
		return "", errs.InvalidConfiguration("output", "unsupported extension %q, want .json, .yaml or .yml", filepath.Ext(path))
	}
}

// Encode serializes the record.
func (r *Record) Encode(format Format) ([]byte, error) {
	switch format {
	case FormatJSON:
		data, err := json.MarshalIndent(r, "", "  ")
		if err != nil {
			return nil, fmt.Errorf("marshal record: %w", err)
		}
		return append(data, '\n'), nil
	case FormatYAML:
		var buf bytes.Buffer
		enc := yaml.NewEncoder(&buf)
		enc.SetIndent(2)
		if err := enc.Encode(r); err != nil {
			return nil, fmt.Errorf("marshal record: %w", err)
		}
		if err := enc.Close(); err != nil {
			return nil, fmt.Errorf("marshal record: %w", err)
		}
		return buf.Bytes(), nil
	default:
		return nil, errs.InvalidConfiguration("output", "unknown format %q", string(format))
	}
}

// Write encodes the record by the extension of path and writes it
// atomically. On failure no partial file is left at path.
func (r *Record) Write(path string) error {
	if path == "" {
		return errs.InvalidConfiguration("output", "path must not be empty")
	}
	format, err := FormatFor(path)
	if err != nil {
		return err
	}
	data, err := r.Encode(format)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".record-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write record: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync record: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close record: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("rename record: %w", err)
	}

	success = true
	return nil
}
