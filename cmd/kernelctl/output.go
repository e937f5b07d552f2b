package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/valyala/bytebufferpool"
	"gopkg.in/yaml.v3"
)

// writeOutput encodes data in format and writes it to w in one call.
func writeOutput(w io.Writer, format string, data interface{}) error {
	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)

	switch format {
	case formatJSON:
		enc := json.NewEncoder(buf)
		enc.SetIndent("", "  ")
		if err := enc.Encode(data); err != nil {
			return fmt.Errorf("failed to encode output: %w", err)
		}
	default:
		enc := yaml.NewEncoder(buf)
		enc.SetIndent(2)
		if err := enc.Encode(data); err != nil {
			return fmt.Errorf("failed to encode output: %w", err)
		}
		if err := enc.Close(); err != nil {
			return err
		}
	}

	_, err := w.Write(buf.B)
	return err
}
