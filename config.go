package bolt

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/tailscale/hujson"
)

// fileOptions mirrors the subset of Options that can be expressed in a
// config file. Logger and Metrics are wired in code, never from a file.
type fileOptions struct {
	PageSize     int    `json:"page_size"`
	NumPages     int    `json:"num_pages"`
	StrictMode   bool   `json:"strict_mode"`
	ReadOnly     bool   `json:"read_only"`
	MmapPopulate bool   `json:"mmap_populate"`
	DirectWrites bool   `json:"direct_writes"`
	NoSync       bool   `json:"no_sync"`
	TimeoutMS    int    `json:"timeout_ms"`
}

// LoadOptions reads an Options value from a HuJSON file (JSON with `//`
// and `/* */` comments and trailing commas allowed) at path. Unknown
// fields are rejected, matching the config's documented shape exactly
// rather than silently ignoring typos.
func LoadOptions(path string) (*Options, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	std, err := hujson.Standardize(raw)
	if err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	var fo fileOptions
	dec := json.NewDecoder(bytes.NewReader(std))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&fo); err != nil {
		return nil, fmt.Errorf("decode config %s: %w", path, err)
	}

	return &Options{
		PageSize:     fo.PageSize,
		NumPages:     fo.NumPages,
		StrictMode:   fo.StrictMode,
		ReadOnly:     fo.ReadOnly,
		MmapPopulate: fo.MmapPopulate,
		DirectWrites: fo.DirectWrites,
		NoSync:       fo.NoSync,
		Timeout:      time.Duration(fo.TimeoutMS) * time.Millisecond,
	}, nil
}
