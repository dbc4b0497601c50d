package gc

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"
)

// persist writes status to cfg.StatusPath and appends it to the rotating
// history file. Both are best-effort: failures are logged, never
// returned, matching the "failure to persist is ignored" contract.
func (d *Driver) persist(status Status) {
	if d.cfg.StatusPath != "" {
		if err := writeJSONAtomic(d.cfg.StatusPath, status); err != nil {
			d.logger.Warn("gc: failed to persist status", "path", d.cfg.StatusPath, "error", err)
		}
	}
	if d.cfg.KeepHistory > 0 && d.cfg.HistoryPath != "" {
		if err := d.appendHistory(status); err != nil {
			d.logger.Warn("gc: failed to append status history", "path", d.cfg.HistoryPath, "error", err)
		}
	}
}

func writeJSONAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".gc-status-*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer func() { _ = os.Remove(tmpPath) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpPath, path)
}

// appendHistory reads the existing history (if any), appends status,
// trims to KeepHistory entries, and rewrites the file atomically,
// optionally zstd-compressed.
func (d *Driver) appendHistory(status Status) error {
	var entries []Status
	if raw, err := os.ReadFile(d.cfg.HistoryPath); err == nil {
		if decoded, decErr := decodeHistory(raw); decErr == nil {
			entries = decoded
		}
	}

	entries = append(entries, status)
	if len(entries) > d.cfg.KeepHistory {
		entries = entries[len(entries)-d.cfg.KeepHistory:]
	}

	payload, err := json.Marshal(entries)
	if err != nil {
		return err
	}
	if d.cfg.CompressHistory {
		payload, err = zstdCompress(payload)
		if err != nil {
			return err
		}
	}
	return writeFileAtomic(d.cfg.HistoryPath, payload)
}

func decodeHistory(raw []byte) ([]Status, error) {
	if len(raw) >= 4 && raw[0] == 0x28 && raw[1] == 0xb5 && raw[2] == 0x2f && raw[3] == 0xfd {
		decoded, err := zstdDecompress(raw)
		if err != nil {
			return nil, err
		}
		raw = decoded
	}
	var entries []Status
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

func zstdCompress(data []byte) ([]byte, error) {
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, err
	}
	defer enc.Close()
	return enc.EncodeAll(data, nil), nil
}

func zstdDecompress(data []byte) ([]byte, error) {
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}
	defer dec.Close()
	return dec.DecodeAll(data, nil)
}

func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".gc-history-*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer func() { _ = os.Remove(tmpPath) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpPath, path)
}
