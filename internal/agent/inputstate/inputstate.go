// Package inputstate computes the
// deterministic (tool, files, config) fingerprint that lets the server
// skip re-execution when nothing relevant changed.
//
// Compute is a pure function with no package state, constructed nowhere
// — callers just call it.
package inputstate

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/fabrice-guiot/shuttersense/internal/shared/apitypes"
)

// FileEntry is one row of the file list hashed into file_list_hash: a
// relative path plus the two facts that matter for change detection. For
// remote sources that do not report mtime, ModTimeUnix is 0.
type FileEntry struct {
	RelativePath string
	Size         int64
	ModTimeUnix  int64
}

// relevantConfigKeys is the fixed key set hashed into the fingerprint:
// only these
// TeamConfig fields participate in configuration_hash. Anything else in
// TeamConfig is treated as irrelevant to whether a tool's output would
// change.
//
// cameras and processing_methods map to TeamConfig's CameraMappings and
// ProcessingMethods; pipeline maps to DefaultPipeline.
var relevantConfigKeys = []string{
	"photo_extensions", "metadata_extensions", "require_sidecar",
	"cameras", "processing_methods", "pipeline",
}

// FileListHash is SHA-256 of
// "{relative_path}|{size}|{mtime_unix}" lines, sorted lexicographically by
// relative_path and joined with "\n".
func FileListHash(files []FileEntry) string {
	sorted := make([]FileEntry, len(files))
	copy(sorted, files)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].RelativePath < sorted[j].RelativePath })

	lines := make([]string, len(sorted))
	for i, f := range sorted {
		lines[i] = f.RelativePath + "|" + strconv.FormatInt(f.Size, 10) + "|" + strconv.FormatInt(f.ModTimeUnix, 10)
	}
	sum := sha256.Sum256([]byte(strings.Join(lines, "\n")))
	return hex.EncodeToString(sum[:])
}

// ConfigurationHash is SHA-256 of the canonical JSON
// of only the relevant TeamConfig keys, each sorted.
func ConfigurationHash(cfg apitypes.TeamConfig) (string, error) {
	relevant := map[string]any{
		"photo_extensions":    sortedCopy(cfg.PhotoExtensions),
		"metadata_extensions": sortedCopy(cfg.MetadataExtensions),
		"require_sidecar":     sortedCopy(cfg.RequireSidecar),
		"cameras":             sortedCameraMap(cfg.CameraMappings),
		"processing_methods":  sortedStringMap(cfg.ProcessingMethods),
		"pipeline":            derefOrEmpty(cfg.DefaultPipeline),
	}

	canon, err := canonicalJSON(relevant)
	if err != nil {
		return "", fmt.Errorf("inputstate: canonicalize config: %w", err)
	}
	sum := sha256.Sum256(canon)
	return hex.EncodeToString(sum[:]), nil
}

// Compute derives
// input_state_hash = SHA-256("{tool}|{file_list_hash}|{configuration_hash}").
// It returns the three hashes so callers (the executor, tests) can inspect
// the intermediate values, not just the final fingerprint.
func Compute(tool string, files []FileEntry, cfg apitypes.TeamConfig) (inputStateHash, fileListHash, configurationHash string, err error) {
	fileListHash = FileListHash(files)
	configurationHash, err = ConfigurationHash(cfg)
	if err != nil {
		return "", "", "", err
	}
	sum := sha256.Sum256([]byte(tool + "|" + fileListHash + "|" + configurationHash))
	inputStateHash = hex.EncodeToString(sum[:])
	return inputStateHash, fileListHash, configurationHash, nil
}

func sortedCopy(in []string) []string {
	out := make([]string, len(in))
	copy(out, in)
	sort.Strings(out)
	return out
}

func sortedStringMap(in map[string]string) map[string]string {
	if in == nil {
		return map[string]string{}
	}
	return in
}

func sortedCameraMap(in map[string]apitypes.CameraMapping) map[string]apitypes.CameraMapping {
	if in == nil {
		return map[string]apitypes.CameraMapping{}
	}
	return in
}

func derefOrEmpty(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// canonicalJSON renders v with object keys sorted lexicographically and no
// insignificant whitespace — the same canonical form
// internal/shared/signing.Canonical produces, reimplemented here so
// inputstate has no dependency on the result-signing package (they serve
// unrelated invariants that happen to share a JSON convention).
func canonicalJSON(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, err
	}
	return appendCanonical(nil, generic)
}

func appendCanonical(buf []byte, v any) ([]byte, error) {
	switch val := v.(type) {
	case nil:
		return append(buf, "null"...), nil
	case bool:
		if val {
			return append(buf, "true"...), nil
		}
		return append(buf, "false"...), nil
	case string:
		b, err := json.Marshal(val)
		if err != nil {
			return nil, err
		}
		return append(buf, b...), nil
	case float64:
		b, err := json.Marshal(val)
		if err != nil {
			return nil, err
		}
		return append(buf, b...), nil
	case []any:
		buf = append(buf, '[')
		for i, e := range val {
			if i > 0 {
				buf = append(buf, ',')
			}
			var err error
			buf, err = appendCanonical(buf, e)
			if err != nil {
				return nil, err
			}
		}
		return append(buf, ']'), nil
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf = append(buf, '{')
		for i, k := range keys {
			if i > 0 {
				buf = append(buf, ',')
			}
			kb, err := json.Marshal(k)
			if err != nil {
				return nil, err
			}
			buf = append(buf, kb...)
			buf = append(buf, ':')
			buf, err = appendCanonical(buf, val[k])
			if err != nil {
				return nil, err
			}
		}
		return append(buf, '}'), nil
	default:
		return nil, fmt.Errorf("inputstate: unsupported type %T", v)
	}
}
