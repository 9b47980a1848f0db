package tools

import (
	"context"
	"path"
	"sort"
	"strings"

	"github.com/fabrice-guiot/shuttersense/internal/agent/adapters"
	"github.com/fabrice-guiot/shuttersense/internal/shared/apitypes"
)

// PhotoStats reports per-extension counts and sizes, and flags photo
// files missing a required sidecar extension (TeamConfig.RequireSidecar).
type PhotoStats struct{}

func (PhotoStats) Run(ctx context.Context, adapter adapters.StorageAdapter, location string, cfg apitypes.TeamConfig) (Result, error) {
	metas, err := adapter.ListFilesWithMetadata(ctx, location)
	if err != nil {
		return Result{}, err
	}

	photoExt := toExtSet(cfg.PhotoExtensions)
	sidecarExt := toExtSet(cfg.RequireSidecar)

	byBase := map[string][]string{} // base path (no ext) -> extensions present
	extCount := map[string]int{}
	extBytes := map[string]int64{}
	var totalBytes int64

	for _, m := range metas {
		ext := strings.ToLower(strings.TrimPrefix(path.Ext(m.Path), "."))
		extCount[ext]++
		extBytes[ext] += m.Size
		totalBytes += m.Size

		base := strings.TrimSuffix(m.Path, path.Ext(m.Path))
		byBase[base] = append(byBase[base], ext)
	}

	var missingSidecar []string
	if len(sidecarExt) > 0 {
		bases := make([]string, 0, len(byBase))
		for b := range byBase {
			bases = append(bases, b)
		}
		sort.Strings(bases)
		for _, base := range bases {
			exts := byBase[base]
			hasPhoto := false
			for _, e := range exts {
				if photoExt[e] {
					hasPhoto = true
					break
				}
			}
			if !hasPhoto {
				continue
			}
			for required := range sidecarExt {
				if !containsExt(exts, required) {
					missingSidecar = append(missingSidecar, base+"."+required)
				}
			}
		}
	}
	sort.Strings(missingSidecar)

	extNames := make([]string, 0, len(extCount))
	for e := range extCount {
		extNames = append(extNames, e)
	}
	sort.Strings(extNames)
	byExtension := make(map[string]any, len(extNames))
	for _, e := range extNames {
		byExtension[e] = map[string]any{"count": extCount[e], "bytes": extBytes[e]}
	}

	results := map[string]any{
		"total_files":     len(metas),
		"total_bytes":     totalBytes,
		"by_extension":    byExtension,
		"missing_sidecar": missingSidecar,
	}

	return Result{
		Success:      true,
		Results:      results,
		FilesScanned: len(metas),
		IssuesFound:  len(missingSidecar),
	}, nil
}

func toExtSet(exts []string) map[string]bool {
	set := make(map[string]bool, len(exts))
	for _, e := range exts {
		set[strings.ToLower(strings.TrimPrefix(e, "."))] = true
	}
	return set
}

func containsExt(exts []string, target string) bool {
	for _, e := range exts {
		if e == target {
			return true
		}
	}
	return false
}
