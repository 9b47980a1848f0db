package tools

import (
	"context"
	"fmt"
	"path"
	"sort"
	"strings"

	"github.com/fabrice-guiot/shuttersense/internal/agent/adapters"
	"github.com/fabrice-guiot/shuttersense/internal/shared/apitypes"
)

// PipelineValidation checks that a collection's processing-method
// suffixes and camera codes are all declared in the team's configuration,
// flagging anything a pipeline run would not know how to handle.
type PipelineValidation struct{}

func (PipelineValidation) Run(ctx context.Context, adapter adapters.StorageAdapter, location string, cfg apitypes.TeamConfig) (Result, error) {
	metas, err := adapter.ListFilesWithMetadata(ctx, location)
	if err != nil {
		return Result{}, err
	}

	var issues []string
	seenCameras := map[string]bool{}
	seenMethods := map[string]bool{}

	for _, m := range metas {
		base := strings.TrimSuffix(path.Base(m.Path), path.Ext(m.Path))
		matches := filenamePattern.FindStringSubmatch(base)
		if matches == nil {
			continue
		}
		cameraID, _, suffix := matches[1], matches[2], matches[3]

		if !seenCameras[cameraID] {
			seenCameras[cameraID] = true
			if _, ok := cfg.CameraMappings[cameraID]; !ok {
				issues = append(issues, fmt.Sprintf("unmapped camera_id %q (%s)", cameraID, m.Path))
			}
		}
		if suffix != "" && !isNumericSuffix(suffix) && !seenMethods[suffix] {
			seenMethods[suffix] = true
			if _, ok := cfg.ProcessingMethods[suffix]; !ok {
				issues = append(issues, fmt.Sprintf("unmapped processing method %q (%s)", suffix, m.Path))
			}
		}
	}

	if cfg.DefaultPipeline == nil || *cfg.DefaultPipeline == "" {
		issues = append(issues, "no default_pipeline configured")
	}

	sort.Strings(issues)

	results := map[string]any{
		"issues":          issues,
		"cameras_seen":    len(seenCameras),
		"methods_seen":    len(seenMethods),
		"default_pipeline_configured": cfg.DefaultPipeline != nil && *cfg.DefaultPipeline != "",
	}

	return Result{
		Success:      true,
		Results:      results,
		FilesScanned: len(metas),
		IssuesFound:  len(issues),
	}, nil
}
