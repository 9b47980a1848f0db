package tools

import (
	"context"
	"path"
	"regexp"
	"sort"
	"strings"

	"github.com/fabrice-guiot/shuttersense/internal/agent/adapters"
	"github.com/fabrice-guiot/shuttersense/internal/shared/apitypes"
)

// filenamePattern matches "<camera_id><counter>[-suffix]", e.g.
// "AB3D0001.dng" or "AB3D0001-HDR.dng". camera_id is the four leading
// characters, counter the four digits that follow.
var filenamePattern = regexp.MustCompile(`^([A-Za-z0-9]{4})(\d{4})(?:-([A-Za-z0-9]+))?$`)

// separateImage is one group's member keyed by its numeric suffix ("" for
// the base image, "2"/"3"/... for separate images sharing the same
// counter).
type separateImage struct {
	files      []string
	properties map[string]struct{}
}

type imageGroup struct {
	groupID  string
	cameraID string
	counter  string
	images   map[string]*separateImage
}

// PhotoPairing groups a collection's files into image groups by
// camera_id+counter, splitting numeric suffixes into separate images and
// non-numeric suffixes into processing-method properties.
type PhotoPairing struct{}

func (PhotoPairing) Run(ctx context.Context, adapter adapters.StorageAdapter, location string, cfg apitypes.TeamConfig) (Result, error) {
	metas, err := adapter.ListFilesWithMetadata(ctx, location)
	if err != nil {
		return Result{}, err
	}

	groups := map[string]*imageGroup{}
	var invalidFiles []string
	var order []string

	for _, m := range metas {
		base := strings.TrimSuffix(path.Base(m.Path), path.Ext(m.Path))
		matches := filenamePattern.FindStringSubmatch(base)
		if matches == nil {
			invalidFiles = append(invalidFiles, m.Path)
			continue
		}
		cameraID, counter, suffix := matches[1], matches[2], matches[3]
		groupID := cameraID + counter

		g, ok := groups[groupID]
		if !ok {
			g = &imageGroup{groupID: groupID, cameraID: cameraID, counter: counter, images: map[string]*separateImage{}}
			groups[groupID] = g
			order = append(order, groupID)
		}

		key := ""
		var property string
		if suffix != "" {
			if isNumericSuffix(suffix) {
				key = suffix
			} else {
				property = suffix
			}
		}
		img, ok := g.images[key]
		if !ok {
			img = &separateImage{properties: map[string]struct{}{}}
			g.images[key] = img
		}
		img.files = append(img.files, m.Path)
		if property != "" {
			img.properties[property] = struct{}{}
		}
	}

	sort.Strings(order)

	imageGroups := make([]map[string]any, 0, len(order))
	cameraUsage := map[string]int{}
	methodUsage := map[string]int{}
	fileCount := 0
	imageCount := 0

	for _, gid := range order {
		g := groups[gid]
		cameraName := resolveCameraName(cfg, g.cameraID)
		cameraUsage[cameraName]++

		separateImages := make(map[string]any, len(g.images))
		keys := make([]string, 0, len(g.images))
		for k := range g.images {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			img := g.images[k]
			fileCount += len(img.files)
			imageCount++
			props := make([]string, 0, len(img.properties))
			for p := range img.properties {
				props = append(props, p)
				methodUsage[resolveMethodName(cfg, p)]++
			}
			sort.Strings(props)
			sort.Strings(img.files)
			separateImages[k] = map[string]any{"files": img.files, "properties": props}
		}

		imageGroups = append(imageGroups, map[string]any{
			"group_id":        g.groupID,
			"camera_id":       g.cameraID,
			"counter":         g.counter,
			"separate_images": separateImages,
		})
	}

	sort.Strings(invalidFiles)

	results := map[string]any{
		"imagegroups":   imageGroups,
		"invalid_files": invalidFiles,
		"analytics": map[string]any{
			"image_count":  imageCount,
			"group_count":  len(groups),
			"file_count":   fileCount,
			"camera_usage": cameraUsage,
			"method_usage": methodUsage,
		},
	}

	return Result{
		Success:      true,
		Results:      results,
		FilesScanned: len(metas),
		IssuesFound:  len(invalidFiles),
	}, nil
}

func isNumericSuffix(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func resolveCameraName(cfg apitypes.TeamConfig, cameraID string) string {
	if m, ok := cfg.CameraMappings[cameraID]; ok && m.Name != "" {
		return m.Name
	}
	return cameraID
}

func resolveMethodName(cfg apitypes.TeamConfig, code string) string {
	if desc, ok := cfg.ProcessingMethods[code]; ok && desc != "" {
		return desc
	}
	return code
}
