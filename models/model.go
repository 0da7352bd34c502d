// Package models - Model sources, loading and class label sets.
package models

import "strings"

// SourceKind selects how a model is fetched.
type SourceKind string

const (
	// SourceLocal reads the model through the storage collaborator.
	SourceLocal SourceKind = "local"
	// SourceRemote fetches the model over HTTP from a base URL.
	SourceRemote SourceKind = "remote"
)

// Source is where a model lives: a directory or an HTTP base URL. Both hold
// model.json and the weight shards it references.
type Source struct {
	Kind     SourceKind `json:"kind" yaml:"kind"`
	Location string     `json:"location" yaml:"location"`
}

// ParseSource classifies a model location. An http:// or https:// prefix
// selects a remote source; everything else, including the empty string, is
// local.
func ParseSource(s string) Source {
	lower := strings.ToLower(s)
	if strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://") {
		return Source{Kind: SourceRemote, Location: s}
	}
	return Source{Kind: SourceLocal, Location: s}
}

// IsRemote reports whether the source is fetched over HTTP.
func (s Source) IsRemote() bool {
	return s.Kind == SourceRemote
}

func (s Source) String() string {
	return string(s.Kind) + ":" + s.Location
}

// LabelFamily identifies the naming convention / dataset of class indices.
type LabelFamily string

const (
	// LabelFamilyCOCO is the coco-ssd table keyed by COCO category id (1..90 with gaps).
	LabelFamilyCOCO LabelFamily = "coco"
	// LabelFamilyYOLO is the 80 COCO classes, zero-based, no background.
	LabelFamilyYOLO LabelFamily = "yolo"
	// LabelFamilyVOC is the 20 Pascal VOC classes keyed 1..20.
	LabelFamilyVOC LabelFamily = "voc"
)
