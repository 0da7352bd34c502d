package models

import (
	"github.com/pkg/errors"

	"github.com/nvr-ai/go-autotag/models/topology"
)

// LabelFamilies is a list of all supported label families.
var LabelFamilies = []LabelFamily{LabelFamilyCOCO, LabelFamilyYOLO, LabelFamilyVOC}

// Labels returns the label table of a family.
//
// Arguments:
//   - family: The label family. The empty family is COCO.
//
// Returns:
//   - map[int]string: The class index to label table. Callers must not modify it.
//   - error: An error if the family is unsupported.
func Labels(family LabelFamily) (map[int]string, error) {
	switch family {
	case LabelFamilyCOCO, "":
		return COCOLabels, nil
	case LabelFamilyYOLO:
		return YOLOLabels, nil
	case LabelFamilyVOC:
		return PascalVOCLabels, nil
	default:
		return nil, errors.Errorf("unsupported label family: %s", family)
	}
}

// ResolveLabels picks the label table for a loaded model: the labels bundled
// in its metadata win, then the given family.
func ResolveLabels(topo *topology.Topology, family LabelFamily) (map[int]string, error) {
	if topo != nil && topo.Metadata != nil && len(topo.Metadata.Labels) > 0 {
		return topo.Metadata.Labels, nil
	}
	return Labels(family)
}
