package pipeline

import (
	"fmt"
	"strings"
)

// Node is one unit of the request graph: a server-side operation class and
// its inputs. Inputs referencing another node use the [nodeKey, outputIdx]
// connection form.
type Node struct {
	ClassType string         `json:"class_type"`
	Inputs    map[string]any `json:"inputs"`
}

// Graph is the request graph keyed by stable node names, ready for
// submission. Stable keys keep builds deterministic and snapshot-friendly.
type Graph map[string]Node

// Node keys used by the builder. Fixed so that identical inputs produce
// structurally identical graphs.
const (
	nodeCheckpoint     = "checkpoint"
	nodePositive       = "clip_positive"
	nodeNegative       = "clip_negative"
	nodeLatent         = "latent"
	nodeSampler        = "sampler"
	nodeDecode         = "decode"
	nodeSave           = "save"
	nodeReferenceImage = "reference_image"
	nodeEncode         = "encode"
	nodeGuideImage     = "guide_image"
	nodeGuideLoader    = "guide_loader"
	nodeGuideApply     = "guide_apply"
	nodeStyleAdapter   = "style_adapter"
)

// Image placeholders. LoadImage inputs carry these until submission time,
// when the uploaded server-side filename is substituted. Keeps image bytes
// out of the graph and keeps building pure.
const (
	PlaceholderReferenceImage = "$reference_image"
	PlaceholderRegionGuide    = "$region_guide"
)

// conn references output idx of another node.
func conn(node string, idx int) []any {
	return []any{node, idx}
}

// ResolveImages returns a copy of the graph with every image placeholder
// replaced by its uploaded filename. Fails if a placeholder has no entry
// in names, which would submit an unresolvable graph.
func (g Graph) ResolveImages(names map[string]string) (Graph, error) {
	resolved := make(Graph, len(g))
	for key, node := range g {
		inputs := make(map[string]any, len(node.Inputs))
		for name, value := range node.Inputs {
			str, ok := value.(string)
			if ok && strings.HasPrefix(str, "$") {
				uploaded, found := names[str]
				if !found {
					return nil, fmt.Errorf("pipeline: no uploaded image for placeholder %s (node %s)", str, key)
				}
				inputs[name] = uploaded
				continue
			}
			inputs[name] = value
		}
		resolved[key] = Node{ClassType: node.ClassType, Inputs: inputs}
	}
	return resolved, nil
}

// Placeholders lists the image placeholders present in the graph.
func (g Graph) Placeholders() []string {
	seen := map[string]bool{}
	var out []string
	// Deterministic order: reference image then region guide.
	for _, want := range []string{PlaceholderReferenceImage, PlaceholderRegionGuide} {
		for _, node := range g {
			for _, value := range node.Inputs {
				if str, ok := value.(string); ok && str == want && !seen[str] {
					seen[str] = true
					out = append(out, str)
				}
			}
		}
	}
	return out
}
