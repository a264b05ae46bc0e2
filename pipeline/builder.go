package pipeline

import (
	"strings"

	"imageflow/core"
)

// Pipeline is the fully resolved description of one generation request:
// the base parameters, the ordered stage list, and the compiled request
// graph. Owned by the controller for the lifetime of one session and
// discarded after the terminal state is acknowledged.
type Pipeline struct {
	Parameters Parameters
	Stages     []Stage
	Graph      Graph
}

// Extended reports whether any optional stage is attached.
func (p *Pipeline) Extended() bool {
	return len(p.Stages) > 1
}

// StageByKind returns the attached stage of the given kind, if any.
func (p *Pipeline) StageByKind(kind StageKind) (Stage, bool) {
	for _, s := range p.Stages {
		if s.Kind == kind {
			return s, true
		}
	}
	return Stage{}, false
}

// Build compiles parameters and optional stages into a Pipeline.
//
// Selection rule: an empty stage set yields the base pipeline. Any optional
// stage yields the extended pipeline, whose stage order is fixed: base,
// region guide, reference image, style adapter. A region guide without a
// paired reference image fails, as does more than one stage of a kind.
//
// Pure: no I/O, no state between calls. Validation happens here, not at
// submission.
func Build(params Parameters, stages []Stage) (*Pipeline, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}

	var refImage, regionGuide, styleAdapter *Stage
	for i := range stages {
		s := &stages[i]
		switch s.Kind {
		case StageReferenceImage:
			if refImage != nil {
				return nil, core.ErrInvalidStageCombination("more than one reference image stage")
			}
			if len(s.Image) == 0 {
				return nil, core.ErrInvalidParameters("referenceImage", "image payload must not be empty")
			}
			refImage = s
		case StageRegionGuide:
			if regionGuide != nil {
				return nil, core.ErrInvalidStageCombination("more than one region guide stage")
			}
			if s.ModelRef == "" {
				return nil, core.ErrInvalidParameters("regionGuide.modelRef", "must not be empty")
			}
			if len(s.Image) == 0 {
				return nil, core.ErrInvalidParameters("regionGuide", "guide image payload must not be empty")
			}
			regionGuide = s
		case StageStyleAdapter:
			if styleAdapter != nil {
				return nil, core.ErrInvalidStageCombination("more than one style adapter stage")
			}
			if s.ModelRef == "" {
				return nil, core.ErrInvalidParameters("styleAdapter.modelRef", "must not be empty")
			}
			if s.Strength < 0 || s.Strength > 2 {
				return nil, core.ErrInvalidParameters("styleAdapter.strength", "must be within [0, 2]")
			}
			styleAdapter = s
		default:
			return nil, core.ErrInvalidStageCombination("unknown stage kind " + string(s.Kind))
		}
	}

	if regionGuide != nil && refImage == nil {
		return nil, core.ErrInvalidStageCombination("region guide requires a paired reference image")
	}

	ordered := []Stage{{Kind: StageBase}}
	if regionGuide != nil {
		ordered = append(ordered, *regionGuide)
	}
	if refImage != nil {
		ordered = append(ordered, *refImage)
	}
	if styleAdapter != nil {
		ordered = append(ordered, *styleAdapter)
	}

	graph := buildGraph(params, regionGuide, refImage != nil, styleAdapter)

	return &Pipeline{
		Parameters: params,
		Stages:     ordered,
		Graph:      graph,
	}, nil
}

// buildGraph compiles the request graph. The base graph always contains
// checkpoint, both text encodes, a latent source, the sampler, decode and
// save; optional stages rewire those connections.
func buildGraph(params Parameters, regionGuide *Stage, hasReference bool, styleAdapter *Stage) Graph {
	g := Graph{}

	g[nodeCheckpoint] = Node{
		ClassType: "CheckpointLoaderSimple",
		Inputs: map[string]any{
			"ckpt_name": params.ModelID,
		},
	}

	// Model and CLIP sources; a style adapter interposes on both.
	modelSource := conn(nodeCheckpoint, 0)
	clipSource := conn(nodeCheckpoint, 1)
	if styleAdapter != nil {
		g[nodeStyleAdapter] = Node{
			ClassType: "LoraLoader",
			Inputs: map[string]any{
				"lora_name":      styleAdapter.ModelRef,
				"strength_model": styleAdapter.Strength,
				"strength_clip":  styleAdapter.Strength,
				"model":          conn(nodeCheckpoint, 0),
				"clip":           conn(nodeCheckpoint, 1),
			},
		}
		modelSource = conn(nodeStyleAdapter, 0)
		clipSource = conn(nodeStyleAdapter, 1)
	}

	g[nodePositive] = Node{
		ClassType: "CLIPTextEncode",
		Inputs: map[string]any{
			"text": params.Prompt,
			"clip": clipSource,
		},
	}
	g[nodeNegative] = Node{
		ClassType: "CLIPTextEncode",
		Inputs: map[string]any{
			"text": strings.Join(params.NegativePrompt, ", "),
			"clip": clipSource,
		},
	}

	// Positive conditioning; a region guide interposes on it.
	positiveSource := conn(nodePositive, 0)
	if regionGuide != nil {
		g[nodeGuideImage] = Node{
			ClassType: "LoadImage",
			Inputs: map[string]any{
				"image": PlaceholderRegionGuide,
			},
		}
		g[nodeGuideLoader] = Node{
			ClassType: "ControlNetLoader",
			Inputs: map[string]any{
				"control_net_name": regionGuide.ModelRef,
			},
		}
		g[nodeGuideApply] = Node{
			ClassType: "ControlNetApply",
			Inputs: map[string]any{
				"conditioning": conn(nodePositive, 0),
				"control_net":  conn(nodeGuideLoader, 0),
				"image":        conn(nodeGuideImage, 0),
				"strength":     1.0,
			},
		}
		positiveSource = conn(nodeGuideApply, 0)
	}

	// Latent source: empty noise, or the encoded reference image.
	latentSource := conn(nodeLatent, 0)
	if hasReference {
		g[nodeReferenceImage] = Node{
			ClassType: "LoadImage",
			Inputs: map[string]any{
				"image": PlaceholderReferenceImage,
			},
		}
		g[nodeEncode] = Node{
			ClassType: "VAEEncode",
			Inputs: map[string]any{
				"pixels": conn(nodeReferenceImage, 0),
				"vae":    conn(nodeCheckpoint, 2),
			},
		}
		latentSource = conn(nodeEncode, 0)
	} else {
		g[nodeLatent] = Node{
			ClassType: "EmptyLatentImage",
			Inputs: map[string]any{
				"width":      params.Width,
				"height":     params.Height,
				"batch_size": 1,
			},
		}
	}

	g[nodeSampler] = Node{
		ClassType: "KSampler",
		Inputs: map[string]any{
			"model":        modelSource,
			"positive":     positiveSource,
			"negative":     conn(nodeNegative, 0),
			"latent_image": latentSource,
			"steps":        params.Steps,
			"cfg":          params.GuidanceScale,
			"sampler_name": string(params.Sampler),
			"scheduler":    string(params.Scheduler),
			"denoise":      params.DenoiseStrength,
			"seed":         params.SeedOrDefault(),
		},
	}
	g[nodeDecode] = Node{
		ClassType: "VAEDecode",
		Inputs: map[string]any{
			"samples": conn(nodeSampler, 0),
			"vae":     conn(nodeCheckpoint, 2),
		},
	}
	g[nodeSave] = Node{
		ClassType: "SaveImage",
		Inputs: map[string]any{
			"images":          conn(nodeDecode, 0),
			"filename_prefix": "imageflow",
		},
	}

	return g
}
