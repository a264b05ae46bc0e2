package pipeline

// StageKind tags the variant of an optional stage.
type StageKind string

// Stage kinds. StageBase is always present; the rest are optional and,
// when attached, appear in the fixed order region guide, reference image,
// style adapter. Order matters: downstream stages read the image tensor
// produced by earlier stages.
const (
	StageBase           StageKind = "base"
	StageRegionGuide    StageKind = "region_guide"
	StageReferenceImage StageKind = "reference_image"
	StageStyleAdapter   StageKind = "style_adapter"
)

// Stage is a tagged variant describing one optional conditioning stage.
// Use the constructors below; fields not applicable to a kind stay zero.
type Stage struct {
	Kind StageKind

	// ModelRef names the auxiliary model for region guides (conditioning
	// model) and style adapters (adapter weights).
	ModelRef string

	// Strength is the style adapter's weighting.
	Strength float64

	// Image holds the raw image payload for reference images and region
	// guides. Uploaded at submission time; never embedded in the graph.
	Image []byte
}

// ReferenceImage attaches an image the generation starts from instead of
// empty noise.
func ReferenceImage(image []byte) Stage {
	return Stage{Kind: StageReferenceImage, Image: image}
}

// RegionGuide attaches region-guided conditioning driven by modelRef.
// Requires a paired ReferenceImage stage in the same build.
func RegionGuide(modelRef string, image []byte) Stage {
	return Stage{Kind: StageRegionGuide, ModelRef: modelRef, Image: image}
}

// StyleAdapter attaches adapter weights applied at the given strength.
func StyleAdapter(modelRef string, strength float64) Stage {
	return Stage{Kind: StageStyleAdapter, ModelRef: modelRef, Strength: strength}
}
