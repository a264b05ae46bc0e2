// Package pipeline builds fully resolved generation requests.
//
// A Pipeline is the ordered description of a single generation: the base
// parameters plus zero or more optional stages (reference image, region
// guide, style adapter), compiled into the request graph the generation
// server executes. Building is pure: no I/O, no retained state, identical
// inputs yield structurally identical pipelines.
package pipeline

import (
	"math"

	"imageflow/core"
)

// Sampler selects the diffusion sampling algorithm.
type Sampler string

// Supported samplers.
const (
	SamplerEuler          Sampler = "euler"
	SamplerEulerAncestral Sampler = "euler_ancestral"
	SamplerHeun           Sampler = "heun"
	SamplerDPMPP2M        Sampler = "dpmpp_2m"
	SamplerDPMPPSDE       Sampler = "dpmpp_sde"
	SamplerDDIM           Sampler = "ddim"
	SamplerUniPC          Sampler = "uni_pc"
	SamplerLCM            Sampler = "lcm"
)

// Scheduler selects the noise schedule.
type Scheduler string

// Supported schedulers.
const (
	SchedulerNormal      Scheduler = "normal"
	SchedulerKarras      Scheduler = "karras"
	SchedulerExponential Scheduler = "exponential"
	SchedulerSGMUniform  Scheduler = "sgm_uniform"
	SchedulerSimple      Scheduler = "simple"
	SchedulerDDIMUniform Scheduler = "ddim_uniform"
)

var validSamplers = map[Sampler]bool{
	SamplerEuler:          true,
	SamplerEulerAncestral: true,
	SamplerHeun:           true,
	SamplerDPMPP2M:        true,
	SamplerDPMPPSDE:       true,
	SamplerDDIM:           true,
	SamplerUniPC:          true,
	SamplerLCM:            true,
}

var validSchedulers = map[Scheduler]bool{
	SchedulerNormal:      true,
	SchedulerKarras:      true,
	SchedulerExponential: true,
	SchedulerSGMUniform:  true,
	SchedulerSimple:      true,
	SchedulerDDIMUniform: true,
}

// Parameters is the immutable value object a pipeline is built from.
// Once a Pipeline has been built, callers must not mutate the slices.
type Parameters struct {
	ModelID         string    `json:"model_id"`
	Prompt          string    `json:"prompt"`
	NegativePrompt  []string  `json:"negative_prompt,omitempty"`
	Width           int       `json:"width"`
	Height          int       `json:"height"`
	Steps           int       `json:"steps"`
	GuidanceScale   float64   `json:"guidance_scale"`
	Sampler         Sampler   `json:"sampler"`
	Scheduler       Scheduler `json:"scheduler"`
	DenoiseStrength float64   `json:"denoise_strength"`
	Seed            *int64    `json:"seed,omitempty"`
}

// Validate checks every numeric and enum constraint, failing fast with an
// error naming the first offending field. Runs at build time so invalid
// parameters never reach the network layer.
func (p Parameters) Validate() error {
	if p.ModelID == "" {
		return core.ErrInvalidParameters("modelId", "must not be empty")
	}
	if p.Prompt == "" {
		return core.ErrInvalidParameters("prompt", "must not be empty")
	}
	if p.Width <= 0 {
		return core.ErrInvalidParameters("width", "must be a positive integer")
	}
	if p.Height <= 0 {
		return core.ErrInvalidParameters("height", "must be a positive integer")
	}
	if p.Steps <= 0 {
		return core.ErrInvalidParameters("steps", "must be a positive integer")
	}
	if math.IsNaN(p.GuidanceScale) || math.IsInf(p.GuidanceScale, 0) || p.GuidanceScale <= 0 {
		return core.ErrInvalidParameters("guidanceScale", "must be finite and greater than zero")
	}
	if !validSamplers[p.Sampler] {
		return core.ErrInvalidParameters("sampler", "not a supported sampler")
	}
	if !validSchedulers[p.Scheduler] {
		return core.ErrInvalidParameters("scheduler", "not a supported scheduler")
	}
	if math.IsNaN(p.DenoiseStrength) || p.DenoiseStrength < 0 || p.DenoiseStrength > 1 {
		return core.ErrInvalidParameters("denoiseStrength", "must be within [0, 1]")
	}
	return nil
}

// SeedOrDefault returns the explicit seed, or 0 when none was given.
// The server treats 0 as a fixed seed, so callers wanting randomness pick
// one before building.
func (p Parameters) SeedOrDefault() int64 {
	if p.Seed != nil {
		return *p.Seed
	}
	return 0
}
