// Package jobunit builds the per-region imputation job specifications that
// the scheduler dispatches.
package jobunit

import (
	"github.com/3leaps/genimpute/pkg/refpanel"
)

// Params are the numeric imputation parameters shared by every region of a
// run.
type Params struct {
	Rounds     int    `json:"rounds"`
	Window     int    `json:"window"`
	Population string `json:"population,omitempty"`
}

// Unit is one imputation job for one region. A Unit is built once, passed
// by value and never modified afterwards.
type Unit struct {
	// Name identifies the job on the cluster backend: "<run>-chr-<region>".
	Name string `json:"name"`

	Region        string `json:"region"`
	InputManifest string `json:"input_manifest"`
	Output        string `json:"output"`
	LogPath       string `json:"log_path"`

	RefPanel     string `json:"ref_panel"`
	RefPanelPath string `json:"ref_panel_path"`
	Build        string `json:"build,omitempty"`
	MapMinimac   string `json:"map_minimac,omitempty"`

	Phasing           refpanel.PhasingMethod `json:"phasing"`
	MapShapeIT        string                 `json:"map_shapeit,omitempty"`
	MapPatternShapeIT string                 `json:"map_pattern_shapeit,omitempty"`
	MapHapiUR         string                 `json:"map_hapiur,omitempty"`
	MapPatternHapiUR  string                 `json:"map_pattern_hapiur,omitempty"`
	MapEagle          string                 `json:"map_eagle,omitempty"`
	RefEagle          string                 `json:"ref_eagle,omitempty"`

	Params Params `json:"params"`

	// Execution hints passed through to the backend.
	Queue      string `json:"queue,omitempty"`
	NoCache    bool   `json:"no_cache,omitempty"`
	MinimacBin string `json:"minimac_bin,omitempty"`
}
