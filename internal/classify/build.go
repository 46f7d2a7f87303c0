// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package classify

import "fmt"

// Names of the built-in classifiers selectable per mode.
const (
	NameRules    = "rules"
	NameDroneRF  = "drone_rf"
	NameRemoteID = "remote_id"
)

// Spec selects and configures a mode's classifiers.
type Spec struct {
	// Use lists built-in classifiers in evaluation order. Empty means "rules".
	Use   []string   `yaml:"use"`
	Rules []RuleSpec `yaml:"rules"`
	// Counter is the counter bumped by the drone_rf and remote_id classifiers.
	Counter string `yaml:"counter"`
}

// Build assembles the classifier chain described by spec.
func Build(spec Spec) (Classifier, error) {
	use := spec.Use
	if len(use) == 0 {
		use = []string{NameRules}
	}
	var chain Chain
	for _, name := range use {
		switch name {
		case NameRules:
			r, err := CompileRules(spec.Rules)
			if err != nil {
				return nil, err
			}
			chain = append(chain, r)
		case NameDroneRF:
			chain = append(chain, DroneRF{Counter: spec.Counter})
		case NameRemoteID:
			chain = append(chain, RemoteIDClassifier{Counter: spec.Counter})
		default:
			return nil, fmt.Errorf("unknown classifier %q", name)
		}
	}
	if len(chain) == 1 {
		return chain[0], nil
	}
	return chain, nil
}
