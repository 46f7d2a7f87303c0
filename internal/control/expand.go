// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package control

import (
	"fmt"
	"maps"
	"os"
	"slices"
	"strings"

	"github.com/ManuGH/sdrd/internal/config"
	"github.com/ManuGH/sdrd/internal/device"
	"github.com/ManuGH/sdrd/internal/pipeline"
)

// templateVars merges request parameters with the device placeholders. Device
// values win so a request cannot redirect a pipeline to another device.
func templateVars(d device.Descriptor, params map[string]string) (map[string]string, error) {
	capability, err := device.Resolve(d)
	if err != nil {
		return nil, err
	}
	vars := make(map[string]string, len(params)+5)
	maps.Copy(vars, params)
	maps.Copy(vars, capability.Vars(d))
	return vars, nil
}

// buildSpec expands the ${name} placeholders in every stage of mc. A
// placeholder without a value is an error.
func buildSpec(mc config.ModeConfig, vars map[string]string) (pipeline.Spec, error) {
	missing := map[string]struct{}{}
	expand := func(s string) string {
		return os.Expand(s, func(name string) string {
			v, ok := vars[name]
			if !ok {
				missing[name] = struct{}{}
			}
			return v
		})
	}

	spec := pipeline.Spec{Stages: make([]pipeline.StageSpec, 0, len(mc.Stages))}
	for _, st := range mc.Stages {
		ss := pipeline.StageSpec{
			Name:               st.Name,
			Command:            expand(st.Command),
			ExpectsReadyWithin: st.ReadyWithin,
			FeedsIntoNext:      st.FeedsIntoNext,
		}
		for _, a := range st.Args {
			ss.Args = append(ss.Args, expand(a))
		}
		for _, e := range st.Env {
			ss.Env = append(ss.Env, expand(e))
		}
		spec.Stages = append(spec.Stages, ss)
	}

	if len(missing) > 0 {
		names := slices.Sorted(maps.Keys(missing))
		return pipeline.Spec{}, fmt.Errorf("%w: no value for placeholder(s) %s", ErrInvalidRequest, strings.Join(names, ", "))
	}
	return spec, nil
}
