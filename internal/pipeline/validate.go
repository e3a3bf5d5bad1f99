package pipeline

import (
	"fmt"
	"strings"
)

// Validate checks the static shape of a pipeline before anything runs:
// stage names unique and non-empty, every stage declares at least one output,
// no two stages claim the same output, and every declared input is either a
// pipeline precondition or an output of a strictly earlier stage.
func Validate(p Pipeline) error {
	if len(p.Stages) == 0 {
		return fmt.Errorf("pipeline %q has no stages", p.Name)
	}

	available := make(map[string]string, len(p.Preconditions))
	for _, pre := range p.Preconditions {
		available[normalize(pre)] = ""
	}

	seenNames := make(map[string]bool, len(p.Stages))
	for i, st := range p.Stages {
		if strings.TrimSpace(st.Name) == "" {
			return fmt.Errorf("stage %d has an empty name", i)
		}
		if seenNames[st.Name] {
			return fmt.Errorf("stage name %q is duplicated", st.Name)
		}
		seenNames[st.Name] = true

		if st.Action == nil {
			return fmt.Errorf("stage %q has no action", st.Name)
		}
		if len(st.Outputs) == 0 {
			return fmt.Errorf("stage %q declares no outputs", st.Name)
		}

		for _, in := range st.Inputs {
			if _, ok := available[normalize(in)]; !ok {
				return fmt.Errorf("stage %q input %q is not a precondition or an earlier stage's output", st.Name, in)
			}
		}

		for _, out := range st.Outputs {
			key := normalize(out)
			if producer, ok := available[key]; ok && producer != "" {
				return fmt.Errorf("stage %q output %q is already produced by stage %q", st.Name, out, producer)
			}
			available[key] = st.Name
		}
	}

	return nil
}

func normalize(path string) string {
	return strings.TrimSuffix(path, "/")
}
