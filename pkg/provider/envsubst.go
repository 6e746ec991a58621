package provider

import "regexp"

var varPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// ExpandResult reports which `${VAR}` placeholders in a Spec were resolved
// against the supplied variable map and which were left untouched because
// no value was supplied for them.
type ExpandResult struct {
	Replaced         map[string]bool
	Missing          map[string]bool
}

func newExpandResult() *ExpandResult {
	return &ExpandResult{Replaced: map[string]bool{}, Missing: map[string]bool{}}
}

// ExpandEnv substitutes `${VAR}` placeholders in a Spec's Command, Args,
// Env values, URL, and Headers values with entries from vars. Placeholders
// with no matching entry are left in place so misconfiguration is visible
// rather than silently producing an empty string.
func ExpandEnv(spec Spec, vars map[string]string) (Spec, *ExpandResult) {
	result := newExpandResult()

	spec.Command = expandString(spec.Command, vars, result)
	for i, arg := range spec.Args {
		spec.Args[i] = expandString(arg, vars, result)
	}
	for k, v := range spec.Env {
		spec.Env[k] = expandString(v, vars, result)
	}
	spec.URL = expandString(spec.URL, vars, result)
	for k, v := range spec.Headers {
		spec.Headers[k] = expandString(v, vars, result)
	}

	return spec, result
}

func expandString(s string, vars map[string]string, result *ExpandResult) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		name := varPattern.FindStringSubmatch(match)[1]
		if v, ok := vars[name]; ok {
			result.Replaced[name] = true
			return v
		}
		result.Missing[name] = true
		return match
	})
}
