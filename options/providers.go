package options

import (
	"slices"
	"strconv"

	"github.com/wippyai/ort-wasm/errors"
)

// Native execution provider names.
const (
	ProviderJS      = "JS"
	ProviderWebNN   = "WEBNN"
	ProviderXNNPACK = "XNNPACK"
)

type configEntry struct {
	key, value string
}

// provider is an execution provider resolved to its native name and the
// session config entries it needs.
type provider struct {
	native  string
	entries []configEntry
}

var (
	layouts          = []string{"NCHW", "NHWC"}
	deviceTypes      = []string{"cpu", "gpu", "npu"}
	powerPreferences = []string{"default", "low-power", "high-performance"}
)

// resolveProviders validates eps and maps them to native providers. cpu and
// wasm need no native provider and are skipped.
func resolveProviders(eps []ExecutionProvider) ([]provider, error) {
	var out []provider
	for i, ep := range eps {
		path := []string{"executionProviders", strconv.Itoa(i)}
		switch ep.Name {
		case "cpu", "wasm":
			continue
		case "webgpu":
			p := provider{native: ProviderJS}
			if ep.PreferredLayout != "" {
				if !slices.Contains(layouts, ep.PreferredLayout) {
					return nil, errors.InvalidEnum(errors.PhaseValidate, append(path, "preferredLayout"), ep.PreferredLayout, "preferredLayout")
				}
				p.entries = append(p.entries, configEntry{"preferredLayout", ep.PreferredLayout})
			}
			out = append(out, p)
		case "webnn":
			p := provider{native: ProviderWebNN}
			if ep.DeviceType != "" {
				if !slices.Contains(deviceTypes, ep.DeviceType) {
					return nil, errors.InvalidEnum(errors.PhaseValidate, append(path, "deviceType"), ep.DeviceType, "deviceType")
				}
				p.entries = append(p.entries, configEntry{"deviceType", ep.DeviceType})
			}
			if ep.NumThreads != nil {
				if *ep.NumThreads < 0 {
					return nil, errors.InvalidEnum(errors.PhaseValidate, append(path, "numThreads"), *ep.NumThreads, "numThreads")
				}
				p.entries = append(p.entries, configEntry{"numThreads", strconv.Itoa(int(*ep.NumThreads))})
			}
			if ep.PowerPreference != "" {
				if !slices.Contains(powerPreferences, ep.PowerPreference) {
					return nil, errors.InvalidEnum(errors.PhaseValidate, append(path, "powerPreference"), ep.PowerPreference, "powerPreference")
				}
				p.entries = append(p.entries, configEntry{"powerPreference", ep.PowerPreference})
			}
			out = append(out, p)
		case "xnnpack":
			out = append(out, provider{native: ProviderXNNPACK})
		default:
			return nil, errors.New(errors.PhaseValidate, errors.KindUnsupported).
				Path(path...).
				Value(ep.Name).
				Detail("not supported execution provider: %s", ep.Name).
				Build()
		}
	}
	return out, nil
}
