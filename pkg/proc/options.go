package proc

import "github.com/go-pstack/pstack/pkg/config"

// DefaultMaxFrames caps the number of frames read per thread.
const DefaultMaxFrames = 1024

// Options holds the knobs the front end exposes for a dump.
type Options struct {
	// DoArgs resolves and prints argument values from DW_AT_location.
	DoArgs bool
	// NoSrc suppresses source file and line annotations.
	NoSrc bool
	// Verbose adds ip/cfa columns to the text output.
	Verbose bool
	// MaxFrames caps the frames printed per thread.
	MaxFrames int
	// DebugDirs is the search path for separate debug info.
	DebugDirs []string
	// PathReplacements rewrites shared library paths before loading.
	PathReplacements []config.SubstitutePathRule
}

// normalize fills in defaults.
func (o *Options) normalize() {
	if o.MaxFrames <= 0 {
		o.MaxFrames = DefaultMaxFrames
	}
}

// replacePath applies the configured prefix substitutions.
func (o *Options) replacePath(path string) string {
	for _, rule := range o.PathReplacements {
		if len(path) >= len(rule.From) && path[:len(rule.From)] == rule.From {
			return rule.To + path[len(rule.From):]
		}
	}
	return path
}
