// Package demangle turns mangled frame names back into source names,
// picking the scheme from the language of the function.
package demangle

import (
	"strings"

	"github.com/ianlancetaylor/demangle"

	"github.com/grafana/symcache/pkg/symcache"
)

// ParseOptions maps a mode name (none, simplified, templates, full) to
// demangler options. Unknown modes yield the demangler defaults. Every call
// returns a new slice.
func ParseOptions(mode string) []demangle.Option {
	switch mode {
	case "simplified":
		return []demangle.Option{demangle.NoParams, demangle.NoEnclosingParams, demangle.NoTemplateParams}
	case "templates":
		return []demangle.Option{demangle.NoParams, demangle.NoEnclosingParams}
	case "full":
		return []demangle.Option{demangle.NoClones}
	}
	return nil
}

// Name demangles name according to lang. Names that are not mangled, or that
// fail to demangle, are returned unchanged.
func Name(name string, lang symcache.Language, opts ...demangle.Option) string {
	switch lang {
	case symcache.LanguageCpp, symcache.LanguageObjCpp, symcache.LanguageRust, symcache.LanguageD:
	case symcache.LanguageUnknown, symcache.LanguageC:
		// Only names carrying a mangling prefix.
		if !isMangled(name) {
			return name
		}
	default:
		return name
	}
	return demangle.Filter(name, opts...)
}

// Frames demangles the function names of frames in place.
func Frames(frames []symcache.Frame, opts ...demangle.Option) {
	for i := range frames {
		frames[i].FunctionName = Name(frames[i].FunctionName, frames[i].Language, opts...)
	}
}

func isMangled(name string) bool {
	return strings.HasPrefix(name, "_Z") || strings.HasPrefix(name, "__Z") || strings.HasPrefix(name, "_R")
}
