package model

import "github.com/kshedden/nanocall/internal/nanoerr"

// Builtin returns the compiled-in generic pore model table. The actual
// model tables (the ~4096-row per-state emission parameters measured from
// real pores) are data, not logic, and are out of scope for this module;
// this package ships no table, so Builtin always signals that one must be
// supplied on the command line via -m or --model-fofn.
func Builtin() (Dict, error) {
	return nil, nanoerr.Input("no built-in pore model table is compiled in; supply one or more models with -m or --model-fofn")
}
