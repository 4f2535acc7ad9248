package classify

// Signature maps a lower-case term found in failure text to a verdict.
// A zero Kind means the signature does not imply a kind.
type Signature struct {
	Term         string
	Kind         Kind
	Catastrophic bool
}

// CatastrophicSignatures indicate corrupted engine state. Order matters only
// for kind inference: the first match that carries a Kind wins.
var CatastrophicSignatures = []Signature{
	{Term: "unreachable", Kind: KindUnknown, Catastrophic: true},
	{Term: "out of bounds", Kind: KindMemory, Catastrophic: true},
	{Term: "index out of range", Kind: KindMemory, Catastrophic: true},
	{Term: "memory access", Kind: KindMemory, Catastrophic: true},
	{Term: "stack overflow", Kind: KindMemory, Catastrophic: true},
	{Term: "maximum call stack", Kind: KindMemory, Catastrophic: true},
	{Term: "unwrap()` on a `none`", Kind: KindUnknown, Catastrophic: true},
	{Term: "unwrap on none", Kind: KindUnknown, Catastrophic: true},
	{Term: "nil pointer dereference", Kind: KindUnknown, Catastrophic: true},
	{Term: "division by zero", Kind: KindUnknown, Catastrophic: true},
	{Term: "divide by zero", Kind: KindUnknown, Catastrophic: true},
	{Term: "worker crashed", Kind: KindThreading, Catastrophic: true},
	{Term: "worker thread crash", Kind: KindThreading, Catastrophic: true},
	{Term: "worker terminated", Kind: KindThreading, Catastrophic: true},
	{Term: "state corrupted", Kind: KindUnknown, Catastrophic: true},
	{Term: "panic", Kind: KindUnknown, Catastrophic: true},
}

// KindSignatures infer a kind when the caller did not supply one. The first
// match wins, so caller-input terms come before the system-level ones they
// often mention ("invalid thread count").
var KindSignatures = []Signature{
	{Term: "invalid", Kind: KindConfig},
	{Term: "config", Kind: KindConfig},
	{Term: "parameter", Kind: KindConfig},
	{Term: "unsupported", Kind: KindConfig},
	{Term: "not loaded", Kind: KindConfig},
	{Term: "not initialized", Kind: KindConfig},
	{Term: "syntaxerror", Kind: KindConfig},
	{Term: "out of memory", Kind: KindMemory},
	{Term: "allocation", Kind: KindMemory},
	{Term: "memory", Kind: KindMemory},
	{Term: "thread", Kind: KindThreading},
	{Term: "worker", Kind: KindThreading},
	{Term: "pool", Kind: KindThreading},
	{Term: "atomics", Kind: KindThreading},
	{Term: "singular", Kind: KindProcessing},
	{Term: "timeout", Kind: KindProcessing},
	{Term: "interrupted", Kind: KindProcessing},
	{Term: "deadline", Kind: KindProcessing},
	{Term: "canceled", Kind: KindProcessing},
	{Term: "cancelled", Kind: KindProcessing},
	{Term: "processing", Kind: KindProcessing},
}

// GenericFailureTerms mark a threading failure as catastrophic: a pool that
// failed outright is assumed to have left workers in an unknown state.
var GenericFailureTerms = []string{
	"failed",
	"failure",
	"crash",
	"abort",
	"poisoned",
}
