/*
Package classify maps raw engine failures to actionable categories.

Every failure is labeled with a Kind and a Catastrophic verdict:

	config      bad caller input; never trips the breaker, never triggers recovery
	processing  the engine rejected one job; surfaced to the caller as-is
	memory      system-level; counts against the breaker
	threading   system-level; counts against the breaker
	unknown     system-level; always treated as catastrophic

Catastrophic means the engine's internal state may be corrupted and it must be
torn down and reloaded before further calls are safe.

# Signatures

Matching is driven by data tables of Signature values rather than branches.
Structured engine codes (engine.Error) are mapped first; the string tables are
the fallback for opaque failures. Extend the tables with WithSignatures:

	c := classify.New().WithSignatures(classify.Signature{
		Term:         "heap corrupted",
		Kind:         classify.KindMemory,
		Catastrophic: true,
	})
*/
package classify
