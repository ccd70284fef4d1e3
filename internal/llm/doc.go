// Package llm defines the language model contract used by the yield agent to
// review a pending harvest. Provider clients live in sub-packages.
package llm
