// Package llm defines the language model collaborator used for planning and
// summarization: a pure prompt plus context to text function with provider
// adapters in the subpackages.
package llm
