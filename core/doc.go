// Package core holds the contracts and plumbing every guard component
// shares: configuration layering, the guard error envelope vocabulary,
// the logging and metrics observer, and the job contracts the
// maintenance adapters bridge to. Component packages depend on core;
// core depends on nothing else in the module.
package core
