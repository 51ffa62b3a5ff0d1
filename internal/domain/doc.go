// Package domain defines core data models, interfaces and the error taxonomy
// shared across wormhole's components.
// It contains plain types (wire/state) and contracts (interfaces) only.
package domain
