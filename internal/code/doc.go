// Package code parses, validates and generates wormhole codes of the form
// <nameplate>-<word>[-<word>...]. The nameplate is public and sent to the
// relay; the words are the PAKE password and never leave the process.
package code
