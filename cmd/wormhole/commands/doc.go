// Package commands implements the wormhole command line.
//
//	wormhole send [FILE] [--text MESSAGE] [--code CODE]
//	wormhole receive [CODE] [--only-text] [--accept-file] [-o FILE]
//
// "tx" and "rx" are aliases. Settings come from the optional TOML file given
// with --config; flags override it.
package commands
