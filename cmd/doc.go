// Package cmd implements the dGC command line interface.
package cmd
