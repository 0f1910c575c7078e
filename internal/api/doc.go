// Package api exposes the operator HTTP surface: on-demand life-support
// checks, native swaps, the last recorded outcomes and a health probe.
package api
