package opshttp

import (
	"net/http"
	"net/netip"

	"github.com/keithlinneman/secwatch/internal/health"
)

type Options struct {
	Port        int
	Metrics     http.Handler
	EnablePprof bool
	Health      health.Probe
	Readiness   health.Probe

	// API serves everything under /api/ with the full request path
	API http.Handler

	// AllowedNets are admitted in addition to loopback, private and link-local
	// peers, e.g. a monitoring VPC reached over a public range.
	AllowedNets []netip.Prefix

	UseRecoverMW bool
	OnPanic      func()
	// OnRejected runs for each request refused by the network filter
	OnRejected func()
}
