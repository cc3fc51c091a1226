// Package prof runs the continuous profiler. Background loops are labelled with
// Do so sweeps, policy polls and alert delivery are separable from request
// handling in flame graphs.
package prof

import (
	"context"
	"net/url"
	"runtime"

	"github.com/grafana/pyroscope-go"

	"github.com/keithlinneman/secwatch/internal/log"
	"github.com/keithlinneman/secwatch/internal/xerrors"
)

type Options struct {
	Enabled           bool
	AppName           string
	ServerAddress     string
	BasicAuthUser     string
	BasicAuthPassword string
	TenantID          string
	Tags              map[string]string

	// 0 leaves the runtime defaults (both off)
	MutexProfileFraction int
	BlockProfileRate     int
}

// every type the Go agent can push; mutex and block only carry data when the
// runtime rates above are set
var profileTypes = []pyroscope.ProfileType{
	pyroscope.ProfileCPU,
	pyroscope.ProfileAllocObjects,
	pyroscope.ProfileAllocSpace,
	pyroscope.ProfileInuseObjects,
	pyroscope.ProfileInuseSpace,
	pyroscope.ProfileGoroutines,
	pyroscope.ProfileMutexCount,
	pyroscope.ProfileMutexDuration,
	pyroscope.ProfileBlockCount,
	pyroscope.ProfileBlockDuration,
}

func (o Options) validate() error {
	u, err := url.Parse(o.ServerAddress)
	if o.ServerAddress == "" || err != nil || u.Scheme == "" || u.Host == "" {
		return xerrors.Newf("invalid server address (%q)", o.ServerAddress)
	}
	if o.AppName == "" {
		return xerrors.New("application name is required")
	}
	return nil
}

// Start begins pushing profiles. The returned stop func is never nil and is
// safe to call more than once.
func Start(ctx context.Context, opts Options) (stop func(), err error) {
	L := log.FromContext(ctx).With("component", "pyroscope")
	noop := func() {}

	if !opts.Enabled {
		L.Info(ctx, "pyroscope disabled")
		return noop, nil
	}
	if err := opts.validate(); err != nil {
		return noop, err
	}

	if opts.MutexProfileFraction > 0 {
		runtime.SetMutexProfileFraction(opts.MutexProfileFraction)
	}
	if opts.BlockProfileRate > 0 {
		runtime.SetBlockProfileRate(opts.BlockProfileRate)
	}

	profiler, err := pyroscope.Start(pyroscope.Config{
		ApplicationName:   opts.AppName,
		ServerAddress:     opts.ServerAddress,
		BasicAuthUser:     opts.BasicAuthUser,
		BasicAuthPassword: opts.BasicAuthPassword,
		TenantID:          opts.TenantID,
		Tags:              opts.Tags,
		ProfileTypes:      profileTypes,
	})
	if err != nil {
		return noop, xerrors.Wrap(err, "start pyroscope")
	}
	L.Info(ctx, "pyroscope started", "server_address", opts.ServerAddress, "app_name", opts.AppName)

	stopped := false
	return func() {
		if stopped {
			return
		}
		stopped = true
		if err := profiler.Stop(); err != nil {
			L.Warn(context.Background(), "pyroscope stop", "err", err)
			return
		}
		L.Info(context.Background(), "pyroscope stopped")
	}, nil
}

// Do runs fn with the profiler label task=name on every sample it produces,
// including goroutines fn starts. Works whether or not the profiler runs.
func Do(ctx context.Context, task string, fn func(context.Context)) {
	pyroscope.TagWrapper(ctx, pyroscope.Labels("task", task), fn)
}
