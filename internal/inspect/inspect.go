// Package inspect scans inbound requests for injection signatures and reports
// what it finds to the security event tracker.
//
// Signatures are deliberately narrow. A miss here costs one unreported probe,
// a false positive can get a real player blocked for half an hour.
package inspect

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"net/url"
	"regexp"
	"strings"

	"github.com/keithlinneman/secwatch/internal/httpmw"
	"github.com/keithlinneman/secwatch/internal/log"
	"github.com/keithlinneman/secwatch/internal/secevents"
	"github.com/keithlinneman/secwatch/internal/xerrors"
)

// Mode controls what the middleware does with a finding
type Mode string

const (
	// ModeObserve records findings and lets the request through
	ModeObserve Mode = "observe"
	// ModeBlock records findings and rejects the request with 400/413
	ModeBlock Mode = "block"
	// ModeOff disables inspection entirely
	ModeOff Mode = "off"
)

// ParseMode validates a mode string from config
func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case ModeObserve, ModeBlock, ModeOff:
		return m, nil
	}
	return "", xerrors.Newf("unknown inspect mode %q (valid modes are observe|block|off)", s)
}

const DefaultMaxBodyBytes = 64 << 10

var signatures = map[secevents.Kind]*regexp.Regexp{
	secevents.KindSQLInjection: regexp.MustCompile(`(?i)(` +
		`['"]\s*OR\s*['"]?\d+['"]?\s*=\s*['"]?\d+|` +
		`['"]\s*OR\s*['"][^'"]*['"]\s*=\s*['"][^'"]*['"]|` +
		`UNION\s+(?:ALL\s+)?SELECT\s|` +
		`(?:SLEEP|BENCHMARK|WAITFOR\s+DELAY)\s*\(\s*\d+\s*\)|` +
		`(?:AND|OR)\s+\d+\s*=\s*(?:CONVERT|SELECT|CAST)\s*\(|` +
		`['";]\s*;?\s*(?:INSERT|UPDATE|DELETE|DROP|ALTER|CREATE|TRUNCATE)\s+(?:INTO|FROM|TABLE|DATABASE|SCHEMA)|` +
		`'\s*(?:--|/\*)|` +
		`\b(?:DROP|TRUNCATE)\s+(?:TABLE|DATABASE|SCHEMA)\s+\w+` +
		`)`),
	secevents.KindXSS: regexp.MustCompile(`(?i)(` +
		`<\s*script[^>]*>|` +
		`<\s*/\s*script\s*>|` +
		`\bon(?:error|load|click|mouseover|focus|blur|submit|change|toggle)\s*=|` +
		`javascript\s*:|` +
		`data:text/(?:html|javascript)|` +
		`<\s*(?:iframe|object|embed|applet|svg)[\s/>]|` +
		`\b(?:alert|confirm|prompt)\s*\(|` +
		`expression\s*\(` +
		`)`),
}

// scanOrder keeps findings deterministic across map iteration
var scanOrder = []secevents.Kind{secevents.KindSQLInjection, secevents.KindXSS}

// Recorder is the part of the tracker the inspector needs
type Recorder interface {
	RecordEvent(ctx context.Context, kind secevents.Kind, identifier string, ec secevents.EventContext) error
}

type Options struct {
	Recorder     Recorder
	Logger       log.Logger
	Mode         Mode
	MaxBodyBytes int64
	// OnFinding is called once per kind found in a request, used for prometheus counters
	OnFinding func(kind secevents.Kind)
}

type Inspector struct {
	rec          Recorder
	logger       log.Logger
	mode         Mode
	maxBodyBytes int64
	onFinding    func(kind secevents.Kind)
}

// Finding is one signature match
type Finding struct {
	Kind     secevents.Kind
	Location string
	Match    string
}

func New(opts Options) (*Inspector, error) {
	if opts.Recorder == nil {
		return nil, xerrors.New("inspect: Recorder is required")
	}
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	if opts.Mode == "" {
		opts.Mode = ModeObserve
	}
	if _, err := ParseMode(string(opts.Mode)); err != nil {
		return nil, err
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = DefaultMaxBodyBytes
	}
	return &Inspector{
		rec:          opts.Recorder,
		logger:       opts.Logger,
		mode:         opts.Mode,
		maxBodyBytes: opts.MaxBodyBytes,
		onFinding:    opts.OnFinding,
	}, nil
}

// Scan returns the first signature match per kind found in s
func Scan(location, s string) []Finding {
	if s == "" {
		return nil
	}
	var out []Finding
	for _, kind := range scanOrder {
		if m := signatures[kind].FindString(s); m != "" {
			out = append(out, Finding{Kind: kind, Location: location, Match: m})
		}
	}
	return out
}

// decode unescapes percent and plus encoding, falling back to the raw input
func decode(s string) string {
	if d, err := url.QueryUnescape(s); err == nil {
		return d
	}
	return s
}

// decodeForm unescapes each key and value of a urlencoded string on its own,
// so one malformed escape only leaves its own part raw.
func decodeForm(s string) string {
	pairs := strings.Split(s, "&")
	for n, pair := range pairs {
		k, v, found := strings.Cut(pair, "=")
		if found {
			pairs[n] = decode(k) + "=" + decode(v)
		} else {
			pairs[n] = decode(k)
		}
	}
	return strings.Join(pairs, "&")
}

// scanEncoded scans the decoded form of raw, then raw itself for kinds the decoded
// form did not show.
func scanEncoded(location, raw string) []Finding {
	decoded := decodeForm(raw)
	out := Scan(location, decoded)
	if decoded == raw {
		return out
	}
	for _, f := range Scan(location, raw) {
		if !hasKind(out, f.Kind) {
			out = append(out, f)
		}
	}
	return out
}

func hasKind(fs []Finding, kind secevents.Kind) bool {
	for _, f := range fs {
		if f.Kind == kind {
			return true
		}
	}
	return false
}

var errBodyTooLarge = errors.New("request body too large")

// readBody buffers up to max bytes and restores r.Body so handlers can read it again
func (i *Inspector) readBody(r *http.Request) ([]byte, error) {
	if r.Body == nil || r.Body == http.NoBody {
		return nil, nil
	}
	orig := r.Body
	buf, err := io.ReadAll(io.LimitReader(orig, i.maxBodyBytes+1))
	if err != nil {
		// downstream sees what was read, then the same failure
		r.Body = io.NopCloser(io.MultiReader(bytes.NewReader(buf), orig))
		return nil, xerrors.Wrap(err, "read request body")
	}
	if int64(len(buf)) > i.maxBodyBytes {
		// hand the rest of the stream through untouched, the server closes orig
		r.Body = io.NopCloser(io.MultiReader(bytes.NewReader(buf), orig))
		return nil, errBodyTooLarge
	}
	r.Body = io.NopCloser(bytes.NewReader(buf))
	return buf, nil
}

func mediaType(r *http.Request) string {
	mt, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil {
		return ""
	}
	return mt
}

func isJSON(mt string) bool {
	return mt == "application/json" || strings.HasSuffix(mt, "+json")
}

// Inspect examines r and returns findings. invalid is set when the request itself is malformed.
func (i *Inspector) Inspect(r *http.Request) (findings []Finding, invalid string, tooLarge bool) {
	findings = append(findings, Scan("path", decode(r.URL.Path))...)
	findings = append(findings, scanEncoded("query", r.URL.RawQuery)...)

	body, err := i.readBody(r)
	switch {
	case errors.Is(err, errBodyTooLarge):
		return findings, "body exceeds inspection limit", true
	case err != nil:
		return findings, "unreadable body", false
	}
	if len(body) > 0 {
		switch mt := mediaType(r); {
		case mt == "application/x-www-form-urlencoded":
			findings = append(findings, scanEncoded("body", string(body))...)
		case isJSON(mt) && !json.Valid(body):
			invalid = "malformed json body"
			fallthrough
		default:
			findings = append(findings, Scan("body", string(body))...)
		}
	}
	return findings, invalid, false
}

// Middleware records findings as security events and, in block mode, rejects the request.
// Must run after httpmw.ClientIP.
func (i *Inspector) Middleware(next http.Handler) http.Handler {
	if i.mode == ModeOff {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		ip := httpmw.ClientIPFromContext(ctx)

		findings, invalid, tooLarge := i.Inspect(r)

		base := secevents.EventContext{
			Endpoint:  r.URL.Path,
			UserAgent: r.UserAgent(),
			RequestID: httpmw.RequestIDFromContext(ctx),
		}

		seen := make(map[secevents.Kind]bool, len(findings)+1)
		for _, f := range findings {
			if seen[f.Kind] {
				continue
			}
			seen[f.Kind] = true
			ec := base
			ec.Payload = f.Location + ": " + f.Match
			i.record(ctx, f.Kind, ip, ec)
		}
		if invalid != "" {
			ec := base
			ec.Payload = invalid
			i.record(ctx, secevents.KindInvalidInput, ip, ec)
		}

		if i.mode != ModeBlock {
			next.ServeHTTP(w, r)
			return
		}

		switch {
		case tooLarge:
			writeError(w, http.StatusRequestEntityTooLarge, "request too large")
		case len(findings) > 0 || invalid != "":
			writeError(w, http.StatusBadRequest, "bad request")
		default:
			next.ServeHTTP(w, r)
		}
	})
}

func (i *Inspector) record(ctx context.Context, kind secevents.Kind, ip string, ec secevents.EventContext) {
	if i.onFinding != nil {
		i.onFinding(kind)
	}
	if err := i.rec.RecordEvent(ctx, kind, ip, ec); err != nil {
		// never fail the request because telemetry could not be recorded
		i.logger.Warn(ctx, "failed to record security event", "kind", string(kind), "error", err)
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
