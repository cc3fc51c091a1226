// Package policy loads per-kind threshold overrides from an SSM parameter
// and keeps a tracker's policy table in sync with it.
//
// The parameter holds a JSON document, every field optional:
//
//	{
//	  "rules": {
//	    "rate_limit": {"max_attempts": 20, "window": "15m"},
//	    "invalid_input": {"severity": "medium"}
//	  }
//	}
//
// Rules are merged over the built-in defaults, so a kind left out keeps its
// default row and a rule only changes the fields it sets.
package policy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"

	"github.com/keithlinneman/secwatch/internal/secevents"
	"github.com/keithlinneman/secwatch/internal/xerrors"
)

// ParameterGetter is the part of the SSM client Load needs. *ssm.Client satisfies it.
type ParameterGetter interface {
	GetParameter(ctx context.Context, params *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

type document struct {
	Rules map[secevents.Kind]rule `json:"rules"`
}

type rule struct {
	MaxAttempts *int               `json:"max_attempts,omitempty"`
	Window      string             `json:"window,omitempty"`
	Severity    secevents.Severity `json:"severity,omitempty"`
}

// Snapshot is a parsed policy table and the parameter version it came from
type Snapshot struct {
	Policies secevents.Policies
	Version  int64
}

// Parse validates an override document and merges it over DefaultPolicies.
// Every problem in the document is reported, not just the first.
func Parse(data []byte) (secevents.Policies, error) {
	var doc document
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&doc); err != nil {
		return nil, xerrors.Wrap(err, "decode policy document")
	}

	out := secevents.DefaultPolicies()
	var errs []error
	for kind, r := range doc.Rules {
		p, known := out[kind]
		if !known {
			errs = append(errs, fmt.Errorf("rules.%s: unknown event kind", kind))
			continue
		}
		if r.MaxAttempts != nil {
			p.MaxAttempts = *r.MaxAttempts
		}
		if r.Window != "" {
			d, err := time.ParseDuration(r.Window)
			if err != nil {
				errs = append(errs, fmt.Errorf("rules.%s.window: %w", kind, err))
				continue
			}
			p.Window = d
		}
		if r.Severity != "" {
			p.Severity = secevents.Severity(strings.ToLower(string(r.Severity)))
		}
		if err := Validate(p); err != nil {
			errs = append(errs, fmt.Errorf("rules.%s: %w", kind, err))
			continue
		}
		out[kind] = p
	}
	if err := errors.Join(errs...); err != nil {
		return nil, xerrors.Wrap(err, "invalid policy document")
	}
	return out, nil
}

// Validate checks a single policy row
func Validate(p secevents.Policy) error {
	var errs []error
	if p.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("max_attempts must be >= 1, got %d", p.MaxAttempts))
	}
	if p.Window <= 0 {
		errs = append(errs, fmt.Errorf("window must be > 0, got %s", p.Window))
	}
	if !p.Severity.Valid() {
		errs = append(errs, fmt.Errorf("severity %q is not one of low|medium|high", p.Severity))
	}
	return errors.Join(errs...)
}

// Load fetches the named parameter and parses it
func Load(ctx context.Context, getter ParameterGetter, name string) (Snapshot, error) {
	if name == "" {
		return Snapshot{}, xerrors.New("policy parameter name is required")
	}
	out, err := getter.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(name),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		return Snapshot{}, xerrors.Wrapf(err, "get SSM parameter %s", name)
	}
	if out.Parameter == nil || out.Parameter.Value == nil {
		return Snapshot{}, xerrors.Newf("SSM parameter %s has no value", name)
	}

	value := strings.TrimSpace(*out.Parameter.Value)
	if value == "" {
		return Snapshot{}, xerrors.Newf("SSM parameter %s is empty", name)
	}
	p, err := Parse([]byte(value))
	if err != nil {
		return Snapshot{}, xerrors.Wrapf(err, "parse SSM parameter %s", name)
	}
	return Snapshot{Policies: p, Version: out.Parameter.Version}, nil
}
