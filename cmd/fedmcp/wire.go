package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/fedmcp/fedmcp/pkg/audit"
	"github.com/fedmcp/fedmcp/pkg/config"
	"github.com/fedmcp/fedmcp/pkg/crypto"
	"github.com/fedmcp/fedmcp/pkg/kms"
	"github.com/fedmcp/fedmcp/pkg/notary"
	"github.com/fedmcp/fedmcp/pkg/observability"
	"github.com/fedmcp/fedmcp/pkg/policy"
	"github.com/fedmcp/fedmcp/pkg/schema"
	"github.com/fedmcp/fedmcp/pkg/store"
	"github.com/fedmcp/fedmcp/pkg/verifier"
)

// runtime is everything built from a Config. close releases it in reverse
// order of construction.
type runtime struct {
	notary  *notary.Notary
	querier audit.Querier
	obs     *observability.Provider
	closers []func() error
}

func (rt *runtime) close(ctx context.Context) {
	if rt.obs != nil {
		_ = rt.obs.Shutdown(ctx)
	}
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](); err != nil {
			slog.Default().WarnContext(ctx, "close failed", "error", err)
		}
	}
}

// buildBackend returns the managed key backend for the configured mode, or
// nil in local mode.
func buildBackend(ctx context.Context, sc config.SignerConfig) (kms.Backend, error) {
	var backend kms.Backend
	switch sc.Mode {
	case config.SignerLocal:
		return nil, nil
	case config.SignerAWSKMS:
		b, err := kms.NewAWSBackend(ctx, kms.AWSConfig{Region: sc.AWSRegion, Endpoint: sc.AWSEndpoint})
		if err != nil {
			return nil, err
		}
		backend = b
	case config.SignerFileKMS:
		b, err := kms.NewFileBackend(sc.KeystorePath)
		if err != nil {
			return nil, err
		}
		backend = b
	default:
		return nil, fmt.Errorf("unknown signer mode %q", sc.Mode)
	}
	return kms.NewGuarded(backend, sc.Guard.ToGuard()), nil
}

// buildSigner loads the configured signer. keyFile overrides the local key path.
func buildSigner(ctx context.Context, sc config.SignerConfig, backend kms.Backend, keyFile string) (crypto.Signer, error) {
	if sc.Mode != config.SignerLocal {
		s, err := crypto.NewManagedSigner(ctx, backend, sc.KeyRef)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
	if keyFile == "" {
		keyFile = sc.KeyFile
	}
	data, err := os.ReadFile(keyFile)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("signing key %s not found (run `fedmcp keygen`): %w", keyFile, err)
		}
		return nil, err
	}
	s, err := crypto.LoadLocalSignerPEM(data)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", keyFile, err)
	}
	return s, nil
}

// buildSink opens the audit sink. Events for the stdout sink go to w so CLI
// output stays machine readable.
func buildSink(ctx context.Context, ac config.AuditConfig, w io.Writer) (audit.Sink, audit.Querier, func() error, error) {
	noop := func() error { return nil }
	switch ac.Sink {
	case config.SinkStdout, "":
		return audit.NewWriterSink(w), nil, noop, nil
	case config.SinkFile:
		s, err := audit.NewFileSink(ac.Path)
		if err != nil {
			return nil, nil, nil, err
		}
		return s, nil, s.Close, nil
	case config.SinkSQLite, config.SinkPostgres:
		s, err := audit.OpenSQLSink(ctx, audit.Dialect(ac.Sink), ac.DSN)
		if err != nil {
			return nil, nil, nil, err
		}
		return s, s, s.Close, nil
	case config.SinkNATS:
		s, err := audit.DialNATS(ac.NATSURL, ac.Subject)
		if err != nil {
			return nil, nil, nil, err
		}
		return s, nil, s.Close, nil
	default:
		return nil, nil, nil, fmt.Errorf("unknown audit sink %q", ac.Sink)
	}
}

func buildSchemas(sc config.SchemaConfig) (*schema.Registry, error) {
	reg := schema.NewRegistry()
	if sc.Builtin {
		var err error
		if reg, err = schema.NewBuiltinRegistry(); err != nil {
			return nil, err
		}
	}
	for typ, path := range sc.Files {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("schema for %s: %w", typ, err)
		}
		if err := reg.Register(typ, string(data)); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

// loadJWKFile accepts a single JWK or a JWK set.
func loadJWKFile(v *verifier.Verifier, path string) error {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return err
	}
	var set crypto.JWKSet
	if err := json.Unmarshal(data, &set); err == nil && len(set.Keys) > 0 {
		return v.AddJWKSet(&set)
	}
	var jwk crypto.JWK
	if err := json.Unmarshal(data, &jwk); err != nil {
		return fmt.Errorf("%s: not a JWK or JWK set: %w", path, err)
	}
	_, err = v.AddJWK(&jwk)
	return err
}

// buildVerifier trusts the configured keys plus extra JWK files.
func buildVerifier(ctx context.Context, vc config.VerifierConfig, backend kms.Backend, extra []string) (*verifier.Verifier, error) {
	v := verifier.New()
	for _, path := range append(append([]string{}, vc.JWKFiles...), extra...) {
		if err := loadJWKFile(v, path); err != nil {
			return nil, err
		}
	}
	if len(vc.ManagedKeys) > 0 && backend == nil {
		return nil, fmt.Errorf("verifier.managed_keys requires a managed signer mode")
	}
	for _, mk := range vc.ManagedKeys {
		if _, err := v.AddManagedKey(ctx, backend, mk.KeyID, mk.KeyRef); err != nil {
			return nil, err
		}
	}
	return v, nil
}

type buildOptions struct {
	auditOut   io.Writer
	keyFile    string
	jwkFiles   []string
	needSigner bool
	withStore  bool
}

// build wires a notary from cfg.
func build(ctx context.Context, cfg *config.Config, o buildOptions) (rt *runtime, err error) {
	rt = &runtime{}
	defer func() {
		if err != nil {
			rt.close(ctx)
			rt = nil
		}
	}()

	obs, err := observability.New(ctx, &cfg.Telemetry)
	if err != nil {
		return nil, err
	}
	rt.obs = obs

	sink, querier, closeSink, err := buildSink(ctx, cfg.Audit, o.auditOut)
	if err != nil {
		return nil, err
	}
	rt.closers = append(rt.closers, closeSink)
	rt.querier = querier

	backend, err := buildBackend(ctx, cfg.Signer)
	if err != nil {
		return nil, err
	}
	v, err := buildVerifier(ctx, cfg.Verifier, backend, o.jwkFiles)
	if err != nil {
		return nil, err
	}
	schemas, err := buildSchemas(cfg.Schema)
	if err != nil {
		return nil, err
	}

	opts := []notary.Option{
		notary.WithVerifier(v),
		notary.WithSchemas(schemas),
		notary.WithObservability(obs),
	}
	if cfg.Policy.Enabled {
		rules := cfg.Policy.Rules
		if len(rules) == 0 {
			rules = policy.DefaultRules()
		}
		engine, err := policy.New(rules)
		if err != nil {
			return nil, err
		}
		opts = append(opts, notary.WithPolicy(engine))
	}
	if o.withStore && cfg.Store.StoreEnabled() {
		st, err := store.New(ctx, cfg.Store.ToStore())
		if err != nil {
			return nil, err
		}
		if c, ok := st.(io.Closer); ok {
			rt.closers = append(rt.closers, c.Close)
		}
		opts = append(opts, notary.WithStore(st))
	}

	signer, err := buildSigner(ctx, cfg.Signer, backend, o.keyFile)
	switch {
	case err == nil:
		opts = append(opts, notary.WithSigner(signer))
	case o.needSigner:
		return nil, err
	}

	n, err := notary.New(sink, opts...)
	if err != nil {
		return nil, err
	}
	if signer != nil {
		if _, err := n.TrustSigner(ctx); err != nil {
			return nil, err
		}
	}
	rt.notary = n
	return rt, nil
}
