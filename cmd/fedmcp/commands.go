package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/fedmcp/fedmcp/pkg/artifact"
	"github.com/fedmcp/fedmcp/pkg/config"
	"github.com/fedmcp/fedmcp/pkg/crypto"
	"github.com/fedmcp/fedmcp/pkg/fedmcperr"
	"github.com/fedmcp/fedmcp/pkg/kms"
)

type signedOutput struct {
	Artifact *artifact.Artifact `json:"artifact,omitempty"`
	JWS      string             `json:"jws"`
	KeyID    string             `json:"kid"`
}

func newCreateCmd(g *globals) *cobra.Command {
	var (
		typ     string
		version int
		sign    bool
		keyFile string
	)
	cmd := &cobra.Command{
		Use:   "create <json-file|->",
		Short: "Create an artifact from a JSON body",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ws, err := g.workspaceID()
			if err != nil {
				return err
			}
			data, err := readInput(cmd, args[0])
			if err != nil {
				return err
			}
			if !json.Valid(data) {
				return fmt.Errorf("%s: body is not valid JSON", args[0])
			}
			cfg, err := g.loadConfig()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			rt, err := build(ctx, cfg, buildOptions{auditOut: g.stderr, keyFile: keyFile, needSigner: sign})
			if err != nil {
				return err
			}
			defer rt.close(ctx)

			body := json.RawMessage(data)
			if !sign {
				a, err := rt.notary.Create(ctx, typ, ws, body, artifact.WithVersion(version))
				if err != nil {
					return err
				}
				return g.printJSON(a)
			}
			a, token, err := rt.notary.CreateAndSign(ctx, typ, ws, body, artifact.WithVersion(version))
			if err != nil {
				return err
			}
			return g.printJSON(signedOutput{Artifact: a, JWS: token, KeyID: rt.notary.SignerKeyID()})
		},
	}
	cmd.Flags().StringVarP(&typ, "type", "t", "", "Artifact type")
	cmd.Flags().IntVarP(&version, "version", "v", 1, "Artifact version")
	cmd.Flags().BoolVar(&sign, "sign", false, "Sign the new artifact")
	cmd.Flags().StringVar(&keyFile, "key", "", "PEM signing key (local mode)")
	_ = cmd.MarkFlagRequired("type")
	return cmd
}

func newSignCmd(g *globals) *cobra.Command {
	var keyFile string
	cmd := &cobra.Command{
		Use:   "sign <artifact-file|->",
		Short: "Sign an artifact",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := readInput(cmd, args[0])
			if err != nil {
				return err
			}
			a, err := artifact.Parse(data)
			if err != nil {
				return err
			}
			cfg, err := g.loadConfig()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			rt, err := build(ctx, cfg, buildOptions{auditOut: g.stderr, keyFile: keyFile, needSigner: true})
			if err != nil {
				return err
			}
			defer rt.close(ctx)

			token, err := rt.notary.Sign(ctx, a)
			if err != nil {
				return err
			}
			return g.printJSON(signedOutput{JWS: token, KeyID: rt.notary.SignerKeyID()})
		},
	}
	cmd.Flags().StringVar(&keyFile, "key", "", "PEM signing key (local mode)")
	return cmd
}

type verifyOutput struct {
	Valid    bool               `json:"valid"`
	Artifact *artifact.Artifact `json:"artifact,omitempty"`
	KeyID    string             `json:"kid,omitempty"`
	Error    string             `json:"error,omitempty"`
	Kind     string             `json:"kind,omitempty"`
}

// errVerificationFailed makes verify exit non-zero after printing its result.
var errVerificationFailed = errors.New("verification failed")

func newVerifyCmd(g *globals) *cobra.Command {
	var (
		jwkFiles []string
		keyFile  string
	)
	cmd := &cobra.Command{
		Use:   "verify <token|token-file|->",
		Short: "Verify a signed token and print the artifact it carries",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			token, err := readToken(cmd, args[0])
			if err != nil {
				return err
			}
			cfg, err := g.loadConfig()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			rt, err := build(ctx, cfg, buildOptions{auditOut: g.stderr, keyFile: keyFile, jwkFiles: jwkFiles})
			if err != nil {
				return err
			}
			defer rt.close(ctx)

			res, err := rt.notary.Verify(ctx, token)
			if err != nil {
				_ = g.printJSON(verifyOutput{Error: err.Error(), Kind: fedmcperr.Kind(err)})
				return errVerificationFailed
			}
			return g.printJSON(verifyOutput{Valid: true, Artifact: res.Artifact, KeyID: res.KeyID})
		},
	}
	cmd.Flags().StringSliceVar(&jwkFiles, "jwk", nil, "Trusted JWK or JWK set file (repeatable)")
	cmd.Flags().StringVar(&keyFile, "key", "", "Also trust this PEM signing key")
	return cmd
}

// readToken accepts the token itself, a file holding it, or "-".
func readToken(cmd *cobra.Command, arg string) (string, error) {
	if arg != "-" && strings.Count(arg, ".") == 2 {
		if _, err := os.Stat(arg); err != nil {
			return strings.TrimSpace(arg), nil
		}
	}
	data, err := readInput(cmd, arg)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

type keyOutput struct {
	KeyID string      `json:"kid"`
	Path  string      `json:"path,omitempty"`
	JWK   *crypto.JWK `json:"jwk"`
}

func newKeygenCmd(g *globals) *cobra.Command {
	var (
		out   string
		force bool
	)
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate a P-256 signing key",
		Long: "In local mode, writes a PKCS #8 PEM key (mode 0600). In file-kms mode, " +
			"creates signer.key_ref in the keystore, or rotates it when it exists and --force is set.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := g.loadConfig()
			if err != nil {
				return err
			}
			switch cfg.Signer.Mode {
			case config.SignerLocal:
				return keygenLocal(g, cmd, cfg, out, force)
			case config.SignerFileKMS:
				return keygenFileKMS(g, cmd, cfg, force)
			default:
				return fmt.Errorf("keygen does not manage %s keys; create them with the provider's tooling", cfg.Signer.Mode)
			}
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "", "Output path (default signer.key_file)")
	cmd.Flags().BoolVar(&force, "force", false, "Overwrite or rotate an existing key")
	return cmd
}

func keygenLocal(g *globals, cmd *cobra.Command, cfg *config.Config, out string, force bool) error {
	if out == "" {
		out = cfg.Signer.KeyFile
	}
	if _, err := os.Stat(out); err == nil && !force {
		return fmt.Errorf("%s exists (use --force to overwrite)", out)
	}
	signer, err := crypto.NewLocalSigner()
	if err != nil {
		return err
	}
	pemBytes, err := signer.PrivateKeyPEM()
	if err != nil {
		return err
	}
	if dir := filepath.Dir(out); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return err
		}
	}
	if err := os.WriteFile(out, pemBytes, 0o600); err != nil {
		return err
	}
	jwk, err := signer.PublicKeyJWK(cmd.Context())
	if err != nil {
		return err
	}
	return g.printJSON(keyOutput{KeyID: signer.KeyID(), Path: out, JWK: jwk})
}

func keygenFileKMS(g *globals, cmd *cobra.Command, cfg *config.Config, force bool) error {
	b, err := kms.NewFileBackend(cfg.Signer.KeystorePath)
	if err != nil {
		return err
	}
	ref := cfg.Signer.KeyRef
	if b.ActiveVersion(ref) > 0 {
		if !force {
			return fmt.Errorf("key %q exists (use --force to rotate)", ref)
		}
		if _, err := b.Rotate(ref); err != nil {
			return err
		}
	} else if err := b.CreateKey(ref); err != nil {
		return err
	}
	signer, err := crypto.NewManagedSigner(cmd.Context(), b, ref)
	if err != nil {
		return err
	}
	jwk, err := signer.PublicKeyJWK(cmd.Context())
	if err != nil {
		return err
	}
	return g.printJSON(keyOutput{KeyID: signer.KeyID(), Path: cfg.Signer.KeystorePath, JWK: jwk})
}

func newExportKeyCmd(g *globals) *cobra.Command {
	var (
		keyFile string
		asSet   bool
	)
	cmd := &cobra.Command{
		Use:   "export-key",
		Short: "Print the signer's public key as a JWK",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := g.loadConfig()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			backend, err := buildBackend(ctx, cfg.Signer)
			if err != nil {
				return err
			}
			signer, err := buildSigner(ctx, cfg.Signer, backend, keyFile)
			if err != nil {
				return err
			}
			jwk, err := signer.PublicKeyJWK(ctx)
			if err != nil {
				return err
			}
			if asSet {
				return g.printJSON(crypto.JWKSet{Keys: []crypto.JWK{*jwk}})
			}
			return g.printJSON(jwk)
		},
	}
	cmd.Flags().StringVar(&keyFile, "key", "", "PEM signing key (local mode)")
	cmd.Flags().BoolVar(&asSet, "set", false, "Wrap the key in a JWK set")
	return cmd
}
