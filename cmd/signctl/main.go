// signctl issues and inspects signing-link tokens with the server's secret.
// The secret and default lifetime come from SIGNFLOW_TOKEN_SECRET and
// SIGNFLOW_TOKEN_TTL.
package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/pflag"

	"signflow/config"
	"signflow/token"
)

func main() {
	cfg, err := config.Load()
	if err == nil {
		err = run(os.Args[1:], cfg, os.Stdout, os.Stderr)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string, cfg config.Config, stdout, stderr io.Writer) error {
	if len(args) == 0 || args[0] == "-h" || args[0] == "--help" {
		printUsage(stderr)
		return nil
	}
	switch args[0] {
	case "mint":
		return runMint(args[1:], cfg, stdout, stderr)
	case "verify":
		return runVerify(args[1:], cfg, stdout, stderr)
	default:
		printUsage(stderr)
		return fmt.Errorf("unknown command %q", args[0])
	}
}

func runMint(args []string, cfg config.Config, stdout, stderr io.Writer) error {
	var envelopeID, email, baseURL string
	var index int
	var ttl time.Duration

	flags := pflag.NewFlagSet("signctl mint", pflag.ContinueOnError)
	flags.SetOutput(stderr)
	flags.StringVar(&envelopeID, "envelope", "", "envelope id")
	flags.StringVar(&email, "email", "", "signer email")
	flags.IntVarP(&index, "index", "i", 0, "signer position in the envelope")
	flags.DurationVar(&ttl, "ttl", cfg.TokenTTL, "token lifetime")
	flags.StringVar(&baseURL, "base-url", cfg.BaseURL, "print a signing link under this base url instead of the bare token")
	if err := flags.Parse(args); err != nil {
		return err
	}

	if strings.TrimSpace(envelopeID) == "" || strings.TrimSpace(email) == "" {
		return errors.New("--envelope and --email are required")
	}
	if index < 0 {
		return errors.New("--index must not be negative")
	}
	cfg.TokenTTL = ttl
	if err := cfg.ValidateTokens(); err != nil {
		return err
	}

	codec, err := token.NewCodec(cfg.TokenSecret, cfg.TokenTTL)
	if err != nil {
		return err
	}
	tok, err := codec.Mint(envelopeID, email, index)
	if err != nil {
		return err
	}
	if baseURL != "" {
		tok = strings.TrimRight(baseURL, "/") + "/sign/" + tok
	}
	_, err = fmt.Fprintln(stdout, tok)
	return err
}

type verifyOutput struct {
	EnvelopeID string    `json:"envelopeId"`
	Email      string    `json:"email"`
	Index      int       `json:"index"`
	IssuedAt   time.Time `json:"issuedAt"`
	ExpiresAt  time.Time `json:"expiresAt"`
}

func runVerify(args []string, cfg config.Config, stdout, stderr io.Writer) error {
	flags := pflag.NewFlagSet("signctl verify", pflag.ContinueOnError)
	flags.SetOutput(stderr)
	if err := flags.Parse(args); err != nil {
		return err
	}
	if flags.NArg() != 1 {
		return errors.New("verify takes exactly one token or signing link")
	}
	if err := cfg.ValidateTokens(); err != nil {
		return err
	}

	raw := flags.Arg(0)
	if i := strings.LastIndex(raw, "/sign/"); i >= 0 {
		raw = raw[i+len("/sign/"):]
	}

	codec, err := token.NewCodec(cfg.TokenSecret, cfg.TokenTTL)
	if err != nil {
		return err
	}
	claims, err := codec.Verify(raw)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(verifyOutput{
		EnvelopeID: claims.EnvelopeID,
		Email:      claims.Email,
		Index:      claims.Index,
		IssuedAt:   claims.IssuedAt.UTC(),
		ExpiresAt:  claims.ExpiresAt.UTC(),
	})
}

func printUsage(w io.Writer) {
	fmt.Fprint(w, `signctl manages signing-link tokens.

Usage:
  signctl mint --envelope ID --email ADDRESS [--index N] [--ttl 72h] [--base-url URL]
  signctl verify TOKEN|LINK
`)
}
