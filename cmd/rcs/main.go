package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Rezilient-Labs/restore-control/core/pkg/auth"
	"github.com/Rezilient-Labs/restore-control/core/pkg/config"
	"github.com/Rezilient-Labs/restore-control/core/pkg/contracts"
	"github.com/Rezilient-Labs/restore-control/core/pkg/evidence"
	"github.com/Rezilient-Labs/restore-control/core/pkg/service"

	_ "github.com/lib/pq" // Postgres driver
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// startServer is a variable to allow mocking in tests.
var startServer = runServer

// Run dispatches the subcommand; no subcommand runs the server.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		return startServer()
	}
	switch args[1] {
	case "server", "serve":
		return startServer()
	case "health":
		return runHealthCmd(stdout, stderr)
	case "keygen":
		return runKeygenCmd(args[2:], stdout, stderr)
	case "verify":
		return runVerifyCmd(args[2:], stdout, stderr)
	case "token":
		return runTokenCmd(args[2:], stdout, stderr)
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		if args[1][0] == '-' {
			return startServer()
		}
		fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "Restore Control Service")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "USAGE:")
	fmt.Fprintln(w, "  rcs <command> [flags]")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "COMMANDS:")
	fmt.Fprintln(w, "  server   Run the restore control server (default)")
	fmt.Fprintln(w, "  health   Check server health over HTTP")
	fmt.Fprintln(w, "  keygen   Generate an ed25519 evidence signing key pair")
	fmt.Fprintln(w, "  verify   Verify an exported evidence bundle offline")
	fmt.Fprintln(w, "  token    Mint a development bearer token")
	fmt.Fprintln(w, "  help     Show this help")
}

func runServer() int {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg := config.Load()
	if code := os.Getenv("CONFIG_PROFILE"); code != "" {
		profile, err := config.LoadProfile(os.Getenv("CONFIG_PROFILE_DIR"), code)
		if err != nil {
			log.Printf("[rcs] profile: %v", err)
			return 1
		}
		profile.Apply(cfg)
		log.Printf("[rcs] profile applied: %s", profile.Code)
	}

	c, err := service.New(ctx, cfg, nil)
	if err != nil {
		log.Printf("[rcs] startup: %v", err)
		return 1
	}
	defer func() { _ = c.Close() }()

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           c.Handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		c.Logger.Info("server listening", "port", cfg.Port)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("[rcs] server: %v", err)
			return 1
		}
	case <-ctx.Done():
		c.Logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Printf("[rcs] shutdown: %v", err)
			return 1
		}
	}
	return 0
}

func runHealthCmd(out, errOut io.Writer) int {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}
	resp, err := http.Get("http://localhost:" + port + "/healthz")
	if err != nil {
		fmt.Fprintf(errOut, "Health check failed: %v\n", err)
		return 1
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(errOut, "Health check failed: status %d\n", resp.StatusCode)
		return 1
	}
	fmt.Fprintln(out, "OK")
	return 0
}

func runKeygenCmd(args []string, out, errOut io.Writer) int {
	cmd := flag.NewFlagSet("keygen", flag.ContinueOnError)
	cmd.SetOutput(errOut)
	keyID := cmd.String("key-id", "evidence-signer-01", "Key identifier for the pair")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	signer, err := evidence.GenerateSigner(*keyID)
	if err != nil {
		fmt.Fprintf(errOut, "keygen failed: %v\n", err)
		return 1
	}
	privPEM, err := signer.PrivatePEM()
	if err != nil {
		fmt.Fprintf(errOut, "keygen failed: %v\n", err)
		return 1
	}
	pubPEM, err := signer.PublicPEM()
	if err != nil {
		fmt.Fprintf(errOut, "keygen failed: %v\n", err)
		return 1
	}
	fmt.Fprintf(out, "# EVIDENCE_SIGNER_KEY_ID=%s\n", signer.KeyID())
	fmt.Fprintf(out, "# EVIDENCE_SIGNER_PRIVATE_PEM:\n%s", privPEM)
	fmt.Fprintf(out, "# EVIDENCE_SIGNER_PUBLIC_PEM:\n%s", pubPEM)
	return 0
}

func runVerifyCmd(args []string, out, errOut io.Writer) int {
	cmd := flag.NewFlagSet("verify", flag.ContinueOnError)
	cmd.SetOutput(errOut)
	bundlePath := cmd.String("bundle", "", "Path to the exported evidence JSON (required)")
	keyPath := cmd.String("public-key", "", "Path to the signer public key PEM (required)")
	jsonOut := cmd.Bool("json", false, "Output the verdict as JSON")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if *bundlePath == "" || *keyPath == "" {
		fmt.Fprintln(errOut, "Error: --bundle and --public-key are required")
		cmd.Usage()
		return 2
	}

	data, err := os.ReadFile(*bundlePath)
	if err != nil {
		fmt.Fprintf(errOut, "read bundle: %v\n", err)
		return 1
	}
	var record contracts.EvidenceRecord
	if err := json.Unmarshal(data, &record); err != nil {
		fmt.Fprintf(errOut, "parse bundle: %v\n", err)
		return 1
	}
	pubPEM, err := os.ReadFile(*keyPath)
	if err != nil {
		fmt.Fprintf(errOut, "read public key: %v\n", err)
		return 1
	}

	verdict, reason, err := evidence.VerifyRecord(record, string(pubPEM))
	if err != nil {
		fmt.Fprintf(errOut, "verify: %v\n", err)
		return 1
	}
	if *jsonOut {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		_ = enc.Encode(map[string]any{
			"evidence_id":            record.EvidenceID,
			"signature_verification": verdict,
			"reason_code":            reason,
		})
	} else {
		fmt.Fprintf(out, "%s: %s\n", record.EvidenceID, verdict)
		if reason != contracts.ReasonNone {
			fmt.Fprintf(out, "reason: %s\n", reason)
		}
	}
	if verdict != contracts.SignatureVerified {
		return 1
	}
	return 0
}

func runTokenCmd(args []string, out, errOut io.Writer) int {
	cmd := flag.NewFlagSet("token", flag.ContinueOnError)
	cmd.SetOutput(errOut)
	secret := cmd.String("secret", os.Getenv("AUTH_SECRET"), "HMAC secret (defaults to AUTH_SECRET)")
	issuer := cmd.String("issuer", "restore-control", "Token issuer")
	audience := cmd.String("audience", "restore-api", "Token audience")
	tenant := cmd.String("tenant", "", "Tenant id (required)")
	instance := cmd.String("instance", "", "Instance id (required)")
	source := cmd.String("source", "", "Source id (required)")
	subject := cmd.String("subject", "", "Operator subject (required)")
	ttl := cmd.Duration("ttl", time.Hour, "Token lifetime")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if *secret == "" || *tenant == "" || *instance == "" || *source == "" || *subject == "" {
		fmt.Fprintln(errOut, "Error: --secret, --tenant, --instance, --source and --subject are required")
		cmd.Usage()
		return 2
	}

	verifier, err := auth.NewVerifier([]byte(*secret), *issuer, *audience)
	if err != nil {
		fmt.Fprintf(errOut, "token: %v\n", err)
		return 1
	}
	token, err := verifier.Issue(contracts.Claims{
		TenantID:   *tenant,
		InstanceID: *instance,
		Source:     *source,
		Subject:    *subject,
	}, *ttl)
	if err != nil {
		fmt.Fprintf(errOut, "token: %v\n", err)
		return 1
	}
	fmt.Fprintln(out, token)
	return 0
}
