// Package main provides the entry point for the Cori security kernel:
// a capability-token-gated proxy that sits between AI agents and
// PostgreSQL, compiling declarative policy documents into an RPC tool
// catalog and enforcing it on every invocation.
package main

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/cori-do/cori/internal/approval"
	"github.com/cori-do/cori/internal/audit"
	"github.com/cori-do/cori/internal/catalog"
	"github.com/cori-do/cori/internal/config"
	"github.com/cori-do/cori/internal/configdocs"
	"github.com/cori-do/cori/internal/guardrail"
	"github.com/cori-do/cori/internal/pipeline"
	"github.com/cori-do/cori/internal/policycompiler"
	"github.com/cori-do/cori/internal/repository/postgres"
	"github.com/cori-do/cori/internal/tokenengine"
	"github.com/cori-do/cori/internal/transport/httpapi"
	"github.com/cori-do/cori/internal/transport/stdio"
)

var (
	version = "0.1.0"
	commit  = "dev"
	date    = "unknown"
)

func main() {
	rootCmd := &cobra.Command{
		Use:     "cori",
		Short:   "A security kernel between AI agents and PostgreSQL",
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
	}

	rootCmd.AddCommand(
		newServeCmd(),
		newKeygenCmd(),
		newMintCmd(),
		newAttenuateCmd(),
		newInspectTokenCmd(),
		newCompileCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// policyPaths bundles the flags every subcommand that reads the
// declarative documents shares.
type policyPaths struct {
	schema    string
	rules     string
	types     string
	rolesDir  string
	groupsDir string
}

func addPolicyPathFlags(cmd *cobra.Command, pp *policyPaths) {
	cmd.Flags().StringVar(&pp.schema, "schema", "./policy/schema.yaml", "Path to the schema document")
	cmd.Flags().StringVar(&pp.rules, "rules", "./policy/rules.yaml", "Path to the rules document")
	cmd.Flags().StringVar(&pp.types, "types", "./policy/types.yaml", "Path to the types catalog document")
	cmd.Flags().StringVar(&pp.rolesDir, "roles-dir", "./policy/roles", "Directory of roles/<name>.yaml documents")
	cmd.Flags().StringVar(&pp.groupsDir, "groups-dir", "./policy/groups", "Directory of groups/<name>.yaml documents")
}

// compilePolicy loads every declarative document at pp and compiles them
// into an EffectivePolicy, merging the load-time diagnostics (unknown
// fields) ahead of the compiler's own.
func compilePolicy(pp policyPaths) (*policycompiler.EffectivePolicy, []policycompiler.Diagnostic, error) {
	schema, schemaDiags, err := configdocs.LoadSchema(pp.schema)
	if err != nil {
		return nil, nil, fmt.Errorf("load schema: %w", err)
	}
	rules, rulesDiags, err := configdocs.LoadRules(pp.rules)
	if err != nil {
		return nil, nil, fmt.Errorf("load rules: %w", err)
	}
	types, typesDiags, err := configdocs.LoadTypes(pp.types)
	if err != nil {
		return nil, nil, fmt.Errorf("load types: %w", err)
	}
	roles, roleDiags, err := configdocs.LoadRoles(pp.rolesDir)
	if err != nil {
		return nil, nil, fmt.Errorf("load roles: %w", err)
	}
	groups, groupDiags, err := configdocs.LoadGroups(pp.groupsDir)
	if err != nil {
		return nil, nil, fmt.Errorf("load groups: %w", err)
	}

	var diags []policycompiler.Diagnostic
	diags = append(diags, schemaDiags...)
	diags = append(diags, rulesDiags...)
	diags = append(diags, typesDiags...)
	diags = append(diags, roleDiags...)
	diags = append(diags, groupDiags...)

	if policycompiler.HasErrors(diags) {
		return nil, diags, nil
	}

	policy, compileDiags := policycompiler.Compile(schema, rules, types, roles, groups)
	diags = append(diags, compileDiags...)
	return policy, diags, nil
}

func newCompileCmd() *cobra.Command {
	var pp policyPaths
	cmd := &cobra.Command{
		Use:   "compile",
		Short: "Compile the declarative policy documents and print diagnostics",
		RunE: func(cmd *cobra.Command, args []string) error {
			configureLogging(false)
			policy, diags, err := compilePolicy(pp)
			if err != nil {
				return err
			}
			policycompiler.PrintReport(os.Stdout, diags)
			if policy == nil {
				os.Exit(1)
			}
			return nil
		},
	}
	addPolicyPathFlags(cmd, &pp)
	return cmd
}

func newServeCmd() *cobra.Command {
	var pp policyPaths
	var configPath string
	var stdioMode bool
	var debug bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the pipeline behind the HTTP or stdio transport",
		RunE: func(cmd *cobra.Command, args []string) error {
			configureLogging(debug)

			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			policy, diags, err := compilePolicy(pp)
			if err != nil {
				return fmt.Errorf("compile policy: %w", err)
			}
			policycompiler.PrintReport(os.Stdout, diags)
			if policy == nil {
				return fmt.Errorf("policy failed to compile, see diagnostics above")
			}
			policySource := pipeline.NewReloadablePolicySource(policy)

			ctx := context.Background()
			db, err := postgres.New(ctx, postgres.Config{
				Host:     cfg.Database.Host,
				Port:     cfg.Database.Port,
				User:     cfg.Database.User,
				Password: cfg.Database.Password,
				Database: cfg.Database.Database,
				SSLMode:  cfg.Database.SSLMode,
				MaxConns: int32(cfg.Database.MaxConns),
			})
			if err != nil {
				return fmt.Errorf("connect to database: %w", err)
			}
			defer db.Close()

			guardrailEngine, err := guardrail.NewEngine(ctx, cfg.Guardrail.BundlePath)
			if err != nil {
				log.Warn().Err(err).Msg("guardrail engine failed to load, continuing without advisory sweep")
				guardrailEngine = nil
			}

			p := &pipeline.Pipeline{
				Policy:    policySource,
				Catalog:   catalog.NewCache(),
				Guardrail: guardrailEngine,
				Approvals: approval.NewRendezvous(approval.NewPostgresStore(db)),
				DB:        db,
				AuditSink: audit.LogSink{},
			}

			reload := func() {
				newPolicy, newDiags, err := compilePolicy(pp)
				if err != nil {
					log.Error().Err(err).Msg("reload: failed to load policy documents")
					return
				}
				policycompiler.PrintReport(os.Stdout, newDiags)
				if newPolicy == nil {
					log.Error().Msg("reload: policy failed to compile, keeping previous policy")
					return
				}
				policySource.Reload(newPolicy)
				log.Info().Msg("reload: policy swapped in")
			}

			sigChan := make(chan os.Signal, 1)
			signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

			if stdioMode {
				return serveStdio(p, sigChan, reload)
			}
			return serveHTTP(cfg, p, sigChan, reload)
		},
	}

	addPolicyPathFlags(cmd, &pp)
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to configuration file")
	cmd.Flags().BoolVar(&stdioMode, "stdio", false, "Serve a single principal over framed stdin/stdout instead of HTTP")
	cmd.Flags().BoolVar(&debug, "debug", false, "Enable debug logging")
	return cmd
}

func serveHTTP(cfg *config.Config, p *pipeline.Pipeline, sigChan chan os.Signal, reload func()) error {
	deps := &httpapi.Deps{
		Pipeline:        p,
		CORSOrigins:     cfg.Server.CORSOrigins,
		RateLimitPerMin: cfg.Server.RateLimitPerMin,
	}
	router := httpapi.NewRouter(deps)

	srv := &http.Server{
		Addr:         cfg.Server.Host + ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	shutdownDone := make(chan struct{})
	go func() {
		defer close(shutdownDone)
		for sig := range sigChan {
			if sig == syscall.SIGHUP {
				log.Info().Msg("received SIGHUP, reloading policy")
				reload()
				continue
			}
			log.Info().Msg("shutting down server")
			if deps.StopRateLimiter != nil {
				deps.StopRateLimiter()
			}
			shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.Server.ShutdownTimeout)*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				log.Error().Err(err).Msg("server shutdown error")
			}
			return
		}
	}()

	log.Info().Str("version", version).Str("addr", srv.Addr).Msg("starting cori HTTP server")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}
	<-shutdownDone
	log.Info().Msg("server stopped")
	return nil
}

func serveStdio(p *pipeline.Pipeline, sigChan chan os.Signal, reload func()) error {
	token := os.Getenv("CORI_TOKEN")
	if token == "" {
		return fmt.Errorf("CORI_TOKEN must be set when serving --stdio")
	}
	srv := &stdio.Server{Pipeline: p, Token: token}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		for sig := range sigChan {
			if sig == syscall.SIGHUP {
				log.Info().Msg("received SIGHUP, reloading policy")
				reload()
				continue
			}
			cancel()
			return
		}
	}()

	log.Info().Msg("starting cori stdio server")
	return srv.Serve(ctx, os.Stdin, os.Stdout)
}

func newKeygenCmd() *cobra.Command {
	var privPath, pubPath string
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate an Ed25519 keypair for minting tokens",
		RunE: func(cmd *cobra.Command, args []string) error {
			configureLogging(false)
			kp, err := tokenengine.GenerateKeypair()
			if err != nil {
				return err
			}
			if err := writeKeyFile(privPath, kp.Private); err != nil {
				return fmt.Errorf("write private key: %w", err)
			}
			if err := writeKeyFile(pubPath, kp.Public); err != nil {
				return fmt.Errorf("write public key: %w", err)
			}
			log.Info().Str("private_key_path", privPath).Str("public_key_path", pubPath).Msg("keypair written")
			return nil
		},
	}
	cmd.Flags().StringVar(&privPath, "private-key-path", "./keys/cori_ed25519.key", "Where to write the private key")
	cmd.Flags().StringVar(&pubPath, "public-key-path", "./keys/cori_ed25519.pub", "Where to write the public key")
	return cmd
}

func newMintCmd() *cobra.Command {
	var privPath, role, tenant string
	var ttl time.Duration
	var tableAllow []string

	cmd := &cobra.Command{
		Use:   "mint",
		Short: "Mint a new base capability token",
		RunE: func(cmd *cobra.Command, args []string) error {
			configureLogging(false)
			priv, err := readPrivateKey(privPath)
			if err != nil {
				return err
			}
			kp := tokenengine.Keypair{Public: priv.Public().(ed25519.PublicKey), Private: priv}

			tok, err := tokenengine.Mint(kp, tokenengine.MintParams{
				Role:       role,
				Tenant:     tenant,
				ExpiresAt:  time.Now().Add(ttl),
				TableAllow: tableAllow,
			})
			if err != nil {
				return err
			}
			raw, err := tok.Encode()
			if err != nil {
				return err
			}
			fmt.Println(raw)
			return nil
		},
	}
	cmd.Flags().StringVar(&privPath, "private-key-path", "./keys/cori_ed25519.key", "Path to the signing private key")
	cmd.Flags().StringVar(&role, "role", "", "Role this token grants (required)")
	cmd.Flags().StringVar(&tenant, "tenant", "", "Tenant this token is scoped to (empty for a base-role token)")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "Token lifetime from now")
	cmd.Flags().StringSliceVar(&tableAllow, "table-allow", nil, "Restrict this token to the named tables")
	cmd.MarkFlagRequired("role")
	return cmd
}

func newAttenuateCmd() *cobra.Command {
	var privPath, parentToken, tenant string
	var ttl time.Duration
	var tableAllow []string

	cmd := &cobra.Command{
		Use:   "attenuate",
		Short: "Narrow an existing token, optionally binding it to a tenant, and print the new chain",
		RunE: func(cmd *cobra.Command, args []string) error {
			configureLogging(false)
			priv, err := readPrivateKey(privPath)
			if err != nil {
				return err
			}
			kp := tokenengine.Keypair{Public: priv.Public().(ed25519.PublicKey), Private: priv}

			tok, err := tokenengine.Decode(parentToken)
			if err != nil {
				return fmt.Errorf("decode parent token: %w", err)
			}

			params := tokenengine.AttenuateParams{Tenant: tenant}
			if ttl > 0 {
				params.ExpiresAt = time.Now().Add(ttl)
			}
			params.TableAllow = tableAllow

			next, err := tok.Attenuate(kp, params)
			if err != nil {
				return err
			}
			raw, err := next.Encode()
			if err != nil {
				return err
			}
			fmt.Println(raw)
			return nil
		},
	}
	cmd.Flags().StringVar(&privPath, "private-key-path", "./keys/cori_ed25519.key", "Path to the signing private key")
	cmd.Flags().StringVar(&parentToken, "token", "", "The token to attenuate (required)")
	cmd.Flags().StringVar(&tenant, "tenant", "", "Bind this token to a tenant (only allowed once per chain)")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "New expiry from now (0 keeps the parent's)")
	cmd.Flags().StringSliceVar(&tableAllow, "table-allow", nil, "Narrow the token to the named tables")
	cmd.MarkFlagRequired("token")
	return cmd
}

func newInspectTokenCmd() *cobra.Command {
	var raw string
	cmd := &cobra.Command{
		Use:   "inspect-token",
		Short: "Print a token's block chain without verifying signatures",
		Long:  "inspect-token never verifies a signature; it is operator tooling only and must never be used in the request path.",
		RunE: func(cmd *cobra.Command, args []string) error {
			configureLogging(false)
			blocks, err := tokenengine.Inspect(raw)
			if err != nil {
				return err
			}
			for _, b := range blocks {
				fmt.Printf("block %d: role=%q tenant=%q expires_at=%s table_allow=%v column_allow=%v has_key=%v\n",
					b.Index, b.Role, b.Tenant, b.ExpiresAt.Format(time.RFC3339), b.TableAllow, b.ColumnAllow, b.HasKey)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&raw, "token", "", "The token to inspect (required)")
	cmd.MarkFlagRequired("token")
	return cmd
}

func writeKeyFile(path string, key []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	encoded := base64.StdEncoding.EncodeToString(key)
	return os.WriteFile(path, []byte(encoded+"\n"), 0o600)
}

func readPrivateKey(path string) (ed25519.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read private key: %w", err)
	}
	decoded, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, fmt.Errorf("decode private key: %w", err)
	}
	if len(decoded) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("private key at %s is not a valid Ed25519 key", path)
	}
	return ed25519.PrivateKey(decoded), nil
}

func configureLogging(debug bool) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	if debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}
